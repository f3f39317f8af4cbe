package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/Nach0t/siss"
	"github.com/Nach0t/siss/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("SISS_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "siss")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args select the root run
// command rather than a subcommand. Flag values are skipped so a value that
// happens to match a subcommand name does not count as one.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		if flag := root.Flags().Lookup(name); flag != nil {
			return flag
		}
		return root.PersistentFlags().Lookup(name)
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		if flag := root.Flags().ShorthandLookup(shorthand); flag != nil {
			return flag
		}
		return root.PersistentFlags().ShorthandLookup(shorthand)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			if strings.IndexByte(arg, '=') >= 0 {
				continue
			}
			if flag := lookupLong(strings.TrimPrefix(arg, "--")); flag != nil && flag.NoOptDefVal == "" {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			sh := strings.TrimPrefix(arg, "-")
			if flag := lookupShort(string(sh[len(sh)-1])); flag != nil && flag.NoOptDefVal == "" {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := siss.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, siss.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg siss.Config

	cmd := &cobra.Command{
		Use:           "siss [duration-seconds rate workers]",
		Short:         "siss generates synthetic camera frames at a fixed rate and persists them as JPEG through a bounded dropping queue",
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 3 {
				return fmt.Errorf("accepts no arguments or exactly three (<duration-seconds> <rate> <workers>), received %d", len(args))
			}
			return nil
		},
		Example: `
  # ten seconds at 10 frames/s with 4 workers into ./output
  siss 10 10 4

  # flags form with a MinIO sink (TLS off for a local endpoint)
  siss --duration 10s --rate 10 --workers 4 --output "s3://localhost:9000/frames?insecure=1" \
    --s3-access-key-id minioadmin --s3-secret-access-key minioadmin

  # AWS S3 sink (expects AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY)
  SISS_AWS_REGION=us-west-2 siss -d 30s -r 25 -w 7 -o aws://my-bucket/frames

  # in-memory dry run with a Prometheus metrics endpoint
  SISS_METRICS_LISTEN=:9090 siss -d 1m -r 50 -w 7 -o mem://
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}

			bindConfig(&cfg)
			if err := applyPositionals(&cfg, args); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			// The configuration is sound; anything failing from here on is
			// operational, not a usage problem.
			cmd.SilenceUsage = true

			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}

			pipeline, err := siss.NewPipeline(cfg, siss.WithLogger(logger))
			if err != nil {
				return err
			}
			report, err := pipeline.Run(ctx)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), report)
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.siss/"+siss.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.DurationP("duration", "d", 0, "run duration (e.g. 10s, 2m)")
	flags.IntP("rate", "r", 0, "target frames generated per second")
	flags.IntP("workers", "w", 0, "persistence workers draining the queue")
	flags.Int("max-workers", siss.DefaultMaxWorkers, "upper bound on --workers")
	flags.Int("queue-capacity", siss.DefaultQueueCapacity, "frame queue capacity (oldest frame dropped when full)")
	flags.Int("width", siss.DefaultFrameWidth, "synthesized frame width in pixels")
	flags.Int("height", siss.DefaultFrameHeight, "synthesized frame height in pixels")
	flags.Int("jpeg-quality", siss.DefaultJPEGQuality, "JPEG encoder quality (1..100)")
	flags.StringP("output", "o", siss.DefaultOutput, "output sink URL (directory path, disk:///path, mem://, s3://host[:port]/bucket[/prefix], aws://bucket[/prefix], azure://account/container[/prefix])")
	flags.String("s3-access-key-id", "", "static access key for s3:// outputs (or SISS_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "static secret key for s3:// outputs (or SISS_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "optional STS session token for s3:// outputs")
	flags.String("aws-region", "", "AWS region for aws:// outputs (or AWS_REGION)")
	flags.String("azure-key", "", "Azure Storage account key (or SISS_AZURE_ACCOUNT_KEY)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token (optional alternative to account key)")
	flags.String("metrics-listen", siss.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", siss.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-sysmon", false, "disable host load/memory sampling during the run")
	flags.Duration("sysmon-sample-interval", siss.DefaultSysmonSampleInterval, "sysmon sampling interval")
	flags.Duration("sysmon-log-interval", siss.DefaultSysmonLogInterval, "interval between sysmon telemetry logs")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("SISS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"duration", "rate", "workers", "max-workers", "queue-capacity",
		"width", "height", "jpeg-quality", "output",
		"s3-access-key-id", "s3-secret-access-key", "s3-session-token",
		"aws-region", "azure-key", "azure-endpoint", "azure-sas-token",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"disable-sysmon", "sysmon-sample-interval", "sysmon-log-interval",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// applyPositionals maps the original CLI shape <duration-seconds> <rate>
// <workers> onto cfg. Positional values win over flags and environment.
func applyPositionals(cfg *siss.Config, args []string) error {
	if len(args) == 0 {
		return nil
	}
	seconds, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("parse duration-seconds %q: %w", args[0], err)
	}
	rate, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("parse rate %q: %w", args[1], err)
	}
	workers, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("parse workers %q: %w", args[2], err)
	}
	cfg.Duration = time.Duration(seconds) * time.Second
	cfg.Rate = rate
	cfg.Workers = workers
	return nil
}

func bindConfig(cfg *siss.Config) {
	cfg.Duration = viper.GetDuration("duration")
	cfg.Rate = viper.GetInt("rate")
	cfg.Workers = viper.GetInt("workers")
	cfg.MaxWorkers = viper.GetInt("max-workers")
	cfg.QueueCapacity = viper.GetInt("queue-capacity")
	cfg.FrameWidth = viper.GetInt("width")
	cfg.FrameHeight = viper.GetInt("height")
	cfg.JPEGQuality = viper.GetInt("jpeg-quality")
	cfg.Output = viper.GetString("output")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AWSRegion = strings.TrimSpace(viper.GetString("aws-region"))
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableSysmon = viper.GetBool("disable-sysmon")
	cfg.SysmonSampleInterval = viper.GetDuration("sysmon-sample-interval")
	cfg.SysmonLogInterval = viper.GetDuration("sysmon-log-interval")
}

func printSummary(w io.Writer, report siss.Report) {
	fmt.Fprintf(w, "generated:    %d frames\n", report.Generated)
	fmt.Fprintf(w, "saved:        %d frames (%s)\n", report.Saved, humanizeBytes(report.BytesWritten))
	fmt.Fprintf(w, "average rate: %.2f fps\n", report.AvgRate)
	fmt.Fprintf(w, "dropped:      %d frames\n", report.Dropped)
	fmt.Fprintf(w, "residual:     %d frames\n", report.QueueResidual)
	fmt.Fprintf(w, "elapsed:      %s\n", report.Elapsed.Round(time.Millisecond))
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
