package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Nach0t/siss"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage siss configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.siss/" + siss.DefaultConfigFileName
	if dir, err := siss.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, siss.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default siss configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := siss.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, siss.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Fprint(cmd.OutOrStdout(), string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Duration               string `yaml:"duration"`
	Rate                   int    `yaml:"rate"`
	Workers                int    `yaml:"workers"`
	MaxWorkers             int    `yaml:"max-workers"`
	QueueCapacity          int    `yaml:"queue-capacity"`
	Width                  int    `yaml:"width"`
	Height                 int    `yaml:"height"`
	JPEGQuality            int    `yaml:"jpeg-quality"`
	Output                 string `yaml:"output"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	AWSRegion              string `yaml:"aws-region"`
	AzureEndpoint          string `yaml:"azure-endpoint"`
	DisableSysmon          bool   `yaml:"disable-sysmon"`
	SysmonSampleInterval   string `yaml:"sysmon-sample-interval"`
	SysmonLogInterval      string `yaml:"sysmon-log-interval"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Duration:               "10s",
		Rate:                   10,
		Workers:                4,
		MaxWorkers:             siss.DefaultMaxWorkers,
		QueueCapacity:          siss.DefaultQueueCapacity,
		Width:                  siss.DefaultFrameWidth,
		Height:                 siss.DefaultFrameHeight,
		JPEGQuality:            siss.DefaultJPEGQuality,
		Output:                 siss.DefaultOutput,
		MetricsListen:          siss.DefaultMetricsListen,
		PprofListen:            siss.DefaultPprofListen,
		EnableProfilingMetrics: false,
		OTLPEndpoint:           "",
		AWSRegion:              "",
		AzureEndpoint:          "",
		DisableSysmon:          false,
		SysmonSampleInterval:   siss.DefaultSysmonSampleInterval.String(),
		SysmonLogInterval:      siss.DefaultSysmonLogInterval.String(),
		LogLevel:               "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
