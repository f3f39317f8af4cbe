package siss

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultFrameWidth is the horizontal resolution of synthesized frames.
	DefaultFrameWidth = 1920
	// DefaultFrameHeight is the vertical resolution of synthesized frames.
	DefaultFrameHeight = 1280
	// DefaultQueueCapacity bounds the frame queue between producer and workers.
	DefaultQueueCapacity = 200
	// DefaultMaxWorkers caps the persistence worker pool.
	DefaultMaxWorkers = 7
	// DefaultJPEGQuality is the encoder quality used when none is configured.
	DefaultJPEGQuality = 85
	// DefaultOutput writes frames into a local directory when no sink URL is
	// configured.
	DefaultOutput = "output"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultSysmonSampleInterval controls how often host load and memory are
	// sampled while the pipeline runs.
	DefaultSysmonSampleInterval = 200 * time.Millisecond
	// DefaultSysmonLogInterval throttles sysmon debug output (0 logs every
	// sample).
	DefaultSysmonLogInterval = 5 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config describes a single pipeline run.
type Config struct {
	// Duration bounds how long the producer generates frames.
	Duration time.Duration
	// Rate is the target number of frames generated per second.
	Rate int
	// Workers sets how many persistence workers drain the queue.
	Workers int
	// MaxWorkers caps Workers (defaults to DefaultMaxWorkers).
	MaxWorkers int
	// QueueCapacity bounds the frame queue between producer and workers.
	QueueCapacity int
	// FrameWidth is the horizontal resolution of synthesized frames.
	FrameWidth int
	// FrameHeight is the vertical resolution of synthesized frames.
	FrameHeight int
	// JPEGQuality selects the encoder quality (1..100).
	JPEGQuality int
	// Output selects the frame sink. Bare paths write to a local directory;
	// disk:///path, mem://, s3://host[:port]/bucket[/prefix],
	// aws://bucket[/prefix] and azure://account/container[/prefix] pick the
	// matching backend.
	Output string

	// S3AccessKeyID is the static access key for s3:// sinks. Empty falls
	// back to SISS_S3_* variables and then the ambient credential chain.
	S3AccessKeyID string
	// S3SecretAccessKey pairs with S3AccessKeyID.
	S3SecretAccessKey string
	// S3SessionToken is the optional STS session token for s3:// sinks.
	S3SessionToken string
	// AWSRegion selects the region for aws:// sinks (aws://...?region=
	// overrides).
	AWSRegion string
	// AzureAccountKey is the shared key for azure:// sinks (or use
	// SISS_AZURE_ACCOUNT_KEY).
	AzureAccountKey string
	// AzureEndpoint overrides the Azure Blob service endpoint.
	AzureEndpoint string
	// AzureSASToken is an optional alternative to the account key.
	AzureSASToken string

	// MetricsListen exposes a Prometheus scrape endpoint when non-empty.
	MetricsListen string
	// PprofListen exposes debug/pprof handlers when non-empty.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export when non-empty (host[:port],
	// grpc://, grpcs://, http:// or https://).
	OTLPEndpoint string

	// DisableSysmon turns off host load/memory sampling during the run.
	DisableSysmon bool
	// SysmonSampleInterval tunes how often the sysmon observer samples.
	SysmonSampleInterval time.Duration
	// SysmonLogInterval throttles sysmon log output.
	SysmonLogInterval time.Duration
}

// Validate applies defaults and rejects configurations the pipeline cannot
// run. Hard failures happen before any sink or listener is touched.
func (c *Config) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("config: duration must be positive")
	}
	if c.Rate <= 0 {
		return fmt.Errorf("config: rate must be positive")
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive")
	}
	if c.Workers > c.MaxWorkers {
		return fmt.Errorf("config: workers must be <= %d", c.MaxWorkers)
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.FrameWidth <= 0 {
		c.FrameWidth = DefaultFrameWidth
	}
	if c.FrameHeight <= 0 {
		c.FrameHeight = DefaultFrameHeight
	}
	if c.JPEGQuality <= 0 {
		c.JPEGQuality = DefaultJPEGQuality
	}
	if c.JPEGQuality > 100 {
		return fmt.Errorf("config: jpeg quality must be within 1..100")
	}
	if strings.TrimSpace(c.Output) == "" {
		c.Output = DefaultOutput
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.SysmonSampleInterval <= 0 {
		c.SysmonSampleInterval = DefaultSysmonSampleInterval
	}
	if c.SysmonLogInterval <= 0 {
		c.SysmonLogInterval = DefaultSysmonLogInterval
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.siss).
// SISS_CONFIG_DIR overrides it.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("SISS_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".siss"), nil
}
