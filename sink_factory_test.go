package siss

import (
	"strings"
	"testing"

	"github.com/Nach0t/siss/internal/storage/disk"
	"github.com/Nach0t/siss/internal/storage/memory"
)

func TestBuildDiskConfig(t *testing.T) {
	tests := []struct {
		output string
		root   string
	}{
		{"output", "output"},
		{"./frames/run1", "frames/run1"},
		{"/var/tmp/frames", "/var/tmp/frames"},
		{"disk:///var/tmp/frames", "/var/tmp/frames"},
		{"disk://data/frames", "/data/frames"},
	}
	for _, tt := range tests {
		cfg, err := buildDiskConfig(Config{Output: tt.output})
		if err != nil {
			t.Fatalf("buildDiskConfig(%q): %v", tt.output, err)
		}
		if cfg.Root != tt.root {
			t.Fatalf("buildDiskConfig(%q): expected root %q, got %q", tt.output, tt.root, cfg.Root)
		}
	}

	if _, err := buildDiskConfig(Config{Output: "disk://"}); err == nil {
		t.Fatal("expected error for disk URL without path")
	}
}

func TestBuildS3Config(t *testing.T) {
	cfg := Config{
		Output:            "s3://localhost:9000/frames-bucket/runs/a?insecure=1&path-style=1&region=eu-north-1",
		S3AccessKeyID:     "minioadmin",
		S3SecretAccessKey: "minioadmin",
	}
	s3cfg, summary, err := buildS3Config(cfg)
	if err != nil {
		t.Fatalf("buildS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("expected endpoint localhost:9000, got %q", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "frames-bucket" || s3cfg.Prefix != "runs/a" {
		t.Fatalf("expected bucket/prefix parsed, got %q %q", s3cfg.Bucket, s3cfg.Prefix)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle {
		t.Fatalf("expected insecure + path-style, got %+v", s3cfg)
	}
	if s3cfg.Region != "eu-north-1" {
		t.Fatalf("expected region eu-north-1, got %q", s3cfg.Region)
	}
	if s3cfg.AccessKey != "minioadmin" || s3cfg.SecretKey != "minioadmin" {
		t.Fatal("expected static credentials from config")
	}
	if summary.Source != "config" || !summary.HasSecret {
		t.Fatalf("expected config credential summary, got %+v", summary)
	}
}

func TestBuildS3ConfigSecureByDefault(t *testing.T) {
	s3cfg, _, err := buildS3Config(Config{Output: "s3://minio.internal/bucket"})
	if err != nil {
		t.Fatalf("buildS3Config: %v", err)
	}
	if s3cfg.Insecure {
		t.Fatal("expected TLS by default")
	}

	s3cfg, _, err = buildS3Config(Config{Output: "s3://minio.internal/bucket?tls=false"})
	if err != nil {
		t.Fatalf("buildS3Config: %v", err)
	}
	if !s3cfg.Insecure {
		t.Fatal("expected tls=false to disable TLS")
	}
}

func TestBuildS3ConfigMissingBucket(t *testing.T) {
	if _, _, err := buildS3Config(Config{Output: "s3://localhost:9000"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestBuildS3ConfigEnvCredentials(t *testing.T) {
	t.Setenv("SISS_S3_ACCESS_KEY_ID", "envkey")
	t.Setenv("SISS_S3_SECRET_ACCESS_KEY", "envsecret")
	s3cfg, summary, err := buildS3Config(Config{Output: "s3://localhost:9000/bucket"})
	if err != nil {
		t.Fatalf("buildS3Config: %v", err)
	}
	if s3cfg.AccessKey != "envkey" || s3cfg.SecretKey != "envsecret" {
		t.Fatalf("expected env credentials, got %q", s3cfg.AccessKey)
	}
	if !strings.HasPrefix(summary.Source, "env:") {
		t.Fatalf("expected env credential source, got %q", summary.Source)
	}
}

func TestBuildS3ConfigIncompleteCredentials(t *testing.T) {
	_, _, err := buildS3Config(Config{
		Output:        "s3://localhost:9000/bucket",
		S3AccessKeyID: "only-access-key",
	})
	if err == nil {
		t.Fatal("expected error for incomplete credentials")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	awsCfg, err := buildAWSConfig(Config{Output: "aws://frames-bucket/daily?region=us-west-2"})
	if err != nil {
		t.Fatalf("buildAWSConfig: %v", err)
	}
	if awsCfg.Bucket != "frames-bucket" || awsCfg.Prefix != "daily" {
		t.Fatalf("expected bucket/prefix parsed, got %q %q", awsCfg.Bucket, awsCfg.Prefix)
	}
	if awsCfg.Region != "us-west-2" {
		t.Fatalf("expected region us-west-2, got %q", awsCfg.Region)
	}

	awsCfg, err = buildAWSConfig(Config{Output: "aws://frames-bucket", AWSRegion: "eu-central-1"})
	if err != nil {
		t.Fatalf("buildAWSConfig: %v", err)
	}
	if awsCfg.Region != "eu-central-1" {
		t.Fatalf("expected config region fallback, got %q", awsCfg.Region)
	}
}

func TestBuildAWSConfigMissingRegion(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	if _, err := buildAWSConfig(Config{Output: "aws://frames-bucket"}); err == nil {
		t.Fatal("expected error for missing region")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	azureCfg, err := buildAzureConfig(Config{Output: "azure://acct/frames/run1?sas=sig=abc"})
	if err != nil {
		t.Fatalf("buildAzureConfig: %v", err)
	}
	if azureCfg.Account != "acct" || azureCfg.Container != "frames" || azureCfg.Prefix != "run1" {
		t.Fatalf("unexpected azure config: %+v", azureCfg)
	}
	if azureCfg.SASToken != "sig=abc" {
		t.Fatalf("expected sas token from query, got %q", azureCfg.SASToken)
	}

	if _, err := buildAzureConfig(Config{Output: "azure://acct"}); err == nil {
		t.Fatal("expected error for missing container")
	}
}

func TestBuildAzureConfigAccountFromEnv(t *testing.T) {
	t.Setenv("AZURE_STORAGE_ACCOUNT", "envacct")
	azureCfg, err := buildAzureConfig(Config{Output: "azure:///frames"})
	if err != nil {
		t.Fatalf("buildAzureConfig: %v", err)
	}
	if azureCfg.Account != "envacct" {
		t.Fatalf("expected account from env, got %q", azureCfg.Account)
	}
}

func TestOpenSinkMemory(t *testing.T) {
	sink, _, err := openSink(Config{Output: "mem://"})
	if err != nil {
		t.Fatalf("openSink: %v", err)
	}
	if _, ok := sink.(*memory.Sink); !ok {
		t.Fatalf("expected memory sink, got %T", sink)
	}
}

func TestOpenSinkDisk(t *testing.T) {
	root := t.TempDir() + "/frames"
	sink, _, err := openSink(Config{Output: root})
	if err != nil {
		t.Fatalf("openSink: %v", err)
	}
	diskSink, ok := sink.(*disk.Sink)
	if !ok {
		t.Fatalf("expected disk sink, got %T", sink)
	}
	if diskSink.Root() != root {
		t.Fatalf("expected root %q, got %q", root, diskSink.Root())
	}
}

func TestOpenSinkUnsupportedScheme(t *testing.T) {
	if _, _, err := openSink(Config{Output: "ftp://host/frames"}); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
