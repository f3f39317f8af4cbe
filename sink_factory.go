package siss

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Nach0t/siss/internal/storage"
	awsstore "github.com/Nach0t/siss/internal/storage/aws"
	azurestore "github.com/Nach0t/siss/internal/storage/azure"
	"github.com/Nach0t/siss/internal/storage/disk"
	"github.com/Nach0t/siss/internal/storage/memory"
	"github.com/Nach0t/siss/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for an object
// store sink, for startup logging.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// openSink builds the sink selected by cfg.Output. Bare paths and disk://
// URLs write to a local directory; mem://, s3://, aws:// and azure:// pick
// the matching backend.
func openSink(cfg Config) (storage.Sink, CredentialSummary, error) {
	u, err := url.Parse(cfg.Output)
	if err != nil {
		return nil, CredentialSummary{}, fmt.Errorf("parse output URL: %w", err)
	}
	switch u.Scheme {
	case "", "disk":
		diskCfg, err := buildDiskConfig(cfg)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		sink, err := disk.New(diskCfg)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		return sink, CredentialSummary{Source: "none"}, nil
	case "mem", "memory":
		return memory.New(), CredentialSummary{Source: "none"}, nil
	case "s3":
		s3cfg, summary, err := buildS3Config(cfg)
		if err != nil {
			return nil, summary, err
		}
		sink, err := s3.New(s3cfg)
		if err != nil {
			return nil, summary, err
		}
		return sink, summary, nil
	case "aws":
		awsCfg, err := buildAWSConfig(cfg)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		sink, err := awsstore.New(awsCfg)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		return sink, CredentialSummary{Source: "aws-chain"}, nil
	case "azure":
		azureCfg, err := buildAzureConfig(cfg)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		sink, err := azurestore.New(azureCfg)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		summary := CredentialSummary{Source: "shared-key", HasSecret: true}
		if azureCfg.SASToken != "" {
			summary.Source = "sas"
		}
		return sink, summary, nil
	default:
		return nil, CredentialSummary{}, fmt.Errorf("output scheme %q not supported", u.Scheme)
	}
}

// buildDiskConfig resolves bare paths and disk:// URLs. Bare paths stay
// relative to the working directory; disk:// URLs are always absolute
// (disk://a/b and disk:///a/b both mean /a/b).
func buildDiskConfig(cfg Config) (disk.Config, error) {
	raw := strings.TrimSpace(cfg.Output)
	if !strings.Contains(raw, "://") {
		if raw == "" {
			return disk.Config{}, fmt.Errorf("output path required")
		}
		return disk.Config{Root: filepath.Clean(raw)}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse output URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("output scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk output path required (e.g. disk:///var/tmp/frames)")
	}
	return disk.Config{Root: filepath.Clean(pathPart)}, nil
}

// buildS3Config parses s3:// URLs that target MinIO or other S3-compatible
// services: s3://host[:port]/bucket[/prefix]?insecure=1&path-style=1.
func buildS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Output)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse output URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("output scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 output missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 output missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 output missing bucket name")
	}
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("secure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	accessKey, secretKey, sessionToken, summary, err := resolveS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		AccessKey:      accessKey,
		SecretKey:      secretKey,
		SessionToken:   sessionToken,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
	}, summary, nil
}

// buildAWSConfig parses aws:// URLs that target AWS S3 with regional
// configuration: aws://bucket[/prefix]?region=us-east-1.
func buildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Output)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse output URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("output scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws output missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws output requires region (set --aws-region or AWS_REGION)")
	}
	insecureEndpoint := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			insecureEndpoint = true
		}
	}
	return awsstore.Config{
		Endpoint: strings.TrimSpace(query.Get("endpoint")),
		Region:   region,
		Bucket:   bucket,
		Prefix:   prefix,
		Insecure: insecureEndpoint,
	}, nil
}

// buildAzureConfig parses azure://account/container[/prefix]?endpoint=&sas=
// URLs, falling back to the usual AZURE_STORAGE_* environment variables.
func buildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Output)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse output URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("output scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure output requires an account (azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return azurestore.Config{}, fmt.Errorf("azure output missing container (expected azure://account/container[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	container := parts[0]
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure output missing container name")
	}
	var prefix string
	if len(parts) == 2 {
		prefix = parts[1]
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("SISS_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("SISS_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// resolveS3Credentials picks static credentials from the config or SISS_S3_*
// environment, or defers to the ambient AWS/MinIO chain when nothing is set.
func resolveS3Credentials(cfg Config) (access, secret, session string, summary CredentialSummary, err error) {
	access = strings.TrimSpace(cfg.S3AccessKeyID)
	secret = cfg.S3SecretAccessKey
	session = cfg.S3SessionToken
	source := "config"
	if access == "" && secret == "" && session == "" {
		access = strings.TrimSpace(os.Getenv("SISS_S3_ACCESS_KEY_ID"))
		secret = os.Getenv("SISS_S3_SECRET_ACCESS_KEY")
		session = os.Getenv("SISS_S3_SESSION_TOKEN")
		source = "env:SISS_S3_ACCESS_KEY_ID"
	}
	if access == "" && secret == "" && session == "" {
		summary.Source = "chain"
		return "", "", "", summary, nil
	}
	if access == "" || secret == "" {
		summary.AccessKey = access
		summary.HasSecret = secret != ""
		summary.Source = source
		return "", "", "", summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	summary = CredentialSummary{AccessKey: access, HasSecret: true, Source: source}
	return access, secret, session, summary, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
