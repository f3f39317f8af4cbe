package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Nach0t/siss"
	"pkt.systems/pslog"
)

func main() {
	ctx := context.Background()
	cfg := loadConfig()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "devenv assurance failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("devenv assurance succeeded")
}

type envConfig struct {
	MinioEndpoint string
	MinioAccess   string
	MinioSecret   string
	MinioBucket   string
	MinioPrefix   string
	MinioSecure   bool
	OTLPGRPC      string
	JaegerURL     string
}

func loadConfig() envConfig {
	return envConfig{
		MinioEndpoint: "localhost:9000",
		MinioAccess:   "sissdev",
		MinioSecret:   "sissdevpass",
		MinioBucket:   "siss-assure",
		MinioPrefix:   "assure",
		MinioSecure:   false,
		OTLPGRPC:      "localhost:4317",
		JaegerURL:     "http://localhost:16686",
	}
}

func run(ctx context.Context, cfg envConfig) error {
	minioClient, err := newMinioClient(cfg)
	if err != nil {
		return fmt.Errorf("connect to minio: %w", err)
	}
	if err := ensureBucket(ctx, minioClient, cfg.MinioBucket); err != nil {
		return fmt.Errorf("ensure minio bucket: %w", err)
	}
	if err := probeMinioIO(ctx, minioClient, cfg); err != nil {
		return fmt.Errorf("minio IO check failed: %w", err)
	}

	runPrefix := path.Join(strings.Trim(cfg.MinioPrefix, "/"), "run-"+uuid.NewString())
	traceStart := time.Now()
	report, err := captureToMinio(ctx, cfg, runPrefix)
	if err != nil {
		return fmt.Errorf("capture run failed: %w", err)
	}

	if err := verifyRunObjects(ctx, minioClient, cfg.MinioBucket, runPrefix, report); err != nil {
		return fmt.Errorf("verify run objects: %w", err)
	}
	if err := cleanupPrefix(ctx, minioClient, cfg.MinioBucket, cfg.MinioPrefix); err != nil {
		return fmt.Errorf("cleanup prefix: %w", err)
	}

	if err := waitForJaegerTrace(ctx, cfg.JaegerURL, traceStart.Add(-2*time.Second)); err != nil {
		return fmt.Errorf("jaeger trace check failed: %w", err)
	}

	return nil
}

func newMinioClient(cfg envConfig) (*minio.Client, error) {
	endpoint := strings.TrimSpace(cfg.MinioEndpoint)
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccess, cfg.MinioSecret, ""),
		Secure: cfg.MinioSecure,
	}
	return minio.New(endpoint, opts)
}

func ensureBucket(ctx context.Context, mc *minio.Client, bucket string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := mc.BucketExists(timeoutCtx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return mc.MakeBucket(timeoutCtx, bucket, minio.MakeBucketOptions{})
}

func probeMinioIO(ctx context.Context, mc *minio.Client, cfg envConfig) error {
	object := path.Join(strings.Trim(cfg.MinioPrefix, "/"), "probe-"+uuid.NewString()+".txt")
	data := []byte("siss devenv assure")
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := mc.PutObject(timeoutCtx, cfg.MinioBucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		return err
	}
	defer mc.RemoveObject(context.Background(), cfg.MinioBucket, object, minio.RemoveObjectOptions{})
	timeoutCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	obj, err := mc.GetObject(timeoutCtx, cfg.MinioBucket, object, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer obj.Close()
	content, err := io.ReadAll(obj)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read probe object: %w", err)
	}
	if string(content) != string(data) {
		return fmt.Errorf("unexpected probe payload: %q", string(content))
	}
	return nil
}

// captureToMinio runs a short pipeline against the dev MinIO so the same
// code path a real s3:// run takes (sink factory, uploads, manifest, OTLP
// spans) is exercised end to end.
func captureToMinio(ctx context.Context, cfg envConfig, runPrefix string) (siss.Report, error) {
	insecureParam := "1"
	if cfg.MinioSecure {
		insecureParam = "0"
	}
	storeURL := fmt.Sprintf("s3://%s/%s/%s?insecure=%s&path-style=1", cfg.MinioEndpoint, cfg.MinioBucket, runPrefix, insecureParam)

	runCfg := siss.Config{
		Duration:          2 * time.Second,
		Rate:              8,
		Workers:           2,
		FrameWidth:        320,
		FrameHeight:       240,
		Output:            storeURL,
		S3AccessKeyID:     cfg.MinioAccess,
		S3SecretAccessKey: cfg.MinioSecret,
		OTLPEndpoint:      cfg.OTLPGRPC,
		DisableSysmon:     true,
	}
	p, err := siss.NewPipeline(runCfg, siss.WithLogger(pslog.NoopLogger()))
	if err != nil {
		return siss.Report{}, fmt.Errorf("new pipeline: %w", err)
	}
	defer p.Close()

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	report, err := p.Run(runCtx)
	if err != nil {
		return siss.Report{}, err
	}
	if report.Saved == 0 {
		return siss.Report{}, fmt.Errorf("no frames persisted")
	}
	return report, nil
}

func verifyRunObjects(ctx context.Context, mc *minio.Client, bucket, runPrefix string, report siss.Report) error {
	for _, obj := range []string{
		path.Join(runPrefix, "img_0.jpg"),
		path.Join(runPrefix, "manifest.json"),
	} {
		timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := mc.StatObject(timeoutCtx, bucket, obj, minio.StatObjectOptions{})
		cancel()
		if err != nil {
			return fmt.Errorf("stat %s: %w", obj, err)
		}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	obj, err := mc.GetObject(timeoutCtx, bucket, path.Join(runPrefix, "manifest.json"), minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("get manifest: %w", err)
	}
	defer obj.Close()
	var manifest struct {
		RunID     string `json:"run_id"`
		Generated int64  `json:"generated"`
		Saved     int64  `json:"saved"`
	}
	if err := json.NewDecoder(obj).Decode(&manifest); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.RunID != report.RunID {
		return fmt.Errorf("manifest run id %q does not match report %q", manifest.RunID, report.RunID)
	}
	if manifest.Saved != report.Saved {
		return fmt.Errorf("manifest saved %d does not match report %d", manifest.Saved, report.Saved)
	}
	return nil
}

func cleanupPrefix(ctx context.Context, mc *minio.Client, bucket, prefix string) error {
	normalized := strings.Trim(prefix, "/")
	if normalized != "" {
		normalized += "/"
	}
	opts := minio.ListObjectsOptions{
		Prefix:    normalized,
		Recursive: true,
	}
	for object := range mc.ListObjects(ctx, bucket, opts) {
		if object.Err != nil {
			return fmt.Errorf("list %s: %w", object.Key, object.Err)
		}
		removeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := mc.RemoveObject(removeCtx, bucket, object.Key, minio.RemoveObjectOptions{})
		cancel()
		if err != nil {
			return fmt.Errorf("remove %s: %w", object.Key, err)
		}
	}
	return nil
}

type jaegerResponse struct {
	Data []struct {
		TraceID string `json:"traceID"`
		Spans   []struct {
			OperationName string `json:"operationName"`
			StartTime     int64  `json:"startTime"`
		} `json:"spans"`
	} `json:"data"`
}

func waitForJaegerTrace(ctx context.Context, baseURL string, since time.Time) error {
	deadline := time.Now().Add(30 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := fetchJaeger(ctx, baseURL)
		if err != nil {
			lastErr = err
		} else if hasRecentSpan(resp, since) {
			return nil
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("no jaeger traces newer than %s", since.Format(time.RFC3339))
}

func fetchJaeger(ctx context.Context, baseURL string) (jaegerResponse, error) {
	var result jaegerResponse
	client := &http.Client{Timeout: 5 * time.Second}
	endpoint := strings.TrimRight(baseURL, "/") + "/api/traces?service=siss&lookback=1h&limit=20"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return result, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("jaeger query status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, err
	}
	return result, nil
}

func hasRecentSpan(resp jaegerResponse, since time.Time) bool {
	threshold := since.UnixMicro()
	for _, trace := range resp.Data {
		for _, span := range trace.Spans {
			if span.StartTime >= threshold {
				return true
			}
		}
	}
	return false
}
