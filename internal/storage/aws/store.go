// Package aws implements the sink on AWS S3 using the official SDK.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"github.com/Nach0t/siss/internal/storage"
	"pkt.systems/pslog"
)

const awsOpTimeout = 5 * time.Minute

// Config controls the behaviour of the AWS S3 sink.
type Config struct {
	Endpoint string
	Region   string
	Bucket   string
	Prefix   string
	Insecure bool
}

// Sink implements storage.Sink backed by AWS S3.
type Sink struct {
	client *s3.Client
	cfg    Config
}

// New constructs a Sink using the provided configuration. Credentials come
// from the SDK default chain (environment, shared config, instance role).
func New(cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Sink{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if clone.ExpectContinueTimeout == 0 {
		clone.ExpectContinueTimeout = 1 * time.Second
	}
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Client exposes the underlying AWS client for diagnostics.
func (s *Sink) Client() *s3.Client { return s.client }

// Config returns a copy of the configuration used to build the sink.
func (s *Sink) Config() Config { return s.cfg }

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= awsOpTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// Prepare verifies the bucket exists and removes every object under the
// configured prefix.
func (s *Sink) Prepare(ctx context.Context) error {
	logger := pslog.LoggerFromContext(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("aws: bucket %q does not exist", s.cfg.Bucket)
		}
		return s.wrapError(err, "aws: head bucket")
	}

	removed := 0
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.listRoot()),
	}
	for {
		resp, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return s.wrapError(err, "aws: list objects")
		}
		for _, object := range resp.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.cfg.Bucket),
				Key:    object.Key,
			}); err != nil {
				return s.wrapError(err, "aws: delete object")
			}
			removed++
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		input.ContinuationToken = resp.NextContinuationToken
	}
	logger.Debug("aws.prepare.success", "bucket", s.cfg.Bucket, "prefix", s.cfg.Prefix, "removed", removed)
	return nil
}

// Put uploads payload under key within the configured prefix.
func (s *Sink) Put(ctx context.Context, key string, payload []byte, contentType string) (int64, error) {
	logger := pslog.LoggerFromContext(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	object := s.objectKey(key)
	logger.Trace("aws.put.begin", "key", key, "object", object, "size", len(payload))
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(payload))),
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		logger.Debug("aws.put.error", "key", key, "object", object, "error", err)
		return 0, s.wrapError(err, "aws: put object")
	}
	logger.Trace("aws.put.success", "key", key, "object", object, "size", len(payload))
	return int64(len(payload)), nil
}

// Get downloads the payload stored under key.
func (s *Sink) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	object := s.objectKey(key)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		return nil, s.wrapError(err, "aws: get object")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, s.wrapError(err, "aws: read object")
	}
	return payload, nil
}

// List returns the keys under prefix, relative to the configured prefix.
func (s *Sink) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	root := s.listRoot()
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(root + prefix),
	}
	var keys []string
	for {
		resp, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, s.wrapError(err, "aws: list objects")
		}
		for _, object := range resp.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(object.Key), root))
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		input.ContinuationToken = resp.NextContinuationToken
	}
	return keys, nil
}

// Close satisfies storage.Sink and is a no-op for the AWS client.
func (s *Sink) Close() error { return nil }

func (s *Sink) objectKey(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return path.Join(s.cfg.Prefix, key)
}

func (s *Sink) listRoot() string {
	if s.cfg.Prefix == "" {
		return ""
	}
	return s.cfg.Prefix + "/"
}

func (s *Sink) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return storage.ErrNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}
