// Package s3 implements the sink on S3-compatible object storage via the
// MinIO client.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Nach0t/siss/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the S3 sink.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	SessionToken   string
	Insecure       bool
	ForcePathStyle bool
	Transport      http.RoundTripper
}

// Sink implements storage.Sink backed by S3-compatible object storage.
type Sink struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Sink using the provided configuration.
func New(cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
	} else {
		chain := []credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}
		creds = credentials.NewChainCredentials(chain)
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Sink{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
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
	return clone
}

// Client exposes the underlying MinIO client for diagnostics.
func (s *Sink) Client() *minio.Client { return s.client }

// Config returns a copy of the configuration used to build the sink.
func (s *Sink) Config() Config { return s.cfg }

// Prepare verifies the bucket exists and removes every object under the
// configured prefix.
func (s *Sink) Prepare(ctx context.Context) error {
	logger := pslog.LoggerFromContext(ctx)
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return s.wrapError(err, "s3: check bucket")
	}
	if !exists {
		return fmt.Errorf("s3: bucket %q does not exist", s.cfg.Bucket)
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	removed := 0
	for object := range s.client.ListObjects(listCtx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    s.listRoot(),
		Recursive: true,
	}) {
		if object.Err != nil {
			return s.wrapError(object.Err, "s3: list objects")
		}
		if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return s.wrapError(err, "s3: remove object")
		}
		removed++
	}
	logger.Debug("s3.prepare.success", "bucket", s.cfg.Bucket, "prefix", s.cfg.Prefix, "removed", removed)
	return nil
}

// Put uploads payload under key within the configured prefix.
func (s *Sink) Put(ctx context.Context, key string, payload []byte, contentType string) (int64, error) {
	logger := pslog.LoggerFromContext(ctx)
	object := s.objectKey(key)
	logger.Trace("s3.put.begin", "key", key, "object", object, "size", len(payload))
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		logger.Debug("s3.put.error", "key", key, "object", object, "error", err)
		return 0, s.wrapError(err, "s3: put object")
	}
	logger.Trace("s3.put.success", "key", key, "object", object, "etag", stripETag(info.ETag), "size", info.Size)
	return info.Size, nil
}

// Get downloads the payload stored under key.
func (s *Sink) Get(ctx context.Context, key string) ([]byte, error) {
	object := s.objectKey(key)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapError(err, "s3: get object")
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, s.wrapError(err, "s3: read object")
	}
	return payload, nil
}

// List returns the keys under prefix, relative to the configured prefix.
func (s *Sink) List(ctx context.Context, prefix string) ([]string, error) {
	root := s.listRoot()
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var keys []string
	for object := range s.client.ListObjects(listCtx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    root + prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, s.wrapError(object.Err, "s3: list objects")
		}
		keys = append(keys, strings.TrimPrefix(object.Key, root))
	}
	return keys, nil
}

// Close satisfies storage.Sink and is a no-op for the S3 client.
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
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}
