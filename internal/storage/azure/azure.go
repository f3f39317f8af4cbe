// Package azure implements the sink on Azure Blob Storage.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/Nach0t/siss/internal/storage"
	"pkt.systems/pslog"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Sink implements storage.Sink backed by Azure Blob Storage.
type Sink struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// New constructs a Sink using the provided configuration. The container is
// not touched until Prepare runs.
func New(cfg Config) (*Sink, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	return &Sink{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	transport := defaultTransporter()
	if transport == nil {
		return nil
	}
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: transport,
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
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
	return transportAdapter{rt: clone}
}

// Client exposes the underlying Azure Blob client (primarily for diagnostics).
func (s *Sink) Client() *azblob.Client { return s.client }

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Prepare ensures the container exists and removes every blob under the
// configured prefix.
func (s *Sink) Prepare(ctx context.Context) error {
	logger := pslog.LoggerFromContext(ctx)
	if _, err := s.client.CreateContainer(ctx, s.container, nil); err != nil {
		if !isContainerExists(err) {
			return fmt.Errorf("azure: create container: %w", err)
		}
	}

	root := s.listRoot()
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &root,
	})
	removed := 0
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("azure: list blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			if _, err := s.client.DeleteBlob(ctx, s.container, *item.Name, nil); err != nil && !isNotFound(err) {
				return fmt.Errorf("azure: delete blob: %w", err)
			}
			removed++
		}
	}
	logger.Debug("azure.prepare.success", "container", s.container, "prefix", s.prefix, "removed", removed)
	return nil
}

// Put uploads payload under key within the configured prefix.
func (s *Sink) Put(ctx context.Context, key string, payload []byte, contentType string) (int64, error) {
	logger := pslog.LoggerFromContext(ctx)
	blobName := s.blobName(key)
	logger.Trace("azure.put.begin", "key", key, "blob", blobName, "size", len(payload))
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	opts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(contentType),
		},
	}
	if _, err := s.client.UploadStream(ctx, s.container, blobName, bytes.NewReader(payload), opts); err != nil {
		logger.Debug("azure.put.error", "key", key, "blob", blobName, "error", err)
		return 0, fmt.Errorf("azure: upload blob: %w", err)
	}
	logger.Trace("azure.put.success", "key", key, "blob", blobName, "size", len(payload))
	return int64(len(payload)), nil
}

// Get downloads the payload stored under key.
func (s *Sink) Get(ctx context.Context, key string) ([]byte, error) {
	blobName := s.blobName(key)
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("azure: download blob: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azure: read blob: %w", err)
	}
	return payload, nil
}

// List returns the keys under prefix, relative to the configured prefix.
func (s *Sink) List(ctx context.Context, prefix string) ([]string, error) {
	root := s.listRoot()
	full := root + prefix
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &full,
	})
	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure: list blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			keys = append(keys, strings.TrimPrefix(*item.Name, root))
		}
	}
	return keys, nil
}

// Close satisfies storage.Sink and is a no-op for Azure.
func (s *Sink) Close() error { return nil }

func (s *Sink) blobName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *Sink) listRoot() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
