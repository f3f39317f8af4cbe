package disk

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Nach0t/siss/internal/storage"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	sink, err := New(Config{Root: filepath.Join(t.TempDir(), "output")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := sink.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return sink
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestPrepareClearsPreviousRun(t *testing.T) {
	root := filepath.Join(t.TempDir(), "output")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := filepath.Join(root, "img_999.jpg")
	if err := os.WriteFile(stale, []byte("stale"), 0o644); err != nil {
		t.Fatalf("write stale: %v", err)
	}

	sink, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := sink.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected stale file removed, stat err %v", err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	payload := []byte{0xff, 0xd8, 0x00, 0x11, 0xff, 0xd9}
	n, err := sink.Put(ctx, "img_0.jpg", payload, storage.ContentTypeJPEG)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), n)
	}

	got, err := sink.Get(ctx, "img_0.jpg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %x vs %x", got, payload)
	}

	info, err := os.Stat(filepath.Join(sink.Root(), "img_0.jpg"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o644 {
		t.Fatalf("unexpected permissions %v", perm)
	}
}

func TestGetMissingKey(t *testing.T) {
	sink := newTestSink(t)
	if _, err := sink.Get(context.Background(), "img_7.jpg"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutRejectsTraversalKeys(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	for _, key := range []string{"", "../escape.jpg", "/etc/passwd", `a\b.jpg`, "nested/img.jpg"} {
		if _, err := sink.Put(ctx, key, []byte("x"), storage.ContentTypeJPEG); err == nil {
			t.Fatalf("expected rejection for key %q", key)
		}
	}
}

func TestListSkipsTempDir(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	for _, key := range []string{"img_1.jpg", "img_0.jpg", "manifest.json"} {
		if _, err := sink.Put(ctx, key, []byte{0x00}, storage.ContentTypeJPEG); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	keys, err := sink.List(ctx, "img_")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"img_0.jpg", "img_1.jpg"}
	if len(keys) != len(want) {
		t.Fatalf("unexpected keys: %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("unexpected keys: %v", keys)
		}
	}
}

func TestListWithoutPrepare(t *testing.T) {
	sink, err := New(Config{Root: filepath.Join(t.TempDir(), "never-created")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	keys, err := sink.List(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}
}
