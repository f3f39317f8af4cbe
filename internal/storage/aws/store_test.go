package aws

import (
	"errors"
	"testing"

	smithy "github.com/aws/smithy-go"

	"github.com/Nach0t/siss/internal/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Region: "eu-north-1"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	if _, err := New(Config{Bucket: "frames"}); err == nil {
		t.Fatal("expected error for missing region")
	}
}

func TestObjectKeyJoinsPrefix(t *testing.T) {
	sink := &Sink{cfg: Config{Bucket: "frames", Prefix: "run-1"}}
	if got := sink.objectKey("img_0.jpg"); got != "run-1/img_0.jpg" {
		t.Fatalf("unexpected object key %q", got)
	}
	sink.cfg.Prefix = ""
	if got := sink.objectKey("img_0.jpg"); got != "img_0.jpg" {
		t.Fatalf("unexpected object key %q", got)
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "no such key", err: &smithy.GenericAPIError{Code: "NoSuchKey"}, expected: true},
		{name: "no such bucket", err: &smithy.GenericAPIError{Code: "NoSuchBucket"}, expected: true},
		{name: "other api error", err: &smithy.GenericAPIError{Code: "AccessDenied"}, expected: false},
		{name: "plain error", err: errors.New("boom"), expected: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isNotFound(tc.err); got != tc.expected {
				t.Fatalf("isNotFound(%v) = %v, want %v", tc.err, got, tc.expected)
			}
		})
	}
}

func TestWrapErrorMapsNotFound(t *testing.T) {
	sink := &Sink{cfg: Config{Bucket: "frames"}}
	err := sink.wrapError(&smithy.GenericAPIError{Code: "NoSuchKey"}, "aws: get object")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	wrapped := sink.wrapError(errors.New("boom"), "aws: get object")
	if wrapped == nil || errors.Is(wrapped, storage.ErrNotFound) {
		t.Fatalf("unexpected wrap result %v", wrapped)
	}
}
