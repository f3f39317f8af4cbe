// Package memory provides an in-memory Sink for tests and local
// experimentation.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Nach0t/siss/internal/storage"
	"github.com/Nach0t/siss/internal/uuidv7"
)

type object struct {
	payload     []byte
	contentType string
	etag        string
	storedAt    time.Time
}

// Sink stores objects in a map. It is safe for concurrent use.
type Sink struct {
	mu       sync.RWMutex
	objects  map[string]object
	prepares int
}

// New returns an empty in-memory sink.
func New() *Sink {
	return &Sink{objects: make(map[string]object)}
}

// Prepare drops every stored object.
func (s *Sink) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = make(map[string]object)
	s.prepares++
	return nil
}

// Put stores a copy of payload under key.
func (s *Sink) Put(ctx context.Context, key string, payload []byte, contentType string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	clone := make([]byte, len(payload))
	copy(clone, payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{
		payload:     clone,
		contentType: contentType,
		etag:        uuidv7.NewString(),
		storedAt:    time.Now().UTC(),
	}
	return int64(len(payload)), nil
}

// Get returns a copy of the payload stored under key.
func (s *Sink) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := make([]byte, len(obj.payload))
	copy(clone, obj.payload)
	return clone, nil
}

// List returns the keys under prefix in lexical order.
func (s *Sink) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases nothing for the in-memory sink.
func (s *Sink) Close() error { return nil }

// Len reports the number of stored objects.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// PrepareCalls reports how many times Prepare ran; tests use it to assert
// the destination is reset exactly once and never on rejected configs.
func (s *Sink) PrepareCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prepares
}

// ContentType reports the content type recorded for key, or "".
func (s *Sink) ContentType(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[key].contentType
}
