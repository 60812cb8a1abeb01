package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory 是进程内的 ObjectStore，用于测试和本地开发。
type Memory struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	BaseURL string
}

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

var _ ObjectStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject), BaseURL: "http://storage.local"}
}

func (m *Memory) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("put object %q: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: data, contentType: contentType, modified: time.Now()}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get object %q: NoSuchKey", key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *Memory) PresignGet(_ context.Context, key string, ttl time.Duration, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("presign %q: NoSuchKey", key)
	}
	return fmt.Sprintf("%s/%s?expires=%d", m.BaseURL, key, int(ttl.Seconds())), nil
}

func (m *Memory) List(_ context.Context, prefix string, limit int) ([]ObjectMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectMeta
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectMeta{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
		}
	}
	return nil
}

// Has reports whether key is stored.
func (m *Memory) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}
