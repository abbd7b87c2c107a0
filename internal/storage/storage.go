// Package storage keeps the raw bytes of uploaded documents. Every key is
// prefixed with the owner id, so one user's objects live under one prefix.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

var ErrObjectNotFound = errors.New("object not found")

type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ObjectKey builds "<owner>/<document><ext>". The original filename only
// contributes its extension.
func ObjectKey(ownerID, documentID, filename string) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	documentID = strings.TrimSpace(documentID)
	if ownerID == "" || documentID == "" {
		return "", errors.New("object key needs owner and document id")
	}
	if strings.ContainsAny(ownerID, "/\\") || strings.ContainsAny(documentID, "/\\") {
		return "", fmt.Errorf("invalid path segment in object key")
	}
	return ownerID + "/" + documentID + strings.ToLower(filepath.Ext(filepath.Base(filename))), nil
}

// MemoryStore is an in-process Store used for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, key, _ string, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	m.mu.Lock()
	m.objects[key] = buf
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Keys lists stored keys; handy for assertions.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
