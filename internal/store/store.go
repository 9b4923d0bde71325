// Package store provides the per-shard object store the daemon serves
// reads and writes from. Only an in-memory implementation exists; the
// backpressure core this repo is built around is deliberately local and
// volatile.
package store

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ErrMaxObjects is returned when a put would exceed the store's object cap.
var ErrMaxObjects = errors.New("max objects reached")

// Stats describes a store's current contents.
type Stats struct {
	Objects int `json:"objects"`
	Bytes   int `json:"bytes"`
}

// Store is the object storage interface for one shard. Implementations must
// be safe for concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Put stores value under key, overwriting any previous value.
	Put(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Len returns the number of stored objects.
	Len() int

	// Stats returns object and byte counts.
	Stats() Stats
}

// Memory is an in-memory Store. The zero value is not usable; construct
// with NewMemory.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	bytes   int
	max     int // 0 = unlimited
}

// NewMemory returns an empty in-memory store. maxObjects of 0 means
// unlimited.
func NewMemory(maxObjects int) *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		max:     maxObjects,
	}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, exists := m.objects[key]
	if !exists && m.max > 0 && len(m.objects) >= m.max {
		return ErrMaxObjects
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.objects[key] = v
	m.bytes += len(v) - len(old)
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.objects[key]; ok {
		m.bytes -= len(old)
		delete(m.objects, key)
	}
	return nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Objects: len(m.objects), Bytes: m.bytes}
}
