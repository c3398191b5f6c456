package blockstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/errutil"
)

// memoryBackend is the in-memory Backend: ephemeral, used for tests and
// scratch sphere contexts. Safe for concurrent use.
type memoryBackend struct {
	mu     sync.RWMutex
	blocks map[codec.CID][]byte
	kv     map[string]map[string][]byte
}

// NewMemory returns a Backend backed by process memory.
func NewMemory() Backend {
	return &memoryBackend{
		blocks: make(map[codec.CID][]byte),
		kv:     make(map[string]map[string][]byte),
	}
}

func (m *memoryBackend) Put(_ context.Context, data []byte) (codec.CID, error) {
	c, err := codec.CIDOf(data)
	if err != nil {
		return codec.Undef, errutil.Wrap(errutil.Backend, err, "compute cid")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[c]; ok {
		return c, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blocks[c] = cp
	return c, nil
}

func (m *memoryBackend) Get(_ context.Context, c codec.CID) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.blocks[c]
	m.mu.RUnlock()
	if !ok {
		return nil, errutil.New(errutil.NotFound, "block "+c.String()+" not found")
	}
	got, err := codec.CIDOf(data)
	if err != nil {
		return nil, errutil.Wrap(errutil.Backend, err, "verify cid")
	}
	if got != c {
		return nil, errutil.New(errutil.Corruption, "block "+c.String()+" failed hash verification")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *memoryBackend) Has(_ context.Context, c codec.CID) (bool, error) {
	m.mu.RLock()
	_, ok := m.blocks[c]
	m.mu.RUnlock()
	return ok, nil
}

func (m *memoryBackend) Remove(_ context.Context, c codec.CID) error {
	m.mu.Lock()
	delete(m.blocks, c)
	m.mu.Unlock()
	return nil
}

func (m *memoryBackend) Set(_ context.Context, ns, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kv[ns] == nil {
		m.kv[ns] = make(map[string][]byte)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.kv[ns][key] = cp
	return nil
}

func (m *memoryBackend) GetKV(_ context.Context, ns, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[ns][key]
	if !ok {
		return nil, errutil.New(errutil.NotFound, "key "+ns+"/"+key+" not found")
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *memoryBackend) Delete(_ context.Context, ns, key string) error {
	m.mu.Lock()
	delete(m.kv[ns], key)
	m.mu.Unlock()
	return nil
}

func (m *memoryBackend) CompareAndSwap(_ context.Context, ns, key string, oldValue, newValue []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kv[ns] == nil {
		m.kv[ns] = make(map[string][]byte)
	}
	current, ok := m.kv[ns][key]
	if !ok {
		current = nil
	}
	if !bytes.Equal(current, oldValue) {
		return false, nil
	}
	cp := make([]byte, len(newValue))
	copy(cp, newValue)
	m.kv[ns][key] = cp
	return true, nil
}

func (m *memoryBackend) Close() error { return nil }
