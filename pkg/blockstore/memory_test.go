package blockstore

import (
	"context"
	"testing"

	"github.com/noosphere/sphereengine/pkg/errutil"
)

func TestMemoryPutGetIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	c1, err := s.Put(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	c2, err := s.Put(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("put not idempotent: %s != %s", c1, c2)
	}

	got, err := s.Get(ctx, c1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestMemoryGetNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	other, _ := s.Put(ctx, []byte("exists"))
	_ = other

	bogus, _ := NewMemory().Put(ctx, []byte("never stored"))
	if _, err := s.Get(ctx, bogus); !errutil.Is(err, errutil.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestMemoryHasAndRemove(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	c, _ := s.Put(ctx, []byte("data"))

	if ok, _ := s.Has(ctx, c); !ok {
		t.Fatal("expected Has to be true after Put")
	}
	if err := s.Remove(ctx, c); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, _ := s.Has(ctx, c); ok {
		t.Fatal("expected Has to be false after Remove")
	}
}

func TestMemoryKVCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	ok, err := s.CompareAndSwap(ctx, NamespaceSphereTips, "alice", nil, []byte("tip1"))
	if err != nil || !ok {
		t.Fatalf("expected first cas to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = s.CompareAndSwap(ctx, NamespaceSphereTips, "alice", nil, []byte("tip-race"))
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if ok {
		t.Fatal("expected second cas racing on stale oldValue to fail")
	}

	v, err := s.GetKV(ctx, NamespaceSphereTips, "alice")
	if err != nil {
		t.Fatalf("getkv: %v", err)
	}
	if string(v) != "tip1" {
		t.Fatalf("got %q, want tip1", v)
	}

	ok, err = s.CompareAndSwap(ctx, NamespaceSphereTips, "alice", []byte("tip1"), []byte("tip2"))
	if err != nil || !ok {
		t.Fatalf("expected cas with correct oldValue to succeed, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryCorruptionDetection(t *testing.T) {
	ctx := context.Background()
	s := NewMemory().(*memoryBackend)
	c, err := s.Put(ctx, []byte("intact"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	s.mu.Lock()
	s.blocks[c][0] ^= 0xFF
	s.mu.Unlock()

	if _, err := s.Get(ctx, c); !errutil.Is(err, errutil.Corruption) {
		t.Fatalf("expected Corruption after flipping a byte, got %v", err)
	}
}

func TestKVDeleteThenNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.Set(ctx, NamespaceKeys, "laptop", []byte("key-material")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Delete(ctx, NamespaceKeys, "laptop"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetKV(ctx, NamespaceKeys, "laptop"); !errutil.Is(err, errutil.NotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}
