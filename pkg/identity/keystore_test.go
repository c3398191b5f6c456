package identity

import (
	"context"
	"testing"

	"github.com/noosphere/sphereengine/pkg/blockstore"
)

func TestStoreLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	kp, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := Store(ctx, store, "laptop", kp); err != nil {
		t.Fatalf("store: %v", err)
	}
	loaded, err := Load(ctx, store, "laptop")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.DID != kp.DID {
		t.Fatalf("expected did %s, got %s", kp.DID, loaded.DID)
	}
	if string(loaded.PrivateKey) != string(kp.PrivateKey) {
		t.Fatal("expected recovered private key to match original")
	}
}

func TestLoadOrGenerateCreatesOnFirstUse(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	first, err := LoadOrGenerate(ctx, store, "default")
	if err != nil {
		t.Fatalf("load or generate: %v", err)
	}
	second, err := LoadOrGenerate(ctx, store, "default")
	if err != nil {
		t.Fatalf("load or generate (again): %v", err)
	}
	if first.DID != second.DID {
		t.Fatalf("expected the same key to be reused, got %s then %s", first.DID, second.DID)
	}
}
