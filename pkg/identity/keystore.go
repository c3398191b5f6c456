package identity

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/errutil"
)

// Store persists kp's private key under name in the block store's "keys"
// namespace. The stored value is the raw Ed25519
// seed; the DID and public key are always re-derived from it on Load so
// there is only one source of truth for a key's identity.
func Store(ctx context.Context, kv blockstore.KVStore, name string, kp *KeyPair) error {
	seed := kp.PrivateKey.Seed()
	if err := kv.Set(ctx, blockstore.NamespaceKeys, name, seed); err != nil {
		return fmt.Errorf("identity: store key %q: %w", name, err)
	}
	return nil
}

// Load recovers the key previously stored under name via Store.
func Load(ctx context.Context, kv blockstore.KVStore, name string) (*KeyPair, error) {
	seed, err := kv.GetKV(ctx, blockstore.NamespaceKeys, name)
	if err != nil {
		return nil, fmt.Errorf("identity: load key %q: %w", name, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errutil.New(errutil.Corruption, fmt.Sprintf("identity: key %q has invalid seed length %d", name, len(seed)))
	}
	return FromPrivateKey(ed25519.NewKeyFromSeed(seed)), nil
}

// LoadOrGenerate loads the key stored under name, generating and persisting
// a fresh one on first use. Any Load error other than NotFound is returned
// as is, without generating a key.
func LoadOrGenerate(ctx context.Context, kv blockstore.KVStore, name string) (*KeyPair, error) {
	kp, err := Load(ctx, kv, name)
	if err == nil {
		return kp, nil
	}
	if !errutil.Is(err, errutil.NotFound) {
		return nil, err
	}
	kp, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := Store(ctx, kv, name, kp); err != nil {
		return nil, err
	}
	return kp, nil
}
