// Package blockstore implements the content-addressed block store:
// a CAS namespace (put/get/has/remove keyed by CID) plus a mutable
// key-value namespace for sphere tips, signing keys, and gateway
// counterpart pairings. Backends are swappable and all offer the same
// semantics: put is idempotent, get on a previously-put value succeeds
// until explicit removal, and every read verifies the retrieved bytes
// against the requested CID, surfacing errutil.Corruption on mismatch.
package blockstore

import (
	"context"

	"github.com/noosphere/sphereengine/pkg/codec"
)

// Well-known key-value namespaces.
const (
	NamespaceSphereTips   = "sphere-tips"
	NamespaceKeys         = "keys"
	NamespaceCounterparts = "counterparts"
	NamespaceGatewayState = "gateway-state"
)

// Store is the content-addressed block namespace: the CAS capability.
type Store interface {
	// Put stores data and returns its CID. The CID is always computed by
	// the store from the bytes; callers never supply one. Put is
	// idempotent: storing the same bytes twice returns the same CID and
	// does not duplicate storage.
	Put(ctx context.Context, data []byte) (codec.CID, error)
	// Get retrieves the bytes previously stored under c. It verifies the
	// retrieved bytes hash to c, returning errutil.Corruption on mismatch.
	Get(ctx context.Context, c codec.CID) ([]byte, error)
	// Has reports whether c is present without fetching its bytes.
	Has(ctx context.Context, c codec.CID) (bool, error)
	// Remove deletes the block addressed by c. Only used by compaction;
	// never called during normal writes.
	Remove(ctx context.Context, c codec.CID) error
}

// KVStore is the mutable key-value namespace capability. GetKV is named
// distinctly from Store.Get because a Backend composes both capabilities on
// one concrete type and Go does not allow two methods named Get with
// different signatures on the same type.
type KVStore interface {
	Set(ctx context.Context, ns, key string, value []byte) error
	GetKV(ctx context.Context, ns, key string) ([]byte, error)
	Delete(ctx context.Context, ns, key string) error
	// CompareAndSwap atomically replaces the value at (ns,key) with
	// newValue iff the current value equals oldValue (nil meaning "absent").
	// It is the linearizable primitive behind the sphere tip advance:
	// the loser of a race returns swapped=false rather than an
	// error, so the caller can map it to errutil.ConflictingWrite.
	CompareAndSwap(ctx context.Context, ns, key string, oldValue, newValue []byte) (swapped bool, err error)
}

// Backend composes both capabilities plus lifecycle. An implementation
// composes Store+KVStore; there is no inheritance hierarchy.
type Backend interface {
	Store
	KVStore
	Close() error
}
