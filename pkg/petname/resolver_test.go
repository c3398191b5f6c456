package petname

import (
	"context"
	"testing"
	"time"

	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/identity"
	"github.com/noosphere/sphereengine/pkg/sphere"
)

// fakeNNS answers Resolve from a fixed map, simulating a published registry.
type fakeNNS struct {
	records map[string]*LinkRecord
}

func (f *fakeNNS) Resolve(_ context.Context, identityDID string) (*LinkRecord, error) {
	return f.records[identityDID], nil
}

func (f *fakeNNS) Publish(_ context.Context, record *LinkRecord) error {
	f.records[record.Identity] = record
	return nil
}

func buildSphere(t *testing.T, store blockstore.Backend) (*sphere.Context, *identity.KeyPair, codec.CID) {
	t.Helper()
	owner, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ctx, rootToken, err := sphere.Create(context.Background(), store, owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return ctx, owner, rootToken
}

func TestResolveSingleHop(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	root, rootOwner, rootToken := buildSphere(t, store)
	friendCtx, friendOwner, _ := buildSphere(t, store)

	mutable, err := root.Mutable(ctx, rootOwner, rootToken)
	if err != nil {
		t.Fatalf("mutable: %v", err)
	}
	if err := mutable.SetPetname(ctx, "friend", friendOwner.DID); err != nil {
		t.Fatalf("set_petname: %v", err)
	}

	rec := &LinkRecord{Identity: friendOwner.DID, Revision: friendCtx.Revision(), SignedAt: time.Now().Unix(), Expires: time.Now().Add(time.Hour).Unix()}
	if err := rec.Sign(friendOwner); err != nil {
		t.Fatalf("sign link record: %v", err)
	}
	nns := &fakeNNS{records: map[string]*LinkRecord{friendOwner.DID: rec}}

	resolver := NewResolver(store, nns, nil)
	outcome, err := resolver.Resolve(ctx, mutable, "friend")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if outcome.Unreachable {
		t.Fatalf("expected reachable outcome, got unreachable: %s", outcome.Reason)
	}
	if outcome.Identity != friendOwner.DID || outcome.Revision != friendCtx.Revision() {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestResolveUnboundNameIsUnreachableNotError(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	root, _, _ := buildSphere(t, store)

	resolver := NewResolver(store, &fakeNNS{records: map[string]*LinkRecord{}}, nil)
	outcome, err := resolver.Resolve(ctx, root, "nobody")
	if err != nil {
		t.Fatalf("resolve should not return an error for an unbound name: %v", err)
	}
	if !outcome.Unreachable {
		t.Fatal("expected unbound petname to resolve as unreachable")
	}
}

func TestResolverPersistsOnDiskCacheHint(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	root, rootOwner, rootToken := buildSphere(t, store)
	friendCtx, friendOwner, _ := buildSphere(t, store)

	mutable, err := root.Mutable(ctx, rootOwner, rootToken)
	if err != nil {
		t.Fatalf("mutable: %v", err)
	}
	if err := mutable.SetPetname(ctx, "friend", friendOwner.DID); err != nil {
		t.Fatalf("set_petname: %v", err)
	}

	rec := &LinkRecord{Identity: friendOwner.DID, Revision: friendCtx.Revision(), SignedAt: time.Now().Unix(), Expires: time.Now().Add(time.Hour).Unix()}
	if err := rec.Sign(friendOwner); err != nil {
		t.Fatalf("sign link record: %v", err)
	}
	nns := &fakeNNS{records: map[string]*LinkRecord{friendOwner.DID: rec}}

	resolver := NewResolver(store, nns, nil)
	if _, err := resolver.Resolve(ctx, mutable, "friend"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := mutable.Save(ctx, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Re-open from the persisted tip and resolve again with a brand new
	// resolver (empty in-memory cache) and no NNS at all: the on-disk hint
	// the first Resolve stamped into the address book must carry this
	// through on its own.
	reopened, err := sphere.Open(ctx, store, rootOwner.DID, codec.Undef)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	fresh := NewResolver(store, nil, nil)
	outcome, err := fresh.Resolve(ctx, reopened, "friend")
	if err != nil {
		t.Fatalf("resolve from on-disk cache: %v", err)
	}
	if outcome.Unreachable {
		t.Fatalf("expected on-disk cache hint to resolve without NNS: %s", outcome.Reason)
	}
	if outcome.Revision != friendCtx.Revision() {
		t.Fatalf("unexpected revision: %s", outcome.Revision)
	}
}

func TestFresherTieBreak(t *testing.T) {
	a, err := codec.CIDOf([]byte("revision-a"))
	if err != nil {
		t.Fatalf("cid a: %v", err)
	}
	b, err := codec.CIDOf([]byte("revision-b"))
	if err != nil {
		t.Fatalf("cid b: %v", err)
	}

	older := LinkRecord{SignedAt: 100, Revision: a}
	newer := LinkRecord{SignedAt: 200, Revision: b}
	if !Fresher(newer, older) {
		t.Fatal("expected later signed_at to win")
	}

	shortChain := LinkRecord{SignedAt: 100, Proofs: nil, Revision: a}
	longChain := LinkRecord{SignedAt: 100, Proofs: []codec.CID{a, b}, Revision: b}
	if !Fresher(shortChain, longChain) {
		t.Fatal("expected shorter proof chain to win on a signed_at tie")
	}
}
