package sync

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/noosphere/sphereengine/pkg/authority"
	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/identity"
	"github.com/noosphere/sphereengine/pkg/sphere"
)

func mustOwner(t *testing.T) *identity.KeyPair {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return kp
}

// newTestGateway spins up an httptest server fronting a fresh in-memory
// store and returns a Client pointed at it plus the Gateway itself (so tests
// can assert on what actually landed server-side and delegate to the
// gateway's own key).
func newTestGateway(t *testing.T) (*Client, *Gateway, func()) {
	t.Helper()
	gw := &Gateway{Identity: mustOwner(t), Store: blockstore.NewMemory()}
	srv := NewServer(gw, "")
	ts := httptest.NewServer(srv.router)
	client := NewClient(ts.URL, nil, 0)
	return client, gw, ts.Close
}

func TestIdentifyReturnsGatewayDID(t *testing.T) {
	ctx := context.Background()
	gwKey := mustOwner(t)
	gwStore := blockstore.NewMemory()
	srv := NewServer(&Gateway{Identity: gwKey, Store: gwStore}, "")
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	client := NewClient(ts.URL, gwStore, 0)
	resp, err := client.Identify(ctx)
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if resp.GatewayDID != gwKey.DID {
		t.Fatalf("expected gateway did %s, got %s", gwKey.DID, resp.GatewayDID)
	}
}

func TestPushAcceptedOnFirstPush(t *testing.T) {
	ctx := context.Background()
	client, gw, closeFn := newTestGateway(t)
	defer closeFn()

	clientStore := blockstore.NewMemory()
	client.Store = clientStore
	owner := mustOwner(t)

	genesisCtx, rootToken, err := sphere.Create(ctx, clientStore, owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mutable, err := genesisCtx.Mutable(ctx, owner, rootToken)
	if err != nil {
		t.Fatalf("mutable: %v", err)
	}
	if err := mutable.Write(ctx, "hello", sphere.ContentTypePlain, []byte("world"), nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	tip, err := mutable.Save(ctx, nil)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	resp, err := client.Push(ctx, owner.DID, tip, codec.Undef, rootToken)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if resp.Status != PushAccepted {
		t.Fatalf("expected accepted, got %s", resp.Status)
	}

	gwTip, err := sphere.Tip(ctx, gw.Store, owner.DID)
	if err != nil {
		t.Fatalf("gateway tip: %v", err)
	}
	if gwTip != tip {
		t.Fatalf("gateway tip %s does not match pushed tip %s", gwTip, tip)
	}
}

func TestPushRejectedThenSyncRebasesAndRetries(t *testing.T) {
	ctx := context.Background()
	client, gw, closeFn := newTestGateway(t)
	defer closeFn()

	// Device 1 creates the sphere and seeds the gateway with its genesis.
	owner := mustOwner(t)
	dev1 := blockstore.NewMemory()
	genesis, rootToken, err := sphere.Create(ctx, dev1, owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	client.Store = dev1
	if resp, err := client.Push(ctx, owner.DID, genesis.Revision(), codec.Undef, rootToken); err != nil {
		t.Fatalf("push genesis: %v", err)
	} else if resp.Status != PushAccepted {
		t.Fatalf("expected genesis push accepted, got %s", resp.Status)
	}

	// Device 2 (same owner, separate replica) fetches the sphere at genesis
	// and diverges with its own write before device 1 publishes again.
	dev2 := blockstore.NewMemory()
	client.Store = dev2
	fetched, err := client.Fetch(ctx, owner.DID, codec.Undef)
	if err != nil {
		t.Fatalf("fetch on device 2: %v", err)
	}
	if err := dev2.Set(ctx, blockstore.NamespaceSphereTips, owner.DID, fetched.Bytes()); err != nil {
		t.Fatalf("adopt tip on device 2: %v", err)
	}
	dev2Genesis, err := sphere.Open(ctx, dev2, owner.DID, codec.Undef)
	if err != nil {
		t.Fatalf("open on device 2: %v", err)
	}
	mut2, err := dev2Genesis.Mutable(ctx, owner, rootToken)
	if err != nil {
		t.Fatalf("mutable on device 2: %v", err)
	}
	if err := mut2.Write(ctx, "b", sphere.ContentTypePlain, []byte("from device 2"), nil); err != nil {
		t.Fatalf("write b: %v", err)
	}
	tip2, err := mut2.Save(ctx, nil)
	if err != nil {
		t.Fatalf("save on device 2: %v", err)
	}

	// Device 1 publishes its own divergent write first and wins the gateway.
	mut1, err := genesis.Mutable(ctx, owner, rootToken)
	if err != nil {
		t.Fatalf("mutable on device 1: %v", err)
	}
	if err := mut1.Write(ctx, "a", sphere.ContentTypePlain, []byte("from device 1"), nil); err != nil {
		t.Fatalf("write a: %v", err)
	}
	tip1, err := mut1.Save(ctx, nil)
	if err != nil {
		t.Fatalf("save on device 1: %v", err)
	}
	client.Store = dev1
	if resp, err := client.Push(ctx, owner.DID, tip1, genesis.Revision(), rootToken); err != nil {
		t.Fatalf("push from device 1: %v", err)
	} else if resp.Status != PushAccepted {
		t.Fatalf("expected device 1 push accepted, got %s", resp.Status)
	}

	// Device 2's push is now stale: Sync must see counterpart-advanced,
	// fetch the gateway's tip, rebase its local write on top, and retry.
	client.Store = dev2
	local, err := sphere.Open(ctx, dev2, owner.DID, tip2)
	if err != nil {
		t.Fatalf("open device 2 tip: %v", err)
	}
	final, err := client.Sync(ctx, local, owner, rootToken, genesis.Revision())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	gwTip, err := sphere.Tip(ctx, gw.Store, owner.DID)
	if err != nil {
		t.Fatalf("gateway tip: %v", err)
	}
	if gwTip != final.Revision() {
		t.Fatalf("gateway tip %s does not match synced tip %s", gwTip, final.Revision())
	}

	// The rebased history must descend from device 1's accepted tip and
	// carry both devices' slugs.
	finalRev, err := sphere.GetRevision(ctx, gw.Store, gwTip)
	if err != nil {
		t.Fatalf("load final revision: %v", err)
	}
	if finalRev.Parent != tip1 {
		t.Fatalf("expected rebased tip to descend from %s, got parent %s", tip1, finalRev.Parent)
	}
	ro, err := sphere.Open(ctx, gw.Store, owner.DID, gwTip)
	if err != nil {
		t.Fatalf("open gateway tip: %v", err)
	}
	if _, err := ro.Read(ctx, "a"); err != nil {
		t.Fatalf("expected device 1's slug to survive rebase: %v", err)
	}
	if _, err := ro.Read(ctx, "b"); err != nil {
		t.Fatalf("expected device 2's slug to survive rebase: %v", err)
	}
}

func TestFetchImportsCounterpartBlocks(t *testing.T) {
	ctx := context.Background()
	client, _, closeFn := newTestGateway(t)
	defer closeFn()

	owner := mustOwner(t)
	srcStore := blockstore.NewMemory()
	genesisCtx, rootToken, err := sphere.Create(ctx, srcStore, owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mutable, err := genesisCtx.Mutable(ctx, owner, rootToken)
	if err != nil {
		t.Fatalf("mutable: %v", err)
	}
	if err := mutable.Write(ctx, "hello", sphere.ContentTypePlain, []byte("world"), nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	tip, err := mutable.Save(ctx, nil)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	client.Store = srcStore
	if _, err := client.Push(ctx, owner.DID, tip, codec.Undef, rootToken); err != nil {
		t.Fatalf("seed push: %v", err)
	}

	followerStore := blockstore.NewMemory()
	client.Store = followerStore
	fetchedTip, err := client.Fetch(ctx, owner.DID, codec.Undef)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if fetchedTip != tip {
		t.Fatalf("fetched tip %s does not match %s", fetchedTip, tip)
	}

	ro, err := sphere.Open(ctx, followerStore, owner.DID, fetchedTip)
	if err != nil {
		t.Fatalf("open fetched tip: %v", err)
	}
	memo, err := ro.Read(ctx, "hello")
	if err != nil {
		t.Fatalf("read fetched slug: %v", err)
	}
	if memo.ContentType() != sphere.ContentTypePlain {
		t.Fatalf("unexpected content type: %s", memo.ContentType())
	}
}

func TestAuthorizeAndRevokeRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, gw, closeFn := newTestGateway(t)
	defer closeFn()

	owner := mustOwner(t)
	genesisCtx, rootToken, err := sphere.Create(ctx, gw.Store, owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	client.Store = gw.Store

	// The gateway delegates on the owner's behalf, so the owner first has to
	// grant the gateway's own key standing to authorize.
	mutable, err := genesisCtx.Mutable(ctx, owner, rootToken)
	if err != nil {
		t.Fatalf("mutable: %v", err)
	}
	gwToken, err := mutable.Authorize(ctx, owner, rootToken, "gateway", gw.Identity.DID, []string{authority.ActionAuthorize, authority.ActionPublish}, time.Hour)
	if err != nil {
		t.Fatalf("authorize gateway: %v", err)
	}
	if _, err := mutable.Save(ctx, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	delegate := mustOwner(t)
	tokCID, err := client.Authorize(ctx, owner.DID, AuthorizeRequest{
		Name:        "delegate",
		AudienceDID: delegate.DID,
		Actions:     []string{authority.ActionPublish},
		TTLSeconds:  3600,
		IssuerToken: gwToken.String(),
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if tokCID == codec.Undef {
		t.Fatal("expected non-undef token cid")
	}

	if err := client.Revoke(ctx, owner.DID, tokCID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
}
