package authority

import (
	"context"
	"testing"
	"time"

	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/identity"
)

func mustKeyPair(t *testing.T) *identity.KeyPair {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return kp
}

func TestGenesisOwnerTokenVerifies(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	owner := mustKeyPair(t)

	authorityRoot, rootTok, err := Genesis(ctx, store, owner)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}

	chain, err := Open(ctx, store, owner.DID, authorityRoot)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ok, reason, err := chain.Verify(ctx, rootTok, ResourceForSphere(owner.DID), ActionPublish, false)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected owner root token to verify, reason=%q", reason)
	}
}

func TestAuthorizeDelegateCanPublish(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	owner := mustKeyPair(t)
	laptop := mustKeyPair(t)

	authorityRoot, rootTok, err := Genesis(ctx, store, owner)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	chain, err := Open(ctx, store, owner.DID, authorityRoot)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	delegateTok, err := chain.Authorize(ctx, owner, rootTok, "laptop", laptop.DID, []string{ActionPublish}, time.Hour)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	ok, reason, err := chain.Verify(ctx, delegateTok, ResourceForSphere(owner.DID), ActionPublish, false)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected delegate token to verify, reason=%q", reason)
	}

	ok, _, err = chain.Verify(ctx, delegateTok, ResourceForSphere(owner.DID), ActionAuthorize, false)
	if err != nil {
		t.Fatalf("verify authorize action: %v", err)
	}
	if ok {
		t.Fatal("delegate token should not grant authorize, only publish")
	}

	entries, err := chain.Authorizations(ctx)
	if err != nil {
		t.Fatalf("authorizations: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "laptop" || entries[0].Token != delegateTok {
		t.Fatalf("unexpected authorizations: %+v", entries)
	}
}

func TestRevokeInvalidatesDelegate(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	owner := mustKeyPair(t)
	laptop := mustKeyPair(t)

	authorityRoot, rootTok, err := Genesis(ctx, store, owner)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	chain, err := Open(ctx, store, owner.DID, authorityRoot)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	delegateTok, err := chain.Authorize(ctx, owner, rootTok, "laptop", laptop.DID, []string{ActionPublish}, time.Hour)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	if ok, _, err := chain.Verify(ctx, delegateTok, ResourceForSphere(owner.DID), ActionPublish, false); err != nil || !ok {
		t.Fatalf("expected delegate token to verify before revocation: ok=%v err=%v", ok, err)
	}

	if err := chain.Revoke(ctx, delegateTok); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	ok, reason, err := chain.Verify(ctx, delegateTok, ResourceForSphere(owner.DID), ActionPublish, false)
	if err != nil {
		t.Fatalf("verify after revoke: %v", err)
	}
	if ok {
		t.Fatal("expected revoked delegate token to fail verification")
	}
	if reason == "" {
		t.Fatal("expected a non-empty rejection reason")
	}
}

func TestVerifyRejectsForeignIssuer(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	owner := mustKeyPair(t)
	attacker := mustKeyPair(t)

	authorityRoot, _, err := Genesis(ctx, store, owner)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	chain, err := Open(ctx, store, owner.DID, authorityRoot)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	forged, err := NewToken(attacker, attacker.DID, []Capability{{Resource: ResourceForSphere(owner.DID), Action: ActionAny}}, nil, time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("forge token: %v", err)
	}
	forgedCID, err := Put(ctx, store, forged)
	if err != nil {
		t.Fatalf("put forged token: %v", err)
	}

	ok, reason, err := chain.Verify(ctx, forgedCID, ResourceForSphere(owner.DID), ActionPublish, false)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected token from a non-owner issuer with no witness to be rejected")
	}
	if reason == "" {
		t.Fatal("expected a non-empty rejection reason")
	}
}

// TestVerifyRejectsProofNotIssuedToIssuer: the owner's root token is public
// (it replicates with the sphere), so merely citing it as a witness must not
// confer standing; the witness has to have been issued to the citing key.
func TestVerifyRejectsProofNotIssuedToIssuer(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	owner := mustKeyPair(t)
	attacker := mustKeyPair(t)

	authorityRoot, rootTok, err := Genesis(ctx, store, owner)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	chain, err := Open(ctx, store, owner.DID, authorityRoot)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	forged, err := NewToken(attacker, attacker.DID, []Capability{{Resource: ResourceForSphere(owner.DID), Action: ActionPublish}}, []codec.CID{rootTok}, time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("forge token: %v", err)
	}
	forgedCID, err := Put(ctx, store, forged)
	if err != nil {
		t.Fatalf("put forged token: %v", err)
	}

	ok, _, err := chain.Verify(ctx, forgedCID, ResourceForSphere(owner.DID), ActionPublish, false)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected token citing a witness issued to someone else to be rejected")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	owner := mustKeyPair(t)

	authorityRoot, _, err := Genesis(ctx, store, owner)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	chain, err := Open(ctx, store, owner.DID, authorityRoot)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	expired, err := NewToken(owner, owner.DID, []Capability{{Resource: ResourceForSphere(owner.DID), Action: ActionAny}}, nil, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	expiredCID, err := Put(ctx, store, expired)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	ok, _, err := chain.Verify(ctx, expiredCID, ResourceForSphere(owner.DID), ActionPublish, false)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected expired token to fail verification")
	}

	ok, _, err = chain.Verify(ctx, expiredCID, ResourceForSphere(owner.DID), ActionPublish, true)
	if err != nil {
		t.Fatalf("verify allowExpired: %v", err)
	}
	if !ok {
		t.Fatal("expected allowExpired=true to accept the historically valid token")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	owner := mustKeyPair(t)

	authorityRoot, rootTok, err := Genesis(ctx, store, owner)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	chain, err := Open(ctx, store, owner.DID, authorityRoot)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	tok, err := Get(ctx, store, rootTok)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	tok.Attenuations = append(tok.Attenuations, Capability{Resource: ResourceForSphere(owner.DID), Action: ActionAuthorize})
	tamperedCID, err := Put(ctx, store, tok)
	if err != nil {
		t.Fatalf("put tampered: %v", err)
	}

	ok, reason, err := chain.Verify(ctx, tamperedCID, ResourceForSphere(owner.DID), ActionPublish, false)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected tampered token to fail signature verification")
	}
	if reason != "signature does not verify" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}
