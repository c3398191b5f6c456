package authority

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/errutil"
	"github.com/noosphere/sphereengine/pkg/hamt"
	"github.com/noosphere/sphereengine/pkg/identity"
)

// maxChainDepth bounds witness-chain recursion so a cyclic or absurdly long
// proof chain fails closed instead of looping or blowing the stack.
const maxChainDepth = 32

// revoked is the sentinel value stored in the revocation HAMT; its content
// carries no meaning beyond "present".
var revoked = []byte{1}

// DelegationRecord is what the delegation index stores for each name a
// sphere owner has authorized.
type DelegationRecord struct {
	Delegate   string    `cbor:"delegate"`
	Token      codec.CID `cbor:"token"`
	ExpiryHint int64     `cbor:"expiry_hint"`
}

// Index is the on-disk root of a sphere's authority chain: a HAMT of
// human-readable name -> DelegationRecord, and a HAMT of revoked token CIDs.
// A Revision's authority_root link points at one of these.
type Index struct {
	Delegations codec.CID `cbor:"delegations"`
	Revocations codec.CID `cbor:"revocations"`
}

// Chain is a working handle on a sphere's authority state: its owner DID and
// the current Index, plus a validated-token cache that Verify consults
// before re-walking a witness chain and that Revoke invalidates.
type Chain struct {
	store    blockstore.Store
	ownerDID string
	index    Index

	mu    sync.Mutex
	valid map[string]bool
}

// cacheKey scopes a cached verification result to the exact question asked:
// the same token may cover one action but not another.
func cacheKey(tokenCID codec.CID, resource, action string, allowExpired bool) string {
	k := tokenCID.String() + "|" + resource + "|" + action
	if allowExpired {
		k += "|x"
	}
	return k
}

// Genesis creates a fresh authority chain for a new sphere: empty delegation
// and revocation indices, and a self-issued root token granting the owner
// every action over their own sphere. It returns the Index CID (to embed as
// a revision's authority_root) and the root token's CID.
func Genesis(ctx context.Context, store blockstore.Store, owner *identity.KeyPair) (codec.CID, codec.CID, error) {
	delegations, err := hamt.EmptyRoot(ctx, store)
	if err != nil {
		return codec.Undef, codec.Undef, fmt.Errorf("authority: genesis delegations: %w", err)
	}
	revocations, err := hamt.EmptyRoot(ctx, store)
	if err != nil {
		return codec.Undef, codec.Undef, fmt.Errorf("authority: genesis revocations: %w", err)
	}

	root := []Capability{{Resource: ResourceForSphere(owner.DID), Action: ActionAny}}
	rootTok, err := NewToken(owner, owner.DID, root, nil, time.Unix(0, 0), time.Unix(1<<61, 0))
	if err != nil {
		return codec.Undef, codec.Undef, fmt.Errorf("authority: genesis root token: %w", err)
	}
	rootCID, err := Put(ctx, store, rootTok)
	if err != nil {
		return codec.Undef, codec.Undef, err
	}

	idx := Index{Delegations: delegations, Revocations: revocations}
	raw, idxCID, err := codec.EncodeAndCID(&idx)
	if err != nil {
		return codec.Undef, codec.Undef, fmt.Errorf("authority: genesis index: %w", err)
	}
	if _, err := store.Put(ctx, raw); err != nil {
		return codec.Undef, codec.Undef, fmt.Errorf("authority: put index: %w", err)
	}
	return idxCID, rootCID, nil
}

// Open loads the Chain rooted at authorityRoot for the given sphere owner.
func Open(ctx context.Context, store blockstore.Store, ownerDID string, authorityRoot codec.CID) (*Chain, error) {
	raw, err := store.Get(ctx, authorityRoot)
	if err != nil {
		return nil, fmt.Errorf("authority: load index %s: %w", authorityRoot, err)
	}
	var idx Index
	if err := codec.Decode(raw, &idx); err != nil {
		return nil, fmt.Errorf("authority: decode index %s: %w", authorityRoot, err)
	}
	return &Chain{store: store, ownerDID: ownerDID, index: idx, valid: map[string]bool{}}, nil
}

// Root re-encodes the chain's current index and returns its CID, for embedding
// as the authority_root link of the next revision after Authorize/Revoke.
func (c *Chain) Root(ctx context.Context) (codec.CID, error) {
	raw, idxCID, err := codec.EncodeAndCID(&c.index)
	if err != nil {
		return codec.Undef, err
	}
	if _, err := c.store.Put(ctx, raw); err != nil {
		return codec.Undef, fmt.Errorf("authority: put index: %w", err)
	}
	return idxCID, nil
}

// Authorize issues a new capability token from issuer to audienceDID,
// witnessed by issuerTokenCID (the authorizer's own proof of standing), and
// records it under name in the delegation index.
// issuerTokenCID may be codec.Undef when issuer is the sphere owner signing
// with their root standing directly.
func (c *Chain) Authorize(ctx context.Context, issuer *identity.KeyPair, issuerTokenCID codec.CID, name, audienceDID string, actions []string, ttl time.Duration) (codec.CID, error) {
	if issuer.DID != c.ownerDID {
		standing, err := Get(ctx, c.store, issuerTokenCID)
		if err != nil {
			return codec.Undef, err
		}
		if standing.Audience != issuer.DID {
			return codec.Undef, errutil.New(errutil.NotAuthorized, "authority: issuer's standing token was not issued to them")
		}
		ok, reason, err := c.Verify(ctx, issuerTokenCID, ResourceForSphere(c.ownerDID), ActionAuthorize, false)
		if err != nil {
			return codec.Undef, err
		}
		if !ok {
			return codec.Undef, errutil.New(errutil.NotAuthorized, "authority: issuer not authorized to delegate: "+reason)
		}
	}

	caps := make([]Capability, 0, len(actions))
	for _, a := range actions {
		caps = append(caps, Capability{Resource: ResourceForSphere(c.ownerDID), Action: a})
	}
	var proofs []codec.CID
	if issuerTokenCID != codec.Undef {
		proofs = []codec.CID{issuerTokenCID}
	}
	now := time.Now()
	tok, err := NewToken(issuer, audienceDID, caps, proofs, now, now.Add(ttl))
	if err != nil {
		return codec.Undef, err
	}
	tokCID, err := Put(ctx, c.store, tok)
	if err != nil {
		return codec.Undef, err
	}

	rec := DelegationRecord{Delegate: audienceDID, Token: tokCID, ExpiryHint: tok.Expires}
	recRaw, err := codec.Encode(&rec)
	if err != nil {
		return codec.Undef, fmt.Errorf("authority: encode delegation: %w", err)
	}
	newDelegations, err := hamt.Set(ctx, c.store, c.index.Delegations, []byte(name), recRaw)
	if err != nil {
		return codec.Undef, fmt.Errorf("authority: index delegation: %w", err)
	}
	c.index.Delegations = newDelegations
	return tokCID, nil
}

// Revoke marks tokenCID as revoked and invalidates the verification cache.
// A revoked token fails Verify for the remainder of its validity window
// regardless of which witness chain presents it.
func (c *Chain) Revoke(ctx context.Context, tokenCID codec.CID) error {
	newRevocations, err := hamt.Set(ctx, c.store, c.index.Revocations, []byte(tokenCID.String()), revoked)
	if err != nil {
		return fmt.Errorf("authority: revoke: %w", err)
	}
	c.index.Revocations = newRevocations
	c.mu.Lock()
	c.valid = map[string]bool{}
	c.mu.Unlock()
	return nil
}

// Authorization is one entry returned by Authorizations.
type Authorization struct {
	Name  string
	Token codec.CID
}

// Authorizations lists every outstanding delegation.
func (c *Chain) Authorizations(ctx context.Context) ([]Authorization, error) {
	kvch, errch := hamt.Iter(ctx, c.store, c.index.Delegations)
	var out []Authorization
	for kv := range kvch {
		var rec DelegationRecord
		if err := codec.Decode(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("authority: decode delegation: %w", err)
		}
		out = append(out, Authorization{Name: string(kv.Key), Token: rec.Token})
	}
	if err := <-errch; err != nil {
		return nil, fmt.Errorf("authority: iterate delegations: %w", err)
	}
	return out, nil
}

func (c *Chain) isRevoked(ctx context.Context, tokenCID codec.CID) (bool, error) {
	_, found, err := hamt.Get(ctx, c.store, c.index.Revocations, []byte(tokenCID.String()))
	if err != nil {
		return false, fmt.Errorf("authority: check revocation: %w", err)
	}
	return found, nil
}

// Verify reports whether the token at tokenCID currently grants action over
// resource: its signature verifies, it and every witness in its proof chain
// are unrevoked and within their time window (unless allowExpired is set,
// for validating historically-signed revisions), and every link's
// attenuations cover the requested action.
func (c *Chain) Verify(ctx context.Context, tokenCID codec.CID, resource, action string, allowExpired bool) (bool, string, error) {
	key := cacheKey(tokenCID, resource, action, allowExpired)
	c.mu.Lock()
	if c.valid[key] {
		c.mu.Unlock()
		return true, "", nil
	}
	c.mu.Unlock()

	ok, reason, err := c.verifyChain(ctx, tokenCID, resource, action, time.Now().Unix(), allowExpired, 0)
	if err != nil {
		return false, "", err
	}
	if ok {
		c.mu.Lock()
		c.valid[key] = true
		c.mu.Unlock()
	}
	return ok, reason, nil
}

func (c *Chain) verifyChain(ctx context.Context, tokenCID codec.CID, resource, action string, now int64, allowExpired bool, depth int) (bool, string, error) {
	if depth > maxChainDepth {
		return false, "witness chain too deep", nil
	}

	revokedTok, err := c.isRevoked(ctx, tokenCID)
	if err != nil {
		return false, "", err
	}
	if revokedTok {
		return false, "token revoked", nil
	}

	tok, err := Get(ctx, c.store, tokenCID)
	if err != nil {
		return false, "", err
	}
	if !VerifySignature(tok) {
		return false, "signature does not verify", nil
	}
	if !allowExpired && (now < tok.NotBefore || now >= tok.Expires) {
		return false, "token outside its validity window", nil
	}
	if !coveredBy(tok.Attenuations, resource, action) {
		return false, "token does not grant the requested action", nil
	}

	if tok.Issuer == c.ownerDID {
		return true, "", nil
	}
	if len(tok.Proofs) == 0 {
		return false, "non-owner issuer presents no witness", nil
	}
	for _, proof := range tok.Proofs {
		witness, err := Get(ctx, c.store, proof)
		if err != nil {
			return false, "", err
		}
		// The witness must have been issued TO this token's issuer;
		// otherwise any public token could be cited as proof.
		if witness.Audience != tok.Issuer {
			continue
		}
		ok, _, err := c.verifyChain(ctx, proof, resource, action, now, allowExpired, depth+1)
		if err != nil {
			return false, "", err
		}
		if ok {
			return true, "", nil
		}
	}
	return false, "no witness in proof chain is valid", nil
}

func coveredBy(caps []Capability, resource, action string) bool {
	for _, c := range caps {
		if c.Covers(resource, action) {
			return true
		}
	}
	return false
}
