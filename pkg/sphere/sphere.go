package sphere

import (
	"context"
	"fmt"

	"github.com/noosphere/sphereengine/pkg/authority"
	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/errutil"
	"github.com/noosphere/sphereengine/pkg/hamt"
	"github.com/noosphere/sphereengine/pkg/identity"
)

// Create generates a new sphere for the given owner key pair: a self-signed
// root delegation, a genesis revision, and the identity->tip pointer.
// It returns a ReadOnly Context at the genesis revision plus the genesis
// authorization token CID the owner should retain to later call Mutable.
func Create(ctx context.Context, store blockstore.Backend, owner *identity.KeyPair) (*Context, codec.CID, error) {
	authorityRoot, rootToken, err := authority.Genesis(ctx, store, owner)
	if err != nil {
		return nil, codec.Undef, fmt.Errorf("sphere: create: %w", err)
	}
	contentRoot, err := hamt.EmptyRoot(ctx, store)
	if err != nil {
		return nil, codec.Undef, fmt.Errorf("sphere: create: %w", err)
	}
	addressBookRoot, err := hamt.EmptyRoot(ctx, store)
	if err != nil {
		return nil, codec.Undef, fmt.Errorf("sphere: create: %w", err)
	}

	genesis := &Revision{
		Author:          owner.DID,
		Authorization:   rootToken,
		ContentRoot:     contentRoot,
		AddressBookRoot: addressBookRoot,
		AuthorityRoot:   authorityRoot,
	}
	if err := genesis.Sign(owner); err != nil {
		return nil, codec.Undef, fmt.Errorf("sphere: create: %w", err)
	}
	tip, err := PutRevision(ctx, store, genesis)
	if err != nil {
		return nil, codec.Undef, fmt.Errorf("sphere: create: %w", err)
	}
	swapped, err := store.CompareAndSwap(ctx, blockstore.NamespaceSphereTips, owner.DID, nil, tip.Bytes())
	if err != nil {
		return nil, codec.Undef, fmt.Errorf("sphere: create: set tip: %w", err)
	}
	if !swapped {
		return nil, codec.Undef, errutil.New(errutil.ConflictingWrite, "sphere: identity already has a tip recorded")
	}

	chain, err := authority.Open(ctx, store, owner.DID, authorityRoot)
	if err != nil {
		return nil, codec.Undef, fmt.Errorf("sphere: create: %w", err)
	}
	return &Context{
		sphereDID: owner.DID,
		store:     store,
		revision:  tip,
		rev:       genesis,
		chain:     chain,
	}, rootToken, nil
}

// Tip returns the current tip revision CID recorded for sphereDID.
func Tip(ctx context.Context, store blockstore.Backend, sphereDID string) (codec.CID, error) {
	raw, err := store.GetKV(ctx, blockstore.NamespaceSphereTips, sphereDID)
	if err != nil {
		return codec.Undef, fmt.Errorf("sphere: tip %s: %w", sphereDID, err)
	}
	return codec.CIDFromBytes(raw)
}

// Open opens a ReadOnly Context at the given revision, or at the current
// tip if revision is codec.Undef.
func Open(ctx context.Context, store blockstore.Backend, sphereDID string, revision codec.CID) (*Context, error) {
	if revision == codec.Undef {
		var err error
		revision, err = Tip(ctx, store, sphereDID)
		if err != nil {
			return nil, err
		}
	}
	rev, err := GetRevision(ctx, store, revision)
	if err != nil {
		return nil, err
	}
	chain, err := authority.Open(ctx, store, sphereDID, rev.AuthorityRoot)
	if err != nil {
		return nil, err
	}
	return &Context{
		sphereDID: sphereDID,
		store:     store,
		revision:  revision,
		rev:       rev,
		chain:     chain,
	}, nil
}

// Context is the sphere public contract: a ReadOnly context wraps one
// immutable revision; Mutable additionally owns staged HAMT mutations until
// Save.
type Context struct {
	sphereDID string
	store     blockstore.Backend
	revision  codec.CID
	rev       *Revision
	chain     *authority.Chain

	signer            *identity.KeyPair
	authToken         codec.CID
	stagedContent     codec.CID
	stagedAddressBook codec.CID
	dirty             bool
}

// SphereDID returns the identity this context is a view of.
func (c *Context) SphereDID() string { return c.sphereDID }

// Revision returns the revision CID this context is pinned to.
func (c *Context) Revision() codec.CID { return c.revision }

// IsMutable reports whether Save is available on this context.
func (c *Context) IsMutable() bool { return c.signer != nil }

// Mutable derives a mutable context from this (read-only or mutable) one,
// acting as signer under authorizationToken, which must grant
// authority.ActionPublish over this sphere.
func (c *Context) Mutable(ctx context.Context, signer *identity.KeyPair, authorizationToken codec.CID) (*Context, error) {
	tok, err := authority.Get(ctx, c.store, authorizationToken)
	if err != nil {
		return nil, err
	}
	if tok.Audience != signer.DID {
		return nil, errutil.New(errutil.NotAuthorized, "sphere: authorization token audience does not match signer")
	}
	ok, reason, err := c.chain.Verify(ctx, authorizationToken, authority.ResourceForSphere(c.sphereDID), authority.ActionPublish, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errutil.New(errutil.NotAuthorized, "sphere: "+reason)
	}
	return &Context{
		sphereDID:         c.sphereDID,
		store:             c.store,
		revision:          c.revision,
		rev:               c.rev,
		chain:             c.chain,
		signer:            signer,
		authToken:         authorizationToken,
		stagedContent:     c.rev.ContentRoot,
		stagedAddressBook: c.rev.AddressBookRoot,
	}, nil
}

func (c *Context) requireMutable() error {
	if c.signer == nil {
		return errutil.New(errutil.NotAuthorized, "sphere: context is read-only")
	}
	return nil
}

// ReadBlock and WriteBlock are a raw passthrough to the underlying block
// store, scoped for pkg/replication's internal use only: the public
// operation set above is the only supported mutation workflow.
func (c *Context) ReadBlock(ctx context.Context, id codec.CID) ([]byte, error) {
	return c.store.Get(ctx, id)
}

func (c *Context) WriteBlock(ctx context.Context, data []byte) (codec.CID, error) {
	return c.store.Put(ctx, data)
}

// Store exposes the underlying block store, for pkg/replication and
// pkg/sync, which need direct block-level access this Context's slug-level
// API does not provide.
func (c *Context) Store() blockstore.Backend { return c.store }

// Chain exposes the authority chain, for pkg/sync's authorize/revoke HTTP
// handlers.
func (c *Context) Chain() *authority.Chain { return c.chain }
