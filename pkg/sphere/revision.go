package sphere

import (
	"context"
	"fmt"

	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/errutil"
	"github.com/noosphere/sphereengine/pkg/identity"
)

// AddressBookEntry binds a petname to another sphere's identity, optionally
// with a cached link record CID and a resolution-cache hint.
type AddressBookEntry struct {
	Identity    string    `cbor:"identity"`
	LinkRecord  codec.CID `cbor:"link_record,omitempty"`
	ResolvedAt  int64     `cbor:"resolved_at,omitempty"`
	LastVersion codec.CID `cbor:"last_version,omitempty"`
}

// Revision is the immutable unit of a sphere's history.
type Revision struct {
	Parent          codec.CID `cbor:"parent,omitempty"`
	Author          string    `cbor:"author"`
	Authorization   codec.CID `cbor:"authorization"`
	ContentRoot     codec.CID `cbor:"content"`
	AddressBookRoot codec.CID `cbor:"address_book"`
	AuthorityRoot   codec.CID `cbor:"authority"`
	Signature       []byte    `cbor:"sig,omitempty"`
	Headers         []Header  `cbor:"headers,omitempty"`
}

// signingBytes is the canonical encoding of the revision with its signature
// cleared: what gets signed and what gets re-verified.
func (r Revision) signingBytes() ([]byte, error) {
	r.Signature = nil
	return codec.Encode(&r)
}

// Sign signs the revision with author's key, setting Author and Signature.
func (r *Revision) Sign(author *identity.KeyPair) error {
	r.Author = author.DID
	b, err := r.signingBytes()
	if err != nil {
		return fmt.Errorf("sphere: sign revision: %w", err)
	}
	r.Signature = author.Sign(b)
	return nil
}

// VerifySignature reports whether r's signature verifies under r.Author's key.
func (r Revision) VerifySignature() bool {
	b, err := r.signingBytes()
	if err != nil {
		return false
	}
	return identity.Verify(r.Author, b, r.Signature)
}

// PutRevision stores the canonical encoding of r and returns its CID.
func PutRevision(ctx context.Context, store blockstore.Store, r *Revision) (codec.CID, error) {
	raw, c, err := codec.EncodeAndCID(r)
	if err != nil {
		return codec.Undef, fmt.Errorf("sphere: encode revision: %w", err)
	}
	if _, err := store.Put(ctx, raw); err != nil {
		return codec.Undef, fmt.Errorf("sphere: put revision: %w", err)
	}
	return c, nil
}

// GetRevision loads and decodes the revision stored at c.
func GetRevision(ctx context.Context, store blockstore.Store, c codec.CID) (*Revision, error) {
	raw, err := store.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("sphere: get revision %s: %w", c, err)
	}
	var r Revision
	if err := codec.Decode(raw, &r); err != nil {
		return nil, fmt.Errorf("sphere: decode revision %s: %w", c, err)
	}
	return &r, nil
}

// Ancestors walks parent links from start back to genesis, inclusive of
// start, stopping early if stopAt is encountered (stopAt may be codec.Undef
// to walk all the way to genesis).
func Ancestors(ctx context.Context, store blockstore.Store, start, stopAt codec.CID) ([]codec.CID, error) {
	var chain []codec.CID
	cur := start
	for cur != codec.Undef {
		chain = append(chain, cur)
		if cur == stopAt {
			return chain, nil
		}
		rev, err := GetRevision(ctx, store, cur)
		if err != nil {
			return nil, err
		}
		cur = rev.Parent
	}
	if stopAt != codec.Undef {
		return nil, errutil.New(errutil.Unrelated, "stopAt is not an ancestor of start")
	}
	return chain, nil
}

// CommonAncestor returns the nearest revision reachable from both a and b by
// walking parent links, or codec.Undef if the histories share no ancestor.
func CommonAncestor(ctx context.Context, store blockstore.Store, a, b codec.CID) (codec.CID, error) {
	seen := map[codec.CID]bool{}
	cur := a
	for cur != codec.Undef {
		seen[cur] = true
		rev, err := GetRevision(ctx, store, cur)
		if err != nil {
			return codec.Undef, err
		}
		cur = rev.Parent
	}
	cur = b
	for cur != codec.Undef {
		if seen[cur] {
			return cur, nil
		}
		rev, err := GetRevision(ctx, store, cur)
		if err != nil {
			return codec.Undef, err
		}
		cur = rev.Parent
	}
	return codec.Undef, nil
}
