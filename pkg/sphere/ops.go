package sphere

import (
	"context"
	"fmt"

	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/errutil"
	"github.com/noosphere/sphereengine/pkg/hamt"
)

// contentRoot returns the root a reader should see: staged if mutable,
// otherwise the pinned revision's.
func (c *Context) contentRoot() codec.CID {
	if c.signer != nil {
		return c.stagedContent
	}
	return c.rev.ContentRoot
}

func (c *Context) addressBookRoot() codec.CID {
	if c.signer != nil {
		return c.stagedAddressBook
	}
	return c.rev.AddressBookRoot
}

// Read returns the Memo staged or committed at slug.
func (c *Context) Read(ctx context.Context, slug string) (*Memo, error) {
	norm, err := NormalizeSlug(slug)
	if err != nil {
		return nil, err
	}
	raw, found, err := hamt.Get(ctx, c.store, c.contentRoot(), []byte(norm))
	if err != nil {
		return nil, fmt.Errorf("sphere: read %s: %w", slug, err)
	}
	if !found {
		return nil, errutil.New(errutil.NotFound, "slug "+norm+" not found")
	}
	memoCID, err := codec.CIDFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("sphere: read %s: %w", slug, err)
	}
	memoBytes, err := c.store.Get(ctx, memoCID)
	if err != nil {
		return nil, fmt.Errorf("sphere: read %s: load memo: %w", slug, err)
	}
	var memo Memo
	if err := codec.Decode(memoBytes, &memo); err != nil {
		return nil, fmt.Errorf("sphere: read %s: decode memo: %w", slug, err)
	}
	return &memo, nil
}

// Write stages creation of a new Memo at slug. The slug
// resolves to the new content immediately within this context, but is not
// visible to other contexts until Save.
func (c *Context) Write(ctx context.Context, slug, contentType string, body []byte, extraHeaders []Header) error {
	if err := c.requireMutable(); err != nil {
		return err
	}
	norm, err := NormalizeSlug(slug)
	if err != nil {
		return err
	}
	bodyCID, err := c.store.Put(ctx, body)
	if err != nil {
		return fmt.Errorf("sphere: write %s: store body: %w", slug, err)
	}
	memo := NewMemo(contentType, extraHeaders, bodyCID)
	memoRaw, memoCID, err := codec.EncodeAndCID(&memo)
	if err != nil {
		return fmt.Errorf("sphere: write %s: encode memo: %w", slug, err)
	}
	if _, err := c.store.Put(ctx, memoRaw); err != nil {
		return fmt.Errorf("sphere: write %s: store memo: %w", slug, err)
	}
	newRoot, err := hamt.Set(ctx, c.store, c.stagedContent, []byte(norm), memoCID.Bytes())
	if err != nil {
		return fmt.Errorf("sphere: write %s: %w", slug, err)
	}
	c.stagedContent = newRoot
	c.dirty = true
	return nil
}

// Remove stages removal of slug.
func (c *Context) Remove(ctx context.Context, slug string) error {
	if err := c.requireMutable(); err != nil {
		return err
	}
	norm, err := NormalizeSlug(slug)
	if err != nil {
		return err
	}
	newRoot, err := hamt.Remove(ctx, c.store, c.stagedContent, []byte(norm))
	if err != nil {
		return fmt.Errorf("sphere: remove %s: %w", slug, err)
	}
	c.stagedContent = newRoot
	c.dirty = true
	return nil
}

// List returns every slug present at this context's revision.
func (c *Context) List(ctx context.Context) ([]string, error) {
	kvch, errch := hamt.Iter(ctx, c.store, c.contentRoot())
	var slugs []string
	for kv := range kvch {
		slugs = append(slugs, string(kv.Key))
	}
	if err := <-errch; err != nil {
		return nil, fmt.Errorf("sphere: list: %w", err)
	}
	return slugs, nil
}

// Stream invokes callback once per (slug, Memo) at this context's revision
//.
func (c *Context) Stream(ctx context.Context, callback func(slug string, memo Memo) error) error {
	kvch, errch := hamt.Iter(ctx, c.store, c.contentRoot())
	for kv := range kvch {
		memoCID, err := codec.CIDFromBytes(kv.Value)
		if err != nil {
			return fmt.Errorf("sphere: stream: %w", err)
		}
		memoBytes, err := c.store.Get(ctx, memoCID)
		if err != nil {
			return fmt.Errorf("sphere: stream: load memo for %s: %w", kv.Key, err)
		}
		var memo Memo
		if err := codec.Decode(memoBytes, &memo); err != nil {
			return fmt.Errorf("sphere: stream: decode memo for %s: %w", kv.Key, err)
		}
		if err := callback(string(kv.Key), memo); err != nil {
			return err
		}
	}
	return <-errch
}

// SlugChange is one entry of a Changes() result.
type SlugChange struct {
	Slug    string
	OldMemo *Memo
	NewMemo *Memo
}

// Changes returns the (slug, old-memo-or-nil, new-memo-or-nil) set between
// sinceRevision and this context's revision, inclusive of intermediate
// revisions. sinceRevision must be an ancestor of this
// context's revision.
func (c *Context) Changes(ctx context.Context, sinceRevision codec.CID) ([]SlugChange, error) {
	chain, err := Ancestors(ctx, c.store, c.revision, sinceRevision)
	if err != nil {
		return nil, fmt.Errorf("sphere: changes: %w", err)
	}
	// chain is [current, ..., sinceRevision]; walk oldest-to-newest pairs.
	type byLatest struct {
		old *Memo
		new *Memo
	}
	acc := map[string]*byLatest{}
	for i := len(chain) - 1; i > 0; i-- {
		parentRev, err := GetRevision(ctx, c.store, chain[i])
		if err != nil {
			return nil, fmt.Errorf("sphere: changes: %w", err)
		}
		childRev, err := GetRevision(ctx, c.store, chain[i-1])
		if err != nil {
			return nil, fmt.Errorf("sphere: changes: %w", err)
		}
		changes, errch := hamt.Diff(ctx, c.store, parentRev.ContentRoot, childRev.ContentRoot)
		for ch := range changes {
			slug := string(ch.Key)
			entry, ok := acc[slug]
			if !ok {
				entry = &byLatest{}
				acc[slug] = entry
			}
			if entry.old == nil && ch.OldPresent {
				entry.old, err = loadMemoBytes(ctx, c.store, ch.OldValue)
				if err != nil {
					return nil, fmt.Errorf("sphere: changes: %w", err)
				}
			}
			if ch.NewPresent {
				entry.new, err = loadMemoBytes(ctx, c.store, ch.NewValue)
				if err != nil {
					return nil, fmt.Errorf("sphere: changes: %w", err)
				}
			} else {
				entry.new = nil
			}
		}
		if err := <-errch; err != nil {
			return nil, fmt.Errorf("sphere: changes: %w", err)
		}
	}
	out := make([]SlugChange, 0, len(acc))
	for slug, entry := range acc {
		out = append(out, SlugChange{Slug: slug, OldMemo: entry.old, NewMemo: entry.new})
	}
	return out, nil
}

func loadMemoBytes(ctx context.Context, store blockstore.Store, cidBytes []byte) (*Memo, error) {
	memoCID, err := codec.CIDFromBytes(cidBytes)
	if err != nil {
		return nil, err
	}
	raw, err := store.Get(ctx, memoCID)
	if err != nil {
		return nil, err
	}
	var memo Memo
	if err := codec.Decode(raw, &memo); err != nil {
		return nil, err
	}
	return &memo, nil
}

// SetPetname stages an address-book update binding name to identityDID, or
// unsets the binding when identityDID is empty.
func (c *Context) SetPetname(ctx context.Context, name, identityDID string) error {
	if err := c.requireMutable(); err != nil {
		return err
	}
	norm, err := NormalizePetname(name)
	if err != nil {
		return errutil.New(errutil.Malformed, "invalid petname: "+err.Error())
	}
	var newRoot codec.CID
	if identityDID == "" {
		newRoot, err = hamt.Remove(ctx, c.store, c.stagedAddressBook, []byte(norm))
	} else {
		entry := AddressBookEntry{Identity: identityDID}
		raw, encErr := codec.Encode(&entry)
		if encErr != nil {
			return fmt.Errorf("sphere: set_petname %s: %w", name, encErr)
		}
		newRoot, err = hamt.Set(ctx, c.store, c.stagedAddressBook, []byte(norm), raw)
	}
	if err != nil {
		return fmt.Errorf("sphere: set_petname %s: %w", name, err)
	}
	c.stagedAddressBook = newRoot
	c.dirty = true
	return nil
}

// ResolvePetname resolves a single (non-dotted) petname hop in this
// context's address book. Multi-hop dotted paths
// are the responsibility of pkg/petname.
func (c *Context) ResolvePetname(ctx context.Context, name string) (*AddressBookEntry, error) {
	norm, err := NormalizePetname(name)
	if err != nil {
		return nil, errutil.New(errutil.Malformed, "invalid petname: "+err.Error())
	}
	raw, found, err := hamt.Get(ctx, c.store, c.addressBookRoot(), []byte(norm))
	if err != nil {
		return nil, fmt.Errorf("sphere: resolve_petname %s: %w", name, err)
	}
	if !found {
		return nil, errutil.New(errutil.NotFound, "petname "+norm+" not bound")
	}
	var entry AddressBookEntry
	if err := codec.Decode(raw, &entry); err != nil {
		return nil, fmt.Errorf("sphere: resolve_petname %s: %w", name, err)
	}
	return &entry, nil
}

// CacheLinkRecordHint opportunistically records the link record and
// revision that last resolved name's binding, so a later resolution can
// trust the on-disk hint without a fresh NNS round trip. It is a no-op
// (returns nil) if the cached hint is already at least as fresh as
// resolvedAt, so repeated resolutions of an unchanged binding don't churn
// the address book.
func (c *Context) CacheLinkRecordHint(ctx context.Context, name string, linkRecord codec.CID, resolvedAt int64, lastVersion codec.CID) error {
	if err := c.requireMutable(); err != nil {
		return err
	}
	norm, err := NormalizePetname(name)
	if err != nil {
		return errutil.New(errutil.Malformed, "invalid petname: "+err.Error())
	}
	raw, found, err := hamt.Get(ctx, c.store, c.stagedAddressBook, []byte(norm))
	if err != nil {
		return fmt.Errorf("sphere: cache_link_record %s: %w", name, err)
	}
	if !found {
		return errutil.New(errutil.NotFound, "petname "+norm+" not bound")
	}
	var entry AddressBookEntry
	if err := codec.Decode(raw, &entry); err != nil {
		return fmt.Errorf("sphere: cache_link_record %s: %w", name, err)
	}
	if entry.ResolvedAt >= resolvedAt {
		return nil
	}
	entry.LinkRecord = linkRecord
	entry.ResolvedAt = resolvedAt
	entry.LastVersion = lastVersion
	encRaw, err := codec.Encode(&entry)
	if err != nil {
		return fmt.Errorf("sphere: cache_link_record %s: %w", name, err)
	}
	newRoot, err := hamt.Set(ctx, c.store, c.stagedAddressBook, []byte(norm), encRaw)
	if err != nil {
		return fmt.Errorf("sphere: cache_link_record %s: %w", name, err)
	}
	c.stagedAddressBook = newRoot
	c.dirty = true
	return nil
}

// Save emits one new revision from this context's staged mutations and
// advances the identity->tip pointer transactionally.
func (c *Context) Save(ctx context.Context, extraHeaders []Header) (codec.CID, error) {
	if err := c.requireMutable(); err != nil {
		return codec.Undef, err
	}
	if !c.dirty {
		return codec.Undef, errutil.New(errutil.Empty, "sphere: save: nothing staged")
	}

	authorityRoot, err := c.chain.Root(ctx)
	if err != nil {
		return codec.Undef, fmt.Errorf("sphere: save: %w", err)
	}
	rev := &Revision{
		Parent:          c.revision,
		Authorization:   c.authToken,
		ContentRoot:     c.stagedContent,
		AddressBookRoot: c.stagedAddressBook,
		AuthorityRoot:   authorityRoot,
		Headers:         extraHeaders,
	}
	if err := rev.Sign(c.signer); err != nil {
		return codec.Undef, fmt.Errorf("sphere: save: %w", err)
	}
	newTip, err := PutRevision(ctx, c.store, rev)
	if err != nil {
		return codec.Undef, fmt.Errorf("sphere: save: %w", err)
	}

	swapped, err := c.store.CompareAndSwap(ctx, blockstore.NamespaceSphereTips, c.sphereDID, c.revision.Bytes(), newTip.Bytes())
	if err != nil {
		return codec.Undef, fmt.Errorf("sphere: save: advance tip: %w", err)
	}
	if !swapped {
		return codec.Undef, errutil.New(errutil.ConflictingWrite, "sphere: save: tip advanced concurrently, re-stage on the new tip")
	}

	c.revision = newTip
	c.rev = rev
	c.dirty = false
	return newTip, nil
}
