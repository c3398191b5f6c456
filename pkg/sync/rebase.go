package sync

import (
	"context"
	"fmt"

	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/errutil"
	"github.com/noosphere/sphereengine/pkg/hamt"
	"github.com/noosphere/sphereengine/pkg/identity"
	"github.com/noosphere/sphereengine/pkg/sphere"
)

// Rebase replays every revision unique to local (i.e. not an ancestor of
// remoteTip) on top of remoteTip, re-signing each as a new revision, per the
// fixed conflict policy: content edits are local-wins,
// address-book edits prefer the entry with the later ResolvedAt hint. It
// returns a read-only Context at the new, rebased tip.
func Rebase(ctx context.Context, store blockstore.Backend, sphereDID string, ownerKey *identity.KeyPair, authToken, localTip, remoteTip codec.CID) (*sphere.Context, error) {
	ancestor, err := sphere.CommonAncestor(ctx, store, localTip, remoteTip)
	if err != nil {
		return nil, fmt.Errorf("sync: rebase: find common ancestor: %w", err)
	}
	if ancestor == codec.Undef {
		return nil, errutil.New(errutil.Unrelated, "sync: rebase: local and remote histories share no ancestor")
	}
	// Rewind the local tip pointer onto the remote tip before replaying:
	// every Save below advances the pointer one synthetic revision at a
	// time, and its compare-and-swap must start from the remote tip, not
	// from the divergent local one. A concurrent local writer loses here
	// exactly as it would against any other racing save.
	swapped, err := store.CompareAndSwap(ctx, blockstore.NamespaceSphereTips, sphereDID, localTip.Bytes(), remoteTip.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sync: rebase: rewind tip: %w", err)
	}
	if !swapped {
		return nil, errutil.New(errutil.ConflictingWrite, "sync: rebase: local tip advanced concurrently")
	}
	if localTip == ancestor {
		// Nothing local to replay; the remote tip is already a descendant
		// (or equal) of local's state.
		return sphere.Open(ctx, store, sphereDID, remoteTip)
	}

	chain, err := sphere.Ancestors(ctx, store, localTip, ancestor)
	if err != nil {
		return nil, fmt.Errorf("sync: rebase: walk local-only revisions: %w", err)
	}
	// chain is [localTip, ..., ancestor]; replay oldest-to-newest, excluding
	// the ancestor itself.
	localOnly := make([]codec.CID, 0, len(chain)-1)
	for i := len(chain) - 2; i >= 0; i-- {
		localOnly = append(localOnly, chain[i])
	}

	base, err := sphere.Open(ctx, store, sphereDID, remoteTip)
	if err != nil {
		return nil, fmt.Errorf("sync: rebase: open remote tip: %w", err)
	}
	mutable, err := base.Mutable(ctx, ownerKey, authToken)
	if err != nil {
		return nil, fmt.Errorf("sync: rebase: %w", err)
	}

	// One synthetic revision per local revision, so the rebased history
	// mirrors the local one step for step.
	for _, revCID := range localOnly {
		rev, err := sphere.GetRevision(ctx, store, revCID)
		if err != nil {
			return nil, fmt.Errorf("sync: rebase: %w", err)
		}
		parent, err := sphere.GetRevision(ctx, store, rev.Parent)
		if err != nil {
			return nil, fmt.Errorf("sync: rebase: %w", err)
		}
		if err := replayContent(ctx, store, mutable, parent.ContentRoot, rev.ContentRoot); err != nil {
			return nil, err
		}
		if err := replayAddressBook(ctx, store, mutable, parent.AddressBookRoot, rev.AddressBookRoot); err != nil {
			return nil, err
		}
		if _, err := mutable.Save(ctx, rev.Headers); err != nil && !errutil.Is(err, errutil.Empty) {
			return nil, fmt.Errorf("sync: rebase: save replayed revision: %w", err)
		}
	}
	return sphere.Open(ctx, store, sphereDID, mutable.Revision())
}

// replayContent applies a local revision's content changes to mutable,
// always preferring the local side.
func replayContent(ctx context.Context, store blockstore.Store, mutable *sphere.Context, oldRoot, newRoot codec.CID) error {
	changes, errch := hamt.Diff(ctx, store, oldRoot, newRoot)
	for ch := range changes {
		slug := string(ch.Key)
		if !ch.NewPresent {
			if err := mutable.Remove(ctx, slug); err != nil {
				return fmt.Errorf("sync: rebase: remove %s: %w", slug, err)
			}
			continue
		}
		memoCID, err := codec.CIDFromBytes(ch.NewValue)
		if err != nil {
			return fmt.Errorf("sync: rebase: %w", err)
		}
		memoRaw, err := store.Get(ctx, memoCID)
		if err != nil {
			return fmt.Errorf("sync: rebase: load memo: %w", err)
		}
		var memo sphere.Memo
		if err := codec.Decode(memoRaw, &memo); err != nil {
			return fmt.Errorf("sync: rebase: decode memo: %w", err)
		}
		body, err := store.Get(ctx, memo.Body)
		if err != nil {
			return fmt.Errorf("sync: rebase: load body: %w", err)
		}
		if err := mutable.Write(ctx, slug, memo.ContentType(), body, memo.Headers); err != nil {
			return fmt.Errorf("sync: rebase: write %s: %w", slug, err)
		}
	}
	return <-errch
}

// replayAddressBook applies a local revision's address-book changes to
// mutable. The policy is "newer link record by signed time wins": set_petname
// itself only ever carries an identity DID, but pkg/petname's resolver
// opportunistically stamps ResolvedAt on an address-book entry whenever it
// resolves through a mutable context, so entries touched by a prior
// resolution carry a meaningful signed-time hint here. When neither side of
// a conflict has ever been resolver-stamped, both ResolvedAt values are zero
// and the comparison degrades to last-applied-wins, which is local-wins,
// since local entries are applied here.
func replayAddressBook(ctx context.Context, store blockstore.Store, mutable *sphere.Context, oldRoot, newRoot codec.CID) error {
	changes, errch := hamt.Diff(ctx, store, oldRoot, newRoot)
	for ch := range changes {
		name := string(ch.Key)
		if !ch.NewPresent {
			if err := mutable.SetPetname(ctx, name, ""); err != nil {
				return fmt.Errorf("sync: rebase: unset petname %s: %w", name, err)
			}
			continue
		}
		var newEntry sphere.AddressBookEntry
		if err := codec.Decode(ch.NewValue, &newEntry); err != nil {
			return fmt.Errorf("sync: rebase: decode address book entry: %w", err)
		}
		current, err := mutable.ResolvePetname(ctx, name)
		if err != nil && !errutil.Is(err, errutil.NotFound) {
			return fmt.Errorf("sync: rebase: %w", err)
		}
		if current != nil && current.ResolvedAt > newEntry.ResolvedAt {
			continue
		}
		if err := mutable.SetPetname(ctx, name, newEntry.Identity); err != nil {
			return fmt.Errorf("sync: rebase: set petname %s: %w", name, err)
		}
	}
	return <-errch
}
