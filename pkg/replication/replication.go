package replication

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/noosphere/sphereengine/pkg/authority"
	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/errutil"
	"github.com/noosphere/sphereengine/pkg/hamt"
	"github.com/noosphere/sphereengine/pkg/sphere"
)

// frameBacklog bounds how many frames Export may have in flight ahead of a
// slow consumer.
const frameBacklog = 32

// Full streams every block reachable from revision.
func Full(ctx context.Context, store blockstore.Store, revision codec.CID, w io.Writer) error {
	return export(ctx, store, codec.Undef, revision, w)
}

// Incremental streams only blocks reachable from to that are not reachable
// from from.
func Incremental(ctx context.Context, store blockstore.Store, from, to codec.CID, w io.Writer) error {
	return export(ctx, store, from, to, w)
}

func export(ctx context.Context, store blockstore.Store, from, to codec.CID, w io.Writer) error {
	if err := WriteHeader(w, []codec.CID{to}); err != nil {
		return err
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan frame, frameBacklog)
	errc := make(chan error, 1)
	go func() {
		defer close(frames)
		errc <- collect(cctx, store, from, to, frames)
	}()

	for f := range frames {
		if err := WriteBlockFrame(w, f.cid, f.data); err != nil {
			cancel()
			for range frames {
			}
			<-errc
			return fmt.Errorf("replication: write frame: %w", err)
		}
	}
	return <-errc
}

type frame struct {
	cid  codec.CID
	data []byte
}

// collect walks the revision chain from `to` back to `from` (or to genesis
// if from is codec.Undef or unrelated), emitting a frame for every block a
// full export would include when from is codec.Undef, or only the
// CID-divergent ones otherwise.
func collect(ctx context.Context, store blockstore.Store, from, to codec.CID, out chan<- frame) error {
	chain, err := sphere.Ancestors(ctx, store, to, from)
	if err != nil {
		// from is not an ancestor of to: fall back to walking to genesis and
		// emit a full export instead.
		chain, err = sphere.Ancestors(ctx, store, to, codec.Undef)
		if err != nil {
			return err
		}
		from = codec.Undef
	}

	visited := map[codec.CID]bool{}
	emit := func(c codec.CID) error {
		if visited[c] {
			return nil
		}
		visited[c] = true
		data, err := store.Get(ctx, c)
		if err != nil {
			return err
		}
		select {
		case out <- frame{cid: c, data: data}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// chain is ordered [to, ..., from-or-genesis]; walk oldest to newest so
	// an incremental diff of revision i against i-1 sees the prior root.
	for i := len(chain) - 1; i >= 0; i-- {
		if from != codec.Undef && i == len(chain)-1 {
			// The receiver already holds `from` and its closure; only the
			// revisions strictly after it need to travel.
			continue
		}
		rev, err := sphere.GetRevision(ctx, store, chain[i])
		if err != nil {
			return err
		}
		if err := emit(chain[i]); err != nil {
			return err
		}
		if err := emitAuthorizationChain(ctx, store, rev.Authorization, visited, emit); err != nil {
			return err
		}

		isGenesisOfRange := i == len(chain)-1 && from == codec.Undef
		if isGenesisOfRange {
			if err := emitFullHAMT(ctx, store, rev.ContentRoot, true, emit); err != nil {
				return err
			}
			if err := emitFullHAMT(ctx, store, rev.AddressBookRoot, false, emit); err != nil {
				return err
			}
			if err := emitAuthorityIndex(ctx, store, rev.AuthorityRoot, emit); err != nil {
				return err
			}
			continue
		}

		parentRev, err := sphere.GetRevision(ctx, store, rev.Parent)
		if err != nil {
			return err
		}
		if err := emitHAMTDiff(ctx, store, parentRev.ContentRoot, rev.ContentRoot, true, emit); err != nil {
			return err
		}
		if err := emitHAMTDiff(ctx, store, parentRev.AddressBookRoot, rev.AddressBookRoot, false, emit); err != nil {
			return err
		}
		if err := emit(rev.AuthorityRoot); err != nil {
			return err
		}
		if rev.AuthorityRoot != parentRev.AuthorityRoot {
			if err := emitAuthorityIndexDiff(ctx, store, parentRev.AuthorityRoot, rev.AuthorityRoot, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

func emitAuthorizationChain(ctx context.Context, store blockstore.Store, tokenCID codec.CID, visited map[codec.CID]bool, emit func(codec.CID) error) error {
	if tokenCID == codec.Undef || visited[tokenCID] {
		return nil
	}
	tok, err := authority.Get(ctx, store, tokenCID)
	if err != nil {
		return err
	}
	if err := emit(tokenCID); err != nil {
		return err
	}
	for _, proof := range tok.Proofs {
		if err := emitAuthorizationChain(ctx, store, proof, visited, emit); err != nil {
			return err
		}
	}
	return nil
}

// emitFullHAMT emits every node of a HAMT plus, when followBodies is set
// (the content index), every memo and memo-body block each leaf points at.
func emitFullHAMT(ctx context.Context, store blockstore.Store, root codec.CID, followBodies bool, emit func(codec.CID) error) error {
	if err := hamt.WalkNodes(ctx, store, root, emit); err != nil {
		return err
	}
	if !followBodies {
		return nil
	}
	kvch, errch := hamt.Iter(ctx, store, root)
	for kv := range kvch {
		if err := emitMemoAndBody(ctx, store, kv.Value, emit); err != nil {
			return err
		}
	}
	return <-errch
}

func emitMemoAndBody(ctx context.Context, store blockstore.Store, memoCIDBytes []byte, emit func(codec.CID) error) error {
	memoCID, err := codec.CIDFromBytes(memoCIDBytes)
	if err != nil {
		return err
	}
	if err := emit(memoCID); err != nil {
		return err
	}
	raw, err := store.Get(ctx, memoCID)
	if err != nil {
		return err
	}
	var memo sphere.Memo
	if err := codec.Decode(raw, &memo); err != nil {
		return err
	}
	return emit(memo.Body)
}

// emitHAMTDiff emits only the CID-divergent structural nodes between oldRoot
// and newRoot, plus (for the content index) the newly introduced memo and
// body blocks.
func emitHAMTDiff(ctx context.Context, store blockstore.Store, oldRoot, newRoot codec.CID, followBodies bool, emit func(codec.CID) error) error {
	if oldRoot == newRoot {
		return nil
	}
	if err := hamt.DiffNodes(ctx, store, oldRoot, newRoot, emit); err != nil {
		return err
	}
	if !followBodies {
		return nil
	}
	changes, errch := hamt.Diff(ctx, store, oldRoot, newRoot)
	for ch := range changes {
		if ch.NewPresent {
			if err := emitMemoAndBody(ctx, store, ch.NewValue, emit); err != nil {
				return err
			}
		}
	}
	return <-errch
}

func emitAuthorityIndex(ctx context.Context, store blockstore.Store, authorityRoot codec.CID, emit func(codec.CID) error) error {
	if err := emit(authorityRoot); err != nil {
		return err
	}
	idx, err := loadAuthorityIndex(ctx, store, authorityRoot)
	if err != nil {
		return err
	}
	if err := hamt.WalkNodes(ctx, store, idx.Delegations, emit); err != nil {
		return err
	}
	return hamt.WalkNodes(ctx, store, idx.Revocations, emit)
}

func emitAuthorityIndexDiff(ctx context.Context, store blockstore.Store, oldRoot, newRoot codec.CID, emit func(codec.CID) error) error {
	oldIdx, err := loadAuthorityIndex(ctx, store, oldRoot)
	if err != nil {
		return err
	}
	newIdx, err := loadAuthorityIndex(ctx, store, newRoot)
	if err != nil {
		return err
	}
	if err := hamt.DiffNodes(ctx, store, oldIdx.Delegations, newIdx.Delegations, emit); err != nil {
		return err
	}
	return hamt.DiffNodes(ctx, store, oldIdx.Revocations, newIdx.Revocations, emit)
}

func loadAuthorityIndex(ctx context.Context, store blockstore.Store, root codec.CID) (*authority.Index, error) {
	raw, err := store.Get(ctx, root)
	if err != nil {
		return nil, err
	}
	var idx authority.Index
	if err := codec.Decode(raw, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

// Import reads a CAR stream, verifying every frame's hash against its framed
// CID, and storing each block as it arrives. It reports errutil.Corruption
// on a hash mismatch and errutil.Incomplete if any named root is missing a
// transitive dependency once the stream closes.
func Import(ctx context.Context, store blockstore.Store, r io.Reader) ([]codec.CID, error) {
	br := bufio.NewReader(r)
	hdr, err := ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("replication: import: %w", err)
	}

	present := map[codec.CID]bool{}
	for {
		c, data, err := ReadBlockFrame(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("replication: import: %w", err)
		}
		got, err := codec.CIDOf(data)
		if err != nil || got != c {
			return nil, errutil.New(errutil.Corruption, "replication: import: frame hash does not match framed cid "+c.String())
		}
		if _, err := store.Put(ctx, data); err != nil {
			return nil, fmt.Errorf("replication: import: store block: %w", err)
		}
		present[c] = true
	}

	for _, root := range hdr.Roots {
		complete, err := transitivelyComplete(ctx, store, root)
		if err != nil {
			return nil, fmt.Errorf("replication: import: %w", err)
		}
		if !complete {
			return nil, errutil.New(errutil.Incomplete, "replication: import: root "+root.String()+" missing transitive dependencies")
		}
	}
	return hdr.Roots, nil
}

// transitivelyComplete reports whether root and everything it structurally
// references is present in store. The root revision's three index trees are
// walked node by node (and, for the content index, through to each memo and
// body block); ancestor revisions are checked for the presence of their
// blocks and direct links only, since their inner trees share structure with
// the root's and with the pre-existing local state. It tolerates blocks it
// does not recognize the shape of by treating their presence alone as
// sufficient (a CAR stream may name content this engine's schema does not
// model further).
func transitivelyComplete(ctx context.Context, store blockstore.Store, root codec.CID) (bool, error) {
	if has, err := store.Has(ctx, root); err != nil {
		return false, err
	} else if !has {
		return false, nil
	}
	rev, err := sphere.GetRevision(ctx, store, root)
	if err != nil {
		if errutil.Is(err, errutil.NotFound) {
			return false, nil
		}
		// Not a revision block (e.g. a bare HAMT root or memo); presence is
		// enough at this level.
		return true, nil
	}

	check := func(c codec.CID) error {
		if c == codec.Undef {
			return nil
		}
		if has, err := store.Has(ctx, c); err != nil {
			return err
		} else if !has {
			return errutil.New(errutil.Incomplete, "missing block "+c.String())
		}
		return nil
	}

	if err := hamt.WalkNodes(ctx, store, rev.ContentRoot, check); err != nil {
		return incompleteOrError(err)
	}
	if err := walkContentBodies(ctx, store, rev.ContentRoot, check); err != nil {
		return incompleteOrError(err)
	}
	if err := hamt.WalkNodes(ctx, store, rev.AddressBookRoot, check); err != nil {
		return incompleteOrError(err)
	}
	if err := check(rev.AuthorityRoot); err != nil {
		return incompleteOrError(err)
	}
	idx, err := loadAuthorityIndex(ctx, store, rev.AuthorityRoot)
	if err != nil {
		return incompleteOrError(err)
	}
	if err := hamt.WalkNodes(ctx, store, idx.Delegations, check); err != nil {
		return incompleteOrError(err)
	}
	if err := hamt.WalkNodes(ctx, store, idx.Revocations, check); err != nil {
		return incompleteOrError(err)
	}

	// Ancestors: block presence plus direct links, no per-revision tree walk.
	cur := rev.Parent
	for cur != codec.Undef {
		parent, err := sphere.GetRevision(ctx, store, cur)
		if err != nil {
			return incompleteOrError(err)
		}
		for _, c := range []codec.CID{parent.ContentRoot, parent.AddressBookRoot, parent.AuthorityRoot, parent.Authorization} {
			if err := check(c); err != nil {
				return incompleteOrError(err)
			}
		}
		cur = parent.Parent
	}
	return true, nil
}

// walkContentBodies verifies the memo and body block behind every content
// leaf, resolving each leaf value as a memo CID.
func walkContentBodies(ctx context.Context, store blockstore.Store, root codec.CID, check func(codec.CID) error) error {
	kvch, errch := hamt.Iter(ctx, store, root)
	for kv := range kvch {
		memoCID, err := codec.CIDFromBytes(kv.Value)
		if err != nil {
			return err
		}
		if err := check(memoCID); err != nil {
			return err
		}
		raw, err := store.Get(ctx, memoCID)
		if err != nil {
			return err
		}
		var memo sphere.Memo
		if err := codec.Decode(raw, &memo); err != nil {
			return err
		}
		if err := check(memo.Body); err != nil {
			return err
		}
	}
	return <-errch
}

// incompleteOrError folds "a referenced block is absent" into the boolean
// completeness answer while letting genuine storage faults propagate.
func incompleteOrError(err error) (bool, error) {
	if errutil.Is(err, errutil.Incomplete) || errutil.Is(err, errutil.NotFound) {
		return false, nil
	}
	return false, err
}
