package hamt

import (
	"context"
	"fmt"

	"github.com/noosphere/sphereengine/pkg/codec"
)

// WalkNodes visits root and every structural child node CID reachable from
// it, in no particular order. It does not interpret leaf values (those are
// opaque to this package), so a caller wanting to follow CIDs embedded in
// values (e.g. a content index's memo pointers) must pair this with Iter.
// Used by pkg/replication to enumerate every HAMT node block a revision's
// three roots keep alive.
func WalkNodes(ctx context.Context, store BlockStore, root codec.CID, visit func(codec.CID) error) error {
	if err := visit(root); err != nil {
		return err
	}
	n, err := loadNode(ctx, store, root)
	if err != nil {
		return fmt.Errorf("hamt: walk %s: %w", root, err)
	}
	for _, p := range n.Pointers {
		if p.Child == nil {
			continue
		}
		if err := WalkNodes(ctx, store, *p.Child, visit); err != nil {
			return err
		}
	}
	return nil
}

// DiffNodes visits every structural node reachable from newRoot that is not
// shared (by CID) with the corresponding position in oldRoot. It is the
// node-level counterpart of Diff: where Diff yields changed keys, DiffNodes
// yields the changed tree blocks themselves, which is exactly the set an
// incremental replication stream has to carry. Subtrees whose root CID
// matches on both sides are skipped without loading them.
func DiffNodes(ctx context.Context, store BlockStore, oldRoot, newRoot codec.CID, visit func(codec.CID) error) error {
	if newRoot == codec.Undef || oldRoot == newRoot {
		return nil
	}
	if err := visit(newRoot); err != nil {
		return err
	}
	newN, err := loadNode(ctx, store, newRoot)
	if err != nil {
		return fmt.Errorf("hamt: diff nodes %s: %w", newRoot, err)
	}
	oldN := emptyNode()
	if oldRoot != codec.Undef {
		oldN, err = loadNode(ctx, store, oldRoot)
		if err != nil {
			return fmt.Errorf("hamt: diff nodes %s: %w", oldRoot, err)
		}
	}
	for idx := 0; idx < fanout; idx++ {
		if !newN.hasBit(idx) {
			continue
		}
		newP := newN.Pointers[newN.slotIndex(idx)]
		if !newP.isChild() {
			continue
		}
		oldChild := codec.Undef
		if oldN.hasBit(idx) {
			if oldP := oldN.Pointers[oldN.slotIndex(idx)]; oldP.isChild() {
				oldChild = *oldP.Child
			}
		}
		if err := DiffNodes(ctx, store, oldChild, *newP.Child, visit); err != nil {
			return err
		}
	}
	return nil
}
