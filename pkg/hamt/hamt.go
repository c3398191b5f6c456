// Package hamt implements the persistent, block-store-backed hash-array
// mapped trie used for every intra-revision index in a sphere: the content
// index (slug → memo CID), the address book (petname → entry), and the
// authority index (key DID → delegation record, plus revocations).
//
// Every inner node is itself a block: mutating operations thread a new root
// CID back to the caller rather than mutating in place, so a HAMT root is a
// cheap, shareable, content-addressed snapshot. Keys and values are opaque
// byte strings; callers encode/decode their own typed payloads with
// pkg/codec before calling Set/Get.
package hamt

import (
	"context"
	"fmt"
	"math/bits"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/noosphere/sphereengine/pkg/codec"
)

const (
	// bitsPerLevel is the fan-out exponent: 2^5 = 32-way branching.
	bitsPerLevel = 5
	fanout       = 1 << bitsPerLevel
	bitmapBytes  = fanout / 8
	// leafThreshold is the small constant above which a bucket splits into
	// a child node.
	leafThreshold = 3
)

// BlockStore is the minimal capability a HAMT needs from the block store:
// content-addressed put/get. It is satisfied by blockstore.Store without
// an import-time dependency on that package (capability-set composition,
// not inheritance).
type BlockStore interface {
	Put(ctx context.Context, data []byte) (codec.CID, error)
	Get(ctx context.Context, c codec.CID) ([]byte, error)
}

// KV is one stored (key, value) pair.
type KV struct {
	Key   []byte `cbor:"key"`
	Value []byte `cbor:"value"`
}

// pointer is one populated slot: either a link to a child node, or an inline
// bucket of leaves. Exactly one of Child/Leaves is populated; this is the
// in-memory analogue of the wire schema's "CID | [[key,value],...]" union.
type pointer struct {
	Child  *codec.CID `cbor:"child,omitempty"`
	Leaves []KV       `cbor:"leaves,omitempty"`
}

func (p pointer) isChild() bool { return p.Child != nil }

// node is one HAMT bucket: a bitmap marking populated slots at this level,
// plus one pointer per populated slot in bit order.
type node struct {
	Bitmap   []byte    `cbor:"bitmap"`
	Pointers []pointer `cbor:"pointers"`
}

func emptyNode() *node {
	return &node{Bitmap: make([]byte, bitmapBytes)}
}

func (n *node) hasBit(idx int) bool {
	return n.Bitmap[idx/8]>>(7-uint(idx%8))&1 == 1
}

func (n *node) setBit(idx int) { n.Bitmap[idx/8] |= 1 << (7 - uint(idx%8)) }

func (n *node) clearBit(idx int) { n.Bitmap[idx/8] &^= 1 << (7 - uint(idx%8)) }

// slotIndex returns the index into Pointers for bit idx, i.e. the number of
// set bits strictly before idx.
func (n *node) slotIndex(idx int) int {
	count := 0
	for i := 0; i < idx/8; i++ {
		count += bits.OnesCount8(n.Bitmap[i])
	}
	// bits strictly before idx within the partial byte
	mask := byte(0xFF) << (8 - uint(idx%8))
	count += bits.OnesCount8(n.Bitmap[idx/8] & mask)
	return count
}

func hashKey(key []byte) [32]byte {
	return blake3.Sum256(key)
}

func bucketIndex(digest [32]byte, depth int) int {
	bitOffset := depth * bitsPerLevel
	idx := 0
	for i := 0; i < bitsPerLevel; i++ {
		bit := bitOffset + i
		byteI := bit / 8
		if byteI >= len(digest) {
			// Ran off the end of the 256-bit digest (depth > ~51): fold by
			// re-hashing the digest itself to extend the path
			// deterministically instead of panicking on pathological
			// key collisions.
			ext := blake3.Sum256(digest[:])
			return bucketIndex(ext, i)
		}
		bitI := 7 - uint(bit%8)
		b := (digest[byteI] >> bitI) & 1
		idx = (idx << 1) | int(b)
	}
	return idx
}

func loadNode(ctx context.Context, store BlockStore, c codec.CID) (*node, error) {
	if c == codec.Undef {
		return emptyNode(), nil
	}
	raw, err := store.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("hamt: load node %s: %w", c, err)
	}
	var n node
	if err := codec.Decode(raw, &n); err != nil {
		return nil, fmt.Errorf("hamt: decode node %s: %w", c, err)
	}
	return &n, nil
}

func storeNode(ctx context.Context, store BlockStore, n *node) (codec.CID, error) {
	raw, c, err := codec.EncodeAndCID(n)
	if err != nil {
		return codec.Undef, fmt.Errorf("hamt: encode node: %w", err)
	}
	if _, err := store.Put(ctx, raw); err != nil {
		return codec.Undef, fmt.Errorf("hamt: put node: %w", err)
	}
	return c, nil
}

// EmptyRoot returns the canonical empty-root CID: inserting into and then
// removing every key from any HAMT must converge back to this CID.
func EmptyRoot(ctx context.Context, store BlockStore) (codec.CID, error) {
	return storeNode(ctx, store, emptyNode())
}

// Get looks up key in the HAMT rooted at root.
func Get(ctx context.Context, store BlockStore, root codec.CID, key []byte) (value []byte, found bool, err error) {
	digest := hashKey(key)
	cur := root
	depth := 0
	for {
		n, err := loadNode(ctx, store, cur)
		if err != nil {
			return nil, false, err
		}
		idx := bucketIndex(digest, depth)
		if !n.hasBit(idx) {
			return nil, false, nil
		}
		p := n.Pointers[n.slotIndex(idx)]
		if p.isChild() {
			cur = *p.Child
			depth++
			continue
		}
		for _, kv := range p.Leaves {
			if string(kv.Key) == string(key) {
				return kv.Value, true, nil
			}
		}
		return nil, false, nil
	}
}

// Set inserts or overwrites key→value in the HAMT rooted at root, returning
// the new root CID. set(set(H,k,v1),k,v2) == set(H,k,v2) because the leaf
// bucket replaces (never appends) a matching key.
func Set(ctx context.Context, store BlockStore, root codec.CID, key, value []byte) (codec.CID, error) {
	digest := hashKey(key)
	return setAt(ctx, store, root, digest, 0, key, value)
}

func setAt(ctx context.Context, store BlockStore, cur codec.CID, digest [32]byte, depth int, key, value []byte) (codec.CID, error) {
	n, err := loadNode(ctx, store, cur)
	if err != nil {
		return codec.Undef, err
	}
	idx := bucketIndex(digest, depth)

	if !n.hasBit(idx) {
		n.setBit(idx)
		slot := n.slotIndex(idx)
		p := pointer{Leaves: []KV{{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)}}}
		n.Pointers = insertPointer(n.Pointers, slot, p)
		return storeNode(ctx, store, n)
	}

	slot := n.slotIndex(idx)
	p := n.Pointers[slot]
	if p.isChild() {
		newChild, err := setAt(ctx, store, *p.Child, digest, depth+1, key, value)
		if err != nil {
			return codec.Undef, err
		}
		n.Pointers[slot] = pointer{Child: &newChild}
		return storeNode(ctx, store, n)
	}

	// leaf bucket: replace if present, else insert in key order (and split
	// if over threshold). Keeping buckets sorted by key makes a bucket's
	// encoding depend only on its contents, not on insertion order.
	leaves := p.Leaves
	replaced := false
	for i, kv := range leaves {
		if string(kv.Key) == string(key) {
			leaves[i].Value = append([]byte(nil), value...)
			replaced = true
			break
		}
	}
	if !replaced {
		leaves = append(leaves, KV{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
		sortLeaves(leaves)
	}

	if len(leaves) <= leafThreshold {
		n.Pointers[slot] = pointer{Leaves: leaves}
		return storeNode(ctx, store, n)
	}

	// Split: push every leaf in this bucket down into a fresh child node.
	childRoot, err := EmptyRoot(ctx, store)
	if err != nil {
		return codec.Undef, err
	}
	for _, kv := range leaves {
		childRoot, err = setAt(ctx, store, childRoot, hashKey(kv.Key), depth+1, kv.Key, kv.Value)
		if err != nil {
			return codec.Undef, err
		}
	}
	n.Pointers[slot] = pointer{Child: &childRoot}
	return storeNode(ctx, store, n)
}

func insertPointer(ps []pointer, at int, p pointer) []pointer {
	ps = append(ps, pointer{})
	copy(ps[at+1:], ps[at:])
	ps[at] = p
	return ps
}

func removePointer(ps []pointer, at int) []pointer {
	if len(ps) == 1 {
		// nil, not an empty slice: an emptied node must encode exactly
		// like emptyNode() so it reconverges to EmptyRoot.
		return nil
	}
	return append(ps[:at], ps[at+1:]...)
}

func sortLeaves(leaves []KV) {
	sort.Slice(leaves, func(i, j int) bool { return string(leaves[i].Key) < string(leaves[j].Key) })
}

// Remove deletes key from the HAMT rooted at root, returning the new root
// CID. Removing a key that is not present is a no-op (returns root
// unchanged). remove(set(H,k,v),k) == H up to canonical-empty-node equality.
func Remove(ctx context.Context, store BlockStore, root codec.CID, key []byte) (codec.CID, error) {
	digest := hashKey(key)
	newRoot, _, err := removeAt(ctx, store, root, digest, 0, key)
	return newRoot, err
}

func removeAt(ctx context.Context, store BlockStore, cur codec.CID, digest [32]byte, depth int, key []byte) (codec.CID, bool, error) {
	n, err := loadNode(ctx, store, cur)
	if err != nil {
		return codec.Undef, false, err
	}
	idx := bucketIndex(digest, depth)
	if !n.hasBit(idx) {
		return cur, false, nil
	}
	slot := n.slotIndex(idx)
	p := n.Pointers[slot]

	if p.isChild() {
		newChild, removed, err := removeAt(ctx, store, *p.Child, digest, depth+1, key)
		if err != nil {
			return codec.Undef, false, err
		}
		if !removed {
			return cur, false, nil
		}
		empty, err := EmptyRoot(ctx, store)
		if err != nil {
			return codec.Undef, false, err
		}
		switch {
		case newChild == empty:
			n.clearBit(idx)
			n.Pointers = removePointer(n.Pointers, slot)
		default:
			// The child shrank but didn't vanish entirely: if it now holds
			// at most leafThreshold entries, flatten it back into an inline
			// leaf bucket so the tree reconverges to the shape a direct Set
			// of the surviving keys alone would have produced.
			leaves, err := flatten(ctx, store, newChild)
			if err != nil {
				return codec.Undef, false, err
			}
			if len(leaves) <= leafThreshold {
				sortLeaves(leaves)
				n.Pointers[slot] = pointer{Leaves: leaves}
			} else {
				n.Pointers[slot] = pointer{Child: &newChild}
			}
		}
		newCur, err := storeNode(ctx, store, n)
		return newCur, true, err
	}

	found := -1
	for i, kv := range p.Leaves {
		if string(kv.Key) == string(key) {
			found = i
			break
		}
	}
	if found == -1 {
		return cur, false, nil
	}
	remaining := append(append([]KV(nil), p.Leaves[:found]...), p.Leaves[found+1:]...)
	if len(remaining) == 0 {
		n.clearBit(idx)
		n.Pointers = removePointer(n.Pointers, slot)
	} else {
		n.Pointers[slot] = pointer{Leaves: remaining}
	}
	newCur, err := storeNode(ctx, store, n)
	return newCur, true, err
}

// Iter streams every (key, value) pair reachable from root. The returned
// channel is closed (with no error on the error channel) once iteration
// completes or ctx is cancelled. Iteration is a snapshot over root: it is
// unaffected by any concurrent mutation that produces a different root.
func Iter(ctx context.Context, store BlockStore, root codec.CID) (<-chan KV, <-chan error) {
	out := make(chan KV, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		if err := walk(ctx, store, root, out); err != nil {
			errc <- err
		}
	}()
	return out, errc
}

func walk(ctx context.Context, store BlockStore, root codec.CID, out chan<- KV) error {
	n, err := loadNode(ctx, store, root)
	if err != nil {
		return err
	}
	for _, p := range n.Pointers {
		if p.isChild() {
			if err := walk(ctx, store, *p.Child, out); err != nil {
				return err
			}
			continue
		}
		for _, kv := range p.Leaves {
			select {
			case out <- kv:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Change is one entry in a structural diff between two HAMT roots.
// OldPresent/NewPresent distinguish "value equals zero bytes" from "key
// absent on that side".
type Change struct {
	Key        []byte
	OldValue   []byte
	NewValue   []byte
	OldPresent bool
	NewPresent bool
}

// Diff computes the structural diff between oldRoot and newRoot, visiting
// only the subtrees whose CIDs differ between the two trees. This is the
// key performance contract: diffing two HAMTs that share most structure
// reads O(changed-keys · log N) blocks, not O(N).
func Diff(ctx context.Context, store BlockStore, oldRoot, newRoot codec.CID) (<-chan Change, <-chan error) {
	out := make(chan Change, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		if err := diffRoots(ctx, store, oldRoot, newRoot, out); err != nil {
			errc <- err
		}
	}()
	return out, errc
}

func diffRoots(ctx context.Context, store BlockStore, oldC, newC codec.CID, out chan<- Change) error {
	if oldC == newC {
		return nil
	}
	oldN, err := loadNode(ctx, store, oldC)
	if err != nil {
		return err
	}
	newN, err := loadNode(ctx, store, newC)
	if err != nil {
		return err
	}
	for idx := 0; idx < fanout; idx++ {
		oldHas := oldN.hasBit(idx)
		newHas := newN.hasBit(idx)
		if !oldHas && !newHas {
			continue
		}
		var oldP, newP pointer
		if oldHas {
			oldP = oldN.Pointers[oldN.slotIndex(idx)]
		}
		if newHas {
			newP = newN.Pointers[newN.slotIndex(idx)]
		}
		if err := diffSlot(ctx, store, oldHas, oldP, newHas, newP, out); err != nil {
			return err
		}
	}
	return nil
}

func diffSlot(ctx context.Context, store BlockStore, oldHas bool, oldP pointer, newHas bool, newP pointer, out chan<- Change) error {
	switch {
	case oldHas && !newHas:
		return emitAllRemoved(ctx, store, oldP, out)
	case !oldHas && newHas:
		return emitAllAdded(ctx, store, newP, out)
	case oldP.isChild() && newP.isChild():
		if *oldP.Child == *newP.Child {
			return nil
		}
		return diffRoots(ctx, store, *oldP.Child, *newP.Child, out)
	case !oldP.isChild() && !newP.isChild():
		return diffLeaves(ctx, oldP.Leaves, newP.Leaves, out)
	default:
		// One side split into a child, the other is still a leaf bucket:
		// flatten both (bounded by leafThreshold+1 keys) and diff by key.
		oldLeaves := oldP.Leaves
		if oldP.isChild() {
			var err error
			oldLeaves, err = flatten(ctx, store, *oldP.Child)
			if err != nil {
				return err
			}
		}
		newLeaves := newP.Leaves
		if newP.isChild() {
			var err error
			newLeaves, err = flatten(ctx, store, *newP.Child)
			if err != nil {
				return err
			}
		}
		return diffLeaves(ctx, oldLeaves, newLeaves, out)
	}
}

func sendChange(ctx context.Context, out chan<- Change, ch Change) error {
	select {
	case out <- ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func flatten(ctx context.Context, store BlockStore, root codec.CID) ([]KV, error) {
	var kvs []KV
	kvch, errch := Iter(ctx, store, root)
	for kv := range kvch {
		kvs = append(kvs, kv)
	}
	if err := <-errch; err != nil {
		return nil, err
	}
	return kvs, nil
}

func diffLeaves(ctx context.Context, oldLeaves, newLeaves []KV, out chan<- Change) error {
	oldIdx := make(map[string][]byte, len(oldLeaves))
	for _, kv := range oldLeaves {
		oldIdx[string(kv.Key)] = kv.Value
	}
	newIdx := make(map[string][]byte, len(newLeaves))
	for _, kv := range newLeaves {
		newIdx[string(kv.Key)] = kv.Value
	}
	for k, ov := range oldIdx {
		nv, stillPresent := newIdx[k]
		if stillPresent && string(nv) == string(ov) {
			continue
		}
		if err := sendChange(ctx, out, Change{Key: []byte(k), OldValue: ov, OldPresent: true, NewValue: nv, NewPresent: stillPresent}); err != nil {
			return err
		}
	}
	for k, nv := range newIdx {
		if _, ok := oldIdx[k]; ok {
			continue
		}
		if err := sendChange(ctx, out, Change{Key: []byte(k), NewValue: nv, NewPresent: true}); err != nil {
			return err
		}
	}
	return nil
}

func emitAllRemoved(ctx context.Context, store BlockStore, p pointer, out chan<- Change) error {
	leaves := p.Leaves
	if p.isChild() {
		var err error
		leaves, err = flatten(ctx, store, *p.Child)
		if err != nil {
			return err
		}
	}
	for _, kv := range leaves {
		if err := sendChange(ctx, out, Change{Key: kv.Key, OldValue: kv.Value, OldPresent: true}); err != nil {
			return err
		}
	}
	return nil
}

func emitAllAdded(ctx context.Context, store BlockStore, p pointer, out chan<- Change) error {
	leaves := p.Leaves
	if p.isChild() {
		var err error
		leaves, err = flatten(ctx, store, *p.Child)
		if err != nil {
			return err
		}
	}
	for _, kv := range leaves {
		if err := sendChange(ctx, out, Change{Key: kv.Key, NewValue: kv.Value, NewPresent: true}); err != nil {
			return err
		}
	}
	return nil
}
