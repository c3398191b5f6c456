package hamt

import (
	"context"
	"fmt"
	"testing"

	"github.com/noosphere/sphereengine/pkg/blockstore"
)

func TestEmptyRootDeterministic(t *testing.T) {
	ctx := context.Background()
	s1 := blockstore.NewMemory()
	s2 := blockstore.NewMemory()

	r1, err := EmptyRoot(ctx, s1)
	if err != nil {
		t.Fatalf("empty root 1: %v", err)
	}
	r2, err := EmptyRoot(ctx, s2)
	if err != nil {
		t.Fatalf("empty root 2: %v", err)
	}
	if r1 != r2 {
		t.Fatalf("empty roots differ: %s != %s", r1, r2)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := blockstore.NewMemory()
	root, err := EmptyRoot(ctx, s)
	if err != nil {
		t.Fatalf("empty root: %v", err)
	}

	want := map[string]string{}
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("key-%d", i)
		v := fmt.Sprintf("value-%d", i)
		want[k] = v
		root, err = Set(ctx, s, root, []byte(k), []byte(v))
		if err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	for k, v := range want {
		got, found, err := Get(ctx, s, root, []byte(k))
		if err != nil {
			t.Fatalf("get %s: %v", k, err)
		}
		if !found {
			t.Fatalf("key %s not found", k)
		}
		if string(got) != v {
			t.Fatalf("key %s: got %s want %s", k, got, v)
		}
	}

	kvch, errch := Iter(ctx, s, root)
	seen := map[string]string{}
	for kv := range kvch {
		seen[string(kv.Key)] = string(kv.Value)
	}
	if err := <-errch; err != nil {
		t.Fatalf("iter: %v", err)
	}
	if len(seen) != len(want) {
		t.Fatalf("iter yielded %d entries, want %d", len(seen), len(want))
	}
	for k, v := range want {
		if seen[k] != v {
			t.Fatalf("iter: key %s got %s want %s", k, seen[k], v)
		}
	}
}

func TestSetOverwriteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := blockstore.NewMemory()
	root, _ := EmptyRoot(ctx, s)

	r1, err := Set(ctx, s, root, []byte("k"), []byte("v1"))
	if err != nil {
		t.Fatalf("set v1: %v", err)
	}
	r1, err = Set(ctx, s, r1, []byte("k"), []byte("v2"))
	if err != nil {
		t.Fatalf("set v2: %v", err)
	}

	r2, err := Set(ctx, s, root, []byte("k"), []byte("v2"))
	if err != nil {
		t.Fatalf("direct set v2: %v", err)
	}

	if r1 != r2 {
		t.Fatalf("set(set(H,k,v1),k,v2) != set(H,k,v2): %s != %s", r1, r2)
	}
}

func TestRemoveRestoresOriginalRoot(t *testing.T) {
	ctx := context.Background()
	s := blockstore.NewMemory()
	root, _ := EmptyRoot(ctx, s)

	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("seed-%d", i)
		var err error
		root, err = Set(ctx, s, root, []byte(k), []byte(k))
		if err != nil {
			t.Fatalf("seed set: %v", err)
		}
	}

	withNew, err := Set(ctx, s, root, []byte("newkey"), []byte("newval"))
	if err != nil {
		t.Fatalf("set newkey: %v", err)
	}
	restored, err := Remove(ctx, s, withNew, []byte("newkey"))
	if err != nil {
		t.Fatalf("remove newkey: %v", err)
	}
	if restored != root {
		t.Fatalf("remove(set(H,k,v),k) != H: %s != %s", restored, root)
	}
}

func TestRemoveAllYieldsEmptyRoot(t *testing.T) {
	ctx := context.Background()
	s := blockstore.NewMemory()
	root, _ := EmptyRoot(ctx, s)
	empty := root

	keys := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("k%d", i)
		keys = append(keys, k)
		var err error
		root, err = Set(ctx, s, root, []byte(k), []byte(k))
		if err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	for _, k := range keys {
		var err error
		root, err = Remove(ctx, s, root, []byte(k))
		if err != nil {
			t.Fatalf("remove %s: %v", k, err)
		}
	}
	if root != empty {
		t.Fatalf("removing all keys did not converge to empty root: %s != %s", root, empty)
	}
}

// TestRemoveFlattensShrunkChildBucket forces a top-level bucket split (four
// keys hashing to the same depth-0 slot) and then removes one key, so the
// split child shrinks back to leafThreshold entries. The result must match a
// HAMT built by a direct Set of only the surviving keys: remove(set(H,k,v),k)
// must converge to the same shape a fresh build of the same content would,
// not merely to a logically-equivalent tree with a different root CID.
func TestRemoveFlattensShrunkChildBucket(t *testing.T) {
	ctx := context.Background()
	s := blockstore.NewMemory()

	buckets := map[int][]string{}
	var colliding []string
	for i := 0; len(colliding) == 0; i++ {
		k := fmt.Sprintf("collide-%d", i)
		idx := bucketIndex(hashKey([]byte(k)), 0)
		buckets[idx] = append(buckets[idx], k)
		if len(buckets[idx]) == leafThreshold+1 {
			colliding = buckets[idx]
		}
	}

	root, _ := EmptyRoot(ctx, s)
	for _, k := range colliding {
		var err error
		root, err = Set(ctx, s, root, []byte(k), []byte(k))
		if err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	shrunk, err := Remove(ctx, s, root, []byte(colliding[0]))
	if err != nil {
		t.Fatalf("remove %s: %v", colliding[0], err)
	}

	direct, _ := EmptyRoot(ctx, s)
	for _, k := range colliding[1:] {
		var err error
		direct, err = Set(ctx, s, direct, []byte(k), []byte(k))
		if err != nil {
			t.Fatalf("direct set %s: %v", k, err)
		}
	}

	if shrunk != direct {
		t.Fatalf("shrunk child was not flattened to the inline-bucket shape: %s != %s", shrunk, direct)
	}
}

func TestDiffMinimal(t *testing.T) {
	ctx := context.Background()
	s := blockstore.NewMemory()
	root, _ := EmptyRoot(ctx, s)

	for i := 0; i < 500; i++ {
		k := fmt.Sprintf("k%d", i)
		var err error
		root, err = Set(ctx, s, root, []byte(k), []byte("v0"))
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	newRoot, err := Set(ctx, s, root, []byte("k1"), []byte("v1-changed"))
	if err != nil {
		t.Fatalf("set changed: %v", err)
	}

	changes, errch := Diff(ctx, s, root, newRoot)
	var got []Change
	for c := range changes {
		got = append(got, c)
	}
	if err := <-errch; err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 change, got %d", len(got))
	}
	if string(got[0].Key) != "k1" || string(got[0].NewValue) != "v1-changed" {
		t.Fatalf("unexpected change: %+v", got[0])
	}
}

func TestDiffAddedAndRemoved(t *testing.T) {
	ctx := context.Background()
	s := blockstore.NewMemory()
	root, _ := EmptyRoot(ctx, s)
	root, _ = Set(ctx, s, root, []byte("a"), []byte("1"))
	root, _ = Set(ctx, s, root, []byte("b"), []byte("2"))

	newRoot, err := Remove(ctx, s, root, []byte("a"))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	newRoot, err = Set(ctx, s, newRoot, []byte("c"), []byte("3"))
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	changes, errch := Diff(ctx, s, root, newRoot)
	byKey := map[string]Change{}
	for c := range changes {
		byKey[string(c.Key)] = c
	}
	if err := <-errch; err != nil {
		t.Fatalf("diff: %v", err)
	}
	if ch, ok := byKey["a"]; !ok || ch.NewPresent || !ch.OldPresent {
		t.Fatalf("expected a removed, got %+v ok=%v", ch, ok)
	}
	if ch, ok := byKey["c"]; !ok || !ch.NewPresent || ch.OldPresent {
		t.Fatalf("expected c added, got %+v ok=%v", ch, ok)
	}
	if _, ok := byKey["b"]; ok {
		t.Fatalf("unchanged key b should not appear in diff")
	}
}
