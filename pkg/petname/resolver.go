package petname

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/sphere"
)

// NNS is the record-publish/resolve interface the core consumes; the DHT
// implementation behind it is out of scope.
type NNS interface {
	Resolve(ctx context.Context, identityDID string) (*LinkRecord, error)
	Publish(ctx context.Context, record *LinkRecord) error
}

// Fetcher brings the blocks reachable from a peer's revision locally
// available, invoked when a resolved revision is not yet present in the
// local block store. No package in this module implements it; with a nil
// Fetcher such a hop is reported as Unreachable.
type Fetcher interface {
	Fetch(ctx context.Context, identityDID string, revision codec.CID) error
}

// freshnessWindow bounds how long a cached link record is trusted before a
// resolution hop consults NNS again.
const freshnessWindow = 5 * time.Minute

// Outcome is a single hop's resolution result. Unreachable outcomes are not
// errors: callers distinguish "the name isn't
// bound" from transport failure by inspecting Unreachable/Reason.
type Outcome struct {
	Identity    string
	Revision    codec.CID
	Unreachable bool
	Hop         int
	Reason      string
}

// Resolver resolves dotted petnames, caching hop results for its lifetime
//.
type Resolver struct {
	store   blockstore.Backend
	nns     NNS
	fetcher Fetcher

	mu    sync.Mutex
	cache map[string]LinkRecord // identity DID -> best link record seen this lifetime
}

// NewResolver builds a Resolver over store, consulting nns for revisions not
// covered by a fresh cached link record, and fetcher to bring missing blocks
// local.
func NewResolver(store blockstore.Backend, nns NNS, fetcher Fetcher) *Resolver {
	return &Resolver{store: store, nns: nns, fetcher: fetcher, cache: map[string]LinkRecord{}}
}

// Resolve walks a dotted petname left-to-right starting from root's address
// book. A single (non-dotted) name resolves in one hop.
func (r *Resolver) Resolve(ctx context.Context, root *sphere.Context, dotted string) (Outcome, error) {
	segments := strings.Split(dotted, ".")
	cur := root
	var identity string
	var revision codec.CID

	for hop, seg := range segments {
		entry, err := cur.ResolvePetname(ctx, seg)
		if err != nil {
			return Outcome{Hop: hop, Unreachable: true, Reason: "petname not bound: " + err.Error()}, nil
		}
		identity = entry.Identity

		rec, ok := r.bestLinkRecord(ctx, identity, entry)
		if !ok {
			return Outcome{Identity: identity, Hop: hop, Unreachable: true, Reason: "no reachable link record for identity"}, nil
		}
		revision = rec.Revision

		if has, err := cur.Store().Has(ctx, revision); err != nil {
			return Outcome{}, err
		} else if !has {
			if r.fetcher == nil {
				return Outcome{Identity: identity, Hop: hop, Unreachable: true, Reason: "revision not locally available and no fetcher configured"}, nil
			}
			if err := r.fetcher.Fetch(ctx, identity, revision); err != nil {
				return Outcome{Identity: identity, Hop: hop, Unreachable: true, Reason: "fetch failed: " + err.Error()}, nil
			}
		}

		if cur.IsMutable() {
			r.cacheHint(ctx, cur, seg, rec, revision)
		}

		if hop == len(segments)-1 {
			return Outcome{Identity: identity, Revision: revision}, nil
		}
		next, err := sphere.Open(ctx, r.store, identity, revision)
		if err != nil {
			return Outcome{Identity: identity, Hop: hop, Unreachable: true, Reason: "open failed: " + err.Error()}, nil
		}
		cur = next
	}
	return Outcome{Identity: identity, Revision: revision}, nil
}

// cacheHint persists rec as cur's on-disk resolution-cache hint for seg,
// putting the record itself as a block so AddressBookEntry.LinkRecord has
// something to point at. Failures are swallowed: this is the "opportunistic"
// on-disk cache, never the resolution's source of truth; the
// in-memory r.cache above already satisfies the per-lifetime caching
// requirement on its own.
func (r *Resolver) cacheHint(ctx context.Context, cur *sphere.Context, seg string, rec LinkRecord, revision codec.CID) {
	raw, err := codec.Encode(&rec)
	if err != nil {
		return
	}
	linkCID, err := cur.Store().Put(ctx, raw)
	if err != nil {
		return
	}
	_ = cur.CacheLinkRecordHint(ctx, seg, linkCID, rec.SignedAt, revision)
}

// bestLinkRecord returns the freshest known link record for identity,
// preferring a cached record still inside freshnessWindow: first the
// in-memory cache from this resolver's own lifetime, falling back to
// entry's on-disk resolution-cache hint (populated by a previous Resolve's
// cacheHint) when this is the first hop to see identityDID, otherwise
// consulting NNS and folding the result into the cache per the tie-break
// policy in Fresher.
func (r *Resolver) bestLinkRecord(ctx context.Context, identityDID string, entry *sphere.AddressBookEntry) (LinkRecord, bool) {
	r.mu.Lock()
	cached, haveCached := r.cache[identityDID]
	r.mu.Unlock()

	if !haveCached && entry != nil && entry.LinkRecord != codec.Undef {
		if onDisk, ok := r.onDiskHint(ctx, entry.LinkRecord); ok {
			cached, haveCached = onDisk, true
			r.mu.Lock()
			r.cache[identityDID] = cached
			r.mu.Unlock()
		}
	}

	if haveCached && time.Now().Unix()-cached.SignedAt < int64(freshnessWindow.Seconds()) {
		return cached, true
	}

	if r.nns == nil {
		if haveCached {
			return cached, true
		}
		return LinkRecord{}, false
	}
	fetched, err := r.nns.Resolve(ctx, identityDID)
	if err != nil || fetched == nil {
		if haveCached {
			return cached, true
		}
		return LinkRecord{}, false
	}
	if !fetched.VerifySignature() {
		if haveCached {
			return cached, true
		}
		return LinkRecord{}, false
	}

	best := *fetched
	if haveCached && Fresher(cached, best) {
		best = cached
	}
	r.mu.Lock()
	r.cache[identityDID] = best
	r.mu.Unlock()
	return best, true
}

// onDiskHint loads and verifies the link record an address-book entry's
// cache hint points at.
func (r *Resolver) onDiskHint(ctx context.Context, linkRecordCID codec.CID) (LinkRecord, bool) {
	raw, err := r.store.Get(ctx, linkRecordCID)
	if err != nil {
		return LinkRecord{}, false
	}
	var rec LinkRecord
	if err := codec.Decode(raw, &rec); err != nil {
		return LinkRecord{}, false
	}
	if !rec.VerifySignature() {
		return LinkRecord{}, false
	}
	return rec, true
}
