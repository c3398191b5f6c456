package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/noosphere/sphereengine/pkg/blockstore"
)

// acquirePushLock implements the gateway's at-most-once-per-sphere push
// serialization as a compare-and-swap marker
// in the gateway-state namespace: a push is admitted only if no marker is
// currently set for sphereID, and releases by clearing it back to absent.
// Distinct spheres never contend on the same key, so pushes for different
// spheres proceed fully in parallel.
func acquirePushLock(ctx context.Context, store blockstore.KVStore, sphereID string) (release func(context.Context), acquired bool, err error) {
	marker := []byte(uuid.NewString())
	swapped, err := store.CompareAndSwap(ctx, blockstore.NamespaceGatewayState, lockKey(sphereID), nil, marker)
	if err != nil {
		return nil, false, fmt.Errorf("sync: acquire push lock for %s: %w", sphereID, err)
	}
	if !swapped {
		return nil, false, nil
	}
	release = func(ctx context.Context) {
		_, _ = store.CompareAndSwap(ctx, blockstore.NamespaceGatewayState, lockKey(sphereID), marker, nil)
	}
	return release, true, nil
}

func lockKey(sphereID string) string { return "push-lock:" + sphereID }
