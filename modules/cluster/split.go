package cluster

import (
	"fmt"

	"github.com/opencluster/opencluster/pkg/store"
)

// SplitTo grows the table to newMask (spec §4.1). It reallocates both the
// BucketTable and the HashMaskTable to newMask.Size() entries; for each new
// index i, its pre-split index is i & oldMask. Populated old slots produce
// two new replicas (one per sibling index that maps back to the same old
// index) that initially share the old Store via AdoptSplitParent, so reads
// of not-yet-rehomed keys keep working until each sibling drains its half.
func (t *BucketTable) SplitTo(newMask HashMask) error {
	if !t.mask.CanSplitTo(newMask) {
		return fmt.Errorf("cluster: invalid split from mask %#x to %#x", t.mask, newMask)
	}

	oldMask := t.mask
	oldBuckets := t.buckets
	oldEntries := t.hashmasks

	newBuckets := make([]*BucketReplica, newMask.Size())
	newEntries := make([]HashMaskEntry, newMask.Size())

	// Track, per old index, the sibling pair of new indices. The wiring
	// loop below does not read it: each child adopts the shared parent on
	// its own.
	siblings := make(map[uint64][]uint64)
	for i := uint64(0); i < newMask.Size(); i++ {
		oldIdx := i & uint64(oldMask)
		siblings[oldIdx] = append(siblings[oldIdx], i)
	}

	for i := uint64(0); i < newMask.Size(); i++ {
		oldIdx := i & uint64(oldMask)
		newEntries[i] = oldEntries[oldIdx]

		oldReplica := oldBuckets[oldIdx]
		if oldReplica == nil {
			continue
		}

		leaf := store.New()
		newIndex := i
		leaf.AdoptSplitParent(oldReplica.Store, func(hash uint64) bool {
			return newMask.BucketOf(hash) == newIndex
		})

		newBuckets[i] = &BucketReplica{
			Index:       i,
			Role:        oldReplica.Role,
			PeerBackup:  oldReplica.PeerBackup,
			PeerSource:  oldReplica.PeerSource,
			LoggingPeer: oldReplica.LoggingPeer,
			Store:       leaf,
		}
	}

	t.mask = newMask
	t.buckets = newBuckets
	t.hashmasks = newEntries
	return nil
}

// DrainSplitParents walks every replica produced by a prior split and
// copies out any keys it still owes to its own Store, releasing the
// shared parent once drained. The rebalancer's split decision calls this
// just before a further SplitTo, so every chain is at most one parent
// deep (spec §9 "Store chain after split").
func (t *BucketTable) DrainSplitParents() {
	for _, r := range t.buckets {
		if r == nil {
			continue
		}
		r.Store.DrainParent()
	}
}
