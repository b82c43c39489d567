// Package store defines the per-bucket key/value collaborator (spec §1,
// "per-bucket key/value storage and iteration"). The wire protocol and
// migration *decisions* live in modules/cluster; Store only holds data and
// exposes the primitives the Migration Engine needs to enumerate and stamp
// items during a streaming transfer (spec §4.5).
package store

// Item is one key/value record. Hash addresses it; NameStr/NameInt are the
// optional name bindings established by SYNC_NAME/store_name_* (spec §4.2)
// ahead of the value itself arriving. Epoch is the migrate_sync stamp
// described in spec §4.5: an item is eligible for re-sending in a
// migration whenever Epoch is below that migration's sync_epoch.
type Item struct {
	Hash    uint64
	NameStr string
	NameInt int64
	HasName bool
	Expires int32
	Value   []byte
	Epoch   uint64
}

// Store is a single bucket's contents.
type Store interface {
	// Get returns the item stored at hash, if any.
	Get(hash uint64) (Item, bool)

	// Set writes value (and any name bindings already known) at hash,
	// taking ownership of Value/NameStr (spec §4.2). Set always resets
	// Epoch to 0: a freshly written item is "dirty" with respect to every
	// future migration's sync_epoch, however large, since migrate_sync only
	// grows (spec §8 law 8).
	Set(item Item)

	// SetNameStr binds a string name to hash without touching its value,
	// for the idempotent SYNC_NAME import path (spec §4.2).
	SetNameStr(hash uint64, name string)

	// SetNameInt binds an integer name to hash without touching its value.
	SetNameInt(hash uint64, nameInt int64)

	// Delete removes hash's entry, if any.
	Delete(hash uint64)

	// Len returns the number of items reachable from this Store, including
	// any not yet drained from a split parent (spec §4.1).
	Len() int

	// All returns every reachable item, parent-chained entries included.
	// Used by iteration, the status/debug surface, and tests.
	All() []Item

	// PendingMigration selects up to avail items whose Epoch is below
	// syncEpoch, stamps each selected item's Epoch to syncEpoch (the "sync
	// stamp" of spec §4.5), and returns them. An empty result means the
	// bucket has nothing left to send at this sync_epoch.
	PendingMigration(syncEpoch uint64, avail int) []Item

	// ConfirmMigrated is the data_migrated hook: called once the target
	// has ACKed hash, clearing any in-flight bookkeeping distinct from the
	// Epoch stamp already applied by PendingMigration.
	ConfirmMigrated(hash uint64)

	// AdoptSplitParent links this Store to a pre-split Store so that reads
	// of not-yet-rehomed keys fall through to it, and so iteration walks
	// the chain once (spec §4.1 "Store chain after split"). keep reports
	// whether a given hash belongs to this child under the new mask;
	// parent-chained entries that keep rejects are left for the sibling.
	AdoptSplitParent(parent Store, keep func(hash uint64) bool)

	// DrainParent copies every parent entry this Store has adopted
	// responsibility for into its own map, then drops this Store's own
	// reference to the parent; the sibling keeps its reference until it
	// drains too. Returns true once this Store has no parent left to drain.
	DrainParent() bool
}
