package cluster

import (
	"context"
	"fmt"

	"github.com/opencluster/opencluster/pkg/store"
	"github.com/opencluster/opencluster/pkg/transport"
)

// HashMaskEntry is the per-index view of which peer addresses currently
// serve a bucket's primary and secondary (spec §3).
type HashMaskEntry struct {
	PrimaryAddr   string
	SecondaryAddr string
}

// NotOwnedError is returned when the resolved bucket is not hosted on this
// node (spec §7 "NotOwned"). PrimaryAddr is the best known redirect.
type NotOwnedError struct{ PrimaryAddr string }

func (e *NotOwnedError) Error() string {
	return fmt.Sprintf("bucket: not owned here, primary is %q", e.PrimaryAddr)
}

// NotPrimaryError is returned when the request requires the primary role
// and this node holds only the secondary (spec §7 "NotPrimary").
type NotPrimaryError struct{ PrimaryAddr string }

func (e *NotPrimaryError) Error() string {
	return fmt.Sprintf("bucket: not primary here, primary is %q", e.PrimaryAddr)
}

// ErrKeyNotFound is returned by Get when the bucket is owned and primary
// but the key itself has no entry.
var ErrKeyNotFound = fmt.Errorf("bucket: key not found")

// BucketTable is the process-wide vector of length mask+1 (spec §3) plus
// its parallel HashMaskTable.
type BucketTable struct {
	mask      HashMask
	buckets   []*BucketReplica
	hashmasks []HashMaskEntry
}

// NewBucketTable allocates an empty table sized to mask.
func NewBucketTable(mask HashMask) *BucketTable {
	return &BucketTable{
		mask:      mask,
		buckets:   make([]*BucketReplica, mask.Size()),
		hashmasks: make([]HashMaskEntry, mask.Size()),
	}
}

func (t *BucketTable) Mask() HashMask { return t.mask }
func (t *BucketTable) Len() int       { return len(t.buckets) }

// Replica returns the replica at index i, if this node hosts it.
func (t *BucketTable) Replica(i uint64) (*BucketReplica, bool) {
	r := t.buckets[i]
	return r, r != nil
}

// Set installs r at its own Index.
func (t *BucketTable) Set(r *BucketReplica) {
	t.buckets[r.Index] = r
}

// Clear empties slot i.
func (t *BucketTable) Clear(i uint64) {
	t.buckets[i] = nil
}

// Entry returns the HashMaskEntry for index i.
func (t *BucketTable) Entry(i uint64) HashMaskEntry {
	return t.hashmasks[i]
}

// SetEntry overwrites the HashMaskEntry for index i.
func (t *BucketTable) SetEntry(i uint64, e HashMaskEntry) {
	t.hashmasks[i] = e
}

// resolve maps a key hash to its bucket index and, if hosted here, its
// replica.
func (t *BucketTable) resolve(keyHash uint64) (uint64, *BucketReplica) {
	idx := t.mask.BucketOf(keyHash)
	return idx, t.buckets[idx]
}

// Get implements spec §4.2 get(map_hash, key_hash).
func (t *BucketTable) Get(keyHash uint64) (store.Item, error) {
	idx, r := t.resolve(keyHash)
	if r == nil {
		return store.Item{}, &NotOwnedError{PrimaryAddr: t.hashmasks[idx].PrimaryAddr}
	}
	if r.Role != RolePrimary {
		return store.Item{}, &NotPrimaryError{PrimaryAddr: t.hashmasks[idx].PrimaryAddr}
	}
	item, ok := r.Store.Get(keyHash)
	if !ok {
		return store.Item{}, ErrKeyNotFound
	}
	return item, nil
}

// Store implements spec §4.2 store(...). backup, if non-nil, is the
// connected Client for the replica's current PeerBackup; when present the
// write is fanned out to it asynchronously (fire-and-forget: the caller
// does not wait on the backup's ACK before returning, matching the
// eventually-consistent backup-sync design of spec §1).
func (t *BucketTable) Store(ctx context.Context, item store.Item, backup transport.Client) error {
	idx, r := t.resolve(item.Hash)
	if r == nil {
		return &NotOwnedError{PrimaryAddr: t.hashmasks[idx].PrimaryAddr}
	}
	r.Store.Set(item)
	if backup != nil && r.PeerBackup != "" {
		payload := syncPayloadFor(t.mask, item)
		_ = backup.Send(ctx, payload)
	}
	return nil
}

// StoreNameStr implements spec §4.2 store_name_str: succeeds on either
// Primary or Secondary, the idempotent name-import path used ahead of a
// migrated value arriving.
func (t *BucketTable) StoreNameStr(hash uint64, name string) error {
	idx, r := t.resolve(hash)
	if r == nil {
		return &NotOwnedError{PrimaryAddr: t.hashmasks[idx].PrimaryAddr}
	}
	r.Store.SetNameStr(hash, name)
	return nil
}

// StoreNameInt implements spec §4.2 store_name_int.
func (t *BucketTable) StoreNameInt(hash uint64, nameInt int64) error {
	idx, r := t.resolve(hash)
	if r == nil {
		return &NotOwnedError{PrimaryAddr: t.hashmasks[idx].PrimaryAddr}
	}
	r.Store.SetNameInt(hash, nameInt)
	return nil
}

// GetPrimaryAddr implements spec §4.2 get_primary_addr: "" with ok=true
// means "me".
func (t *BucketTable) GetPrimaryAddr(keyHash uint64) (addr string, ok bool) {
	idx, r := t.resolve(keyHash)
	if r != nil && r.Role == RolePrimary && !r.MigratingAway() {
		return "", true
	}
	return t.hashmasks[idx].PrimaryAddr, false
}

// syncPayloadFor builds the transport.Frame carrying item as a SYNC
// request, used for both migration streaming and backup fan-out.
func syncPayloadFor(mask HashMask, item store.Item) transport.Frame {
	payload := transport.Sync{
		Map:     uint64(mask),
		Hash:    item.Hash,
		NameInt: item.NameInt,
		Expires: item.Expires,
		Value:   item.Value,
	}.Marshal()
	f := transport.Frame{
		Header:  transport.Header{Command: transport.CmdSync, ReplyCmd: transport.CmdReplySyncAck},
		Payload: payload,
	}
	f.Header.PayloadLen = uint32(len(f.Payload))
	return f
}
