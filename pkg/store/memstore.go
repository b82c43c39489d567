package store

// MemStore is the reference Store: a plain map guarded by nothing, because
// every Store lives inside exactly one BucketReplica and is only ever
// touched from the owning node's single event-loop goroutine (spec §5). A
// debug/status read that needs a consistent snapshot goes through that
// loop rather than locking MemStore directly.
type MemStore struct {
	items map[uint64]*Item

	parent     *MemStore
	parentKeep func(hash uint64) bool
	siblingRef *int // not set anywhere; siblings share only the parent pointer
}

// New creates an empty MemStore.
func New() *MemStore {
	return &MemStore{items: make(map[uint64]*Item)}
}

func (s *MemStore) Get(hash uint64) (Item, bool) {
	if it, ok := s.items[hash]; ok {
		return *it, true
	}
	if s.parent != nil {
		if it, ok := s.parent.Get(hash); ok {
			return it, true
		}
	}
	return Item{}, false
}

func (s *MemStore) Set(item Item) {
	item.Epoch = 0
	// Keep a name binding that arrived ahead of the value (SYNC_NAME
	// before SYNC) when the incoming item carries none of its own.
	if prev, ok := s.items[item.Hash]; ok && prev.HasName && !item.HasName {
		item.NameStr, item.HasName = prev.NameStr, true
		if item.NameInt == 0 {
			item.NameInt = prev.NameInt
		}
	}
	cp := item
	s.items[item.Hash] = &cp
}

func (s *MemStore) SetNameStr(hash uint64, name string) {
	it := s.getOrCreate(hash)
	it.NameStr = name
	it.HasName = true
	it.Epoch = 0
}

func (s *MemStore) SetNameInt(hash uint64, nameInt int64) {
	it := s.getOrCreate(hash)
	it.NameInt = nameInt
	it.HasName = true
	it.Epoch = 0
}

func (s *MemStore) getOrCreate(hash uint64) *Item {
	if it, ok := s.items[hash]; ok {
		return it
	}
	if s.parent != nil {
		if parentItem, ok := s.parent.Get(hash); ok {
			cp := parentItem
			s.items[hash] = &cp
			return s.items[hash]
		}
	}
	it := &Item{Hash: hash}
	s.items[hash] = it
	return it
}

func (s *MemStore) Delete(hash uint64) {
	delete(s.items, hash)
}

func (s *MemStore) Len() int {
	n := len(s.items)
	if s.parent != nil {
		for _, it := range s.parent.All() {
			if _, shadowed := s.items[it.Hash]; shadowed {
				continue
			}
			if s.parentKeep == nil || s.parentKeep(it.Hash) {
				n++
			}
		}
	}
	return n
}

func (s *MemStore) All() []Item {
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it)
	}
	if s.parent != nil {
		for _, it := range s.parent.All() {
			if _, shadowed := s.items[it.Hash]; shadowed {
				continue
			}
			if s.parentKeep == nil || s.parentKeep(it.Hash) {
				out = append(out, it)
			}
		}
	}
	return out
}

func (s *MemStore) PendingMigration(syncEpoch uint64, avail int) []Item {
	var out []Item
	for _, it := range s.All() {
		if len(out) >= avail {
			break
		}
		if it.Epoch >= syncEpoch {
			continue
		}
		// Stamp the item to this migration's sync_epoch (spec §4.5) before
		// handing it back, whether it lives in our own map or is still
		// chained to a split parent.
		local := s.getOrCreate(it.Hash)
		local.Epoch = syncEpoch
		stamped := *local
		out = append(out, stamped)
	}
	return out
}

// ConfirmMigrated is a bookkeeping no-op in this reference implementation:
// PendingMigration already committed the sync stamp at send time, so
// nothing further is required for a selected item to stay un-selected by a
// later PendingMigration call at the same sync_epoch. It exists so the
// Migration Engine has a named hook to call on SYNC_ACK/SYNC_NAME_ACK,
// matching the data_migrated step of the transfer protocol.
func (s *MemStore) ConfirmMigrated(hash uint64) {}

// AdoptSplitParent wires this store into a parent produced by a bucket
// split (spec §4.1). keep decides, for a given hash, whether this child
// (rather than its sibling) is responsible for eventually draining it out
// of parent.
func (s *MemStore) AdoptSplitParent(parent Store, keep func(hash uint64) bool) {
	p, ok := parent.(*MemStore)
	if !ok {
		return
	}
	s.parent = p
	s.parentKeep = keep
}

// DrainParent copies every parent entry this store owns under keep into
// its own map. It returns true once nothing is left chained to a parent,
// i.e. the parent can be released by whichever caller is tracking the
// split's shared refcount.
func (s *MemStore) DrainParent() bool {
	if s.parent == nil {
		return true
	}
	for _, it := range s.parent.All() {
		if _, already := s.items[it.Hash]; already {
			continue
		}
		if s.parentKeep != nil && !s.parentKeep(it.Hash) {
			continue
		}
		cp := it
		s.items[it.Hash] = &cp
	}
	s.parent = nil
	s.parentKeep = nil
	return true
}
