package cluster

import (
	"time"

	"github.com/opencluster/opencluster/pkg/scheduler"
	"github.com/opencluster/opencluster/pkg/store"
	"github.com/opencluster/opencluster/pkg/transport"
)

// NodeRef is a stable handle to a peer: its address. Nodes are looked up
// through the Registry each time rather than held by pointer, avoiding the
// BucketReplica -> Node -> Client -> Node cycle spec §9 calls out.
type NodeRef = string

// Role is a replica's standing with respect to a bucket.
type Role int

const (
	RoleUninitialized Role = iota
	RolePrimary
	RoleSecondary
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return "uninitialized"
	}
}

// TransferKind distinguishes a full data move from a role-only swap.
type TransferKind int

const (
	TransferMigrate TransferKind = iota
	TransferPromoteSwap
)

func (k TransferKind) String() string {
	if k == TransferPromoteSwap {
		return "promote_swap"
	}
	return "migrate"
}

// TransferPhase is the Migration Engine's state (spec §4.5).
type TransferPhase int

const (
	PhaseOfferSent TransferPhase = iota
	PhaseStreaming
	PhaseFinalizing
	PhaseDone
	PhaseAborted
)

func (p TransferPhase) String() string {
	switch p {
	case PhaseOfferSent:
		return "offer_sent"
	case PhaseStreaming:
		return "streaming"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TransferState is present on a BucketReplica iff it is mid-migration
// (spec §3 "at most one replica in the table has transfer.is_some()").
type TransferState struct {
	Target     transport.Client
	TargetAddr NodeRef
	Kind       TransferKind
	Phase      TransferPhase
	InTransit  int
	SyncEpoch  uint64
	StartedAt  time.Time

	// nextRequestID is bumped for every outbound frame this transfer
	// sends, so replies can be correlated without a global request table.
	nextRequestID uint32

	// finalizingBackupNotified marks the Migrate/Primary-with-backup path
	// (§4.5, Open Question 1): the existing backup has been told about the
	// new primary and we're waiting on its ACK before dropping the local
	// replica.
	finalizingBackupNotified bool
}

func (t *TransferState) requestID() uint32 {
	t.nextRequestID++
	return t.nextRequestID
}

// PromotionState tracks an in-flight PROMOTE issued by the Shutdown
// Controller (spec §4.6).
type PromotionState int

const (
	NotPromoting PromotionState = iota
	Promoting
)

// BucketReplica is the per-shard record (spec §3). Present in the
// BucketTable only for indices this node hosts.
type BucketReplica struct {
	Index       uint64
	Role        Role
	PeerBackup  NodeRef
	PeerSource  NodeRef
	LoggingPeer NodeRef
	Transfer    *TransferState
	Promotion   PromotionState

	ShutdownTimer scheduler.TimerHandle
	// ShutdownInFlight is set once BucketShutdown has started a "migrate
	// to shed this unbacked primary" transfer for this replica.
	ShutdownInFlight bool

	Store store.Store
}

// NewPrimaryReplica creates a freshly initialized, unbacked primary, as
// produced by buckets_init (spec §3 "Lifecycles"). The receiving side of a
// Migrate builds its replica in acceptIncomingBucket instead.
func NewPrimaryReplica(index uint64, st store.Store) *BucketReplica {
	return &BucketReplica{Index: index, Role: RolePrimary, Store: st}
}

// HasBackup reports whether this primary currently has a backup peer.
func (b *BucketReplica) HasBackup() bool {
	return b.Role == RolePrimary && b.PeerBackup != ""
}

// MigratingAway reports whether the outbound transfer in progress, if any,
// will end with this node no longer serving as primary for the bucket:
// true for a PromoteSwap, and for a Migrate of a backed primary (whose
// Finalize path deletes the local replica, spec §4.5). Used by
// get_primary_addr (spec §4.2) to decide whether to answer "me".
func (b *BucketReplica) MigratingAway() bool {
	if b.Transfer == nil {
		return false
	}
	if b.Transfer.Kind == TransferPromoteSwap {
		return true
	}
	return b.Role == RolePrimary && b.PeerBackup != ""
}
