package cluster

import "github.com/opencluster/opencluster/pkg/transport"

// RebalanceDecision names the rule fired by Decide, for metrics and logs
// (rebalance_decisions_total{kind=...}, SPEC_FULL §2.1).
type RebalanceDecision int

const (
	DecisionNone RebalanceDecision = iota
	DecisionSwap
	DecisionSendUnbacked
	DecisionBalance
	DecisionSplit
)

func (d RebalanceDecision) String() string {
	switch d {
	case DecisionSwap:
		return "swap"
	case DecisionSendUnbacked:
		return "send_unbacked"
	case DecisionBalance:
		return "balance"
	case DecisionSplit:
		return "split"
	default:
		return "none"
	}
}

// RebalancePlan is what Decide returns: either nothing to do, a bucket
// index to start migrating/swapping, or a mask to split to.
type RebalancePlan struct {
	Decision    RebalanceDecision
	BucketIndex uint64
	Kind        TransferKind
	NewMask     HashMask
}

// counts is the subset of Controller-owned counters the Rebalancer reads.
// Kept as a small value type so Decide stays a pure function over its
// inputs, easy to table-test (SPEC_FULL §2.1 "table-driven tests for the
// Rebalancer's decision procedure").
type counts struct {
	primaryCount   int
	secondaryCount int
	unbackedCount  int
	bucketTransfer bool
	activeNodes    int
	mask           HashMask
	minBuckets     int
}

// Decide runs the three-step procedure of spec §4.4 against a peer's
// LOADLEVELS reply, scanning bt in ascending index order and returning the
// first qualifying plan. peerCaps is the peer's advertised SERVERHELLO
// capability bitmask: a peer that never claimed CapSupportsPromoteSwap is
// never handed a swap, falling through to the balance/split steps instead
// (SPEC_FULL §4.7).
func Decide(bt *BucketTable, peerAddr string, primaryP, backupsP, transferringP int, peerCaps uint32, c counts) RebalancePlan {
	if c.bucketTransfer || transferringP != 0 {
		return RebalancePlan{Decision: DecisionNone}
	}

	// 1. Swap for load balance.
	if peerCaps&transport.CapSupportsPromoteSwap != 0 && c.primaryCount-1 >= c.secondaryCount+1 && backupsP > primaryP {
		for i := uint64(0); i < bt.Mask().Size(); i++ {
			r, ok := bt.Replica(i)
			if !ok || r.Role != RolePrimary || r.PeerBackup != peerAddr {
				continue
			}
			return RebalancePlan{Decision: DecisionSwap, BucketIndex: i, Kind: TransferPromoteSwap}
		}
	}

	// 2. Send an unbacked primary.
	if c.unbackedCount > 0 && uint64(primaryP+backupsP) < c.mask.Size() {
		for i := uint64(0); i < bt.Mask().Size(); i++ {
			r, ok := bt.Replica(i)
			if !ok || r.Role != RolePrimary || r.PeerBackup != "" {
				continue
			}
			return RebalancePlan{Decision: DecisionSendUnbacked, BucketIndex: i, Kind: TransferMigrate}
		}
	}

	// 3. Balance toward ideal, or split if ideal has gotten too small.
	if c.activeNodes > 0 {
		ideal := int(2*c.mask.Size()) / c.activeNodes
		if ideal < c.minBuckets {
			return RebalancePlan{Decision: DecisionSplit, NewMask: c.mask.Doubled()}
		}
		if primaryP+backupsP < ideal && c.primaryCount+c.secondaryCount > ideal {
			sendSecondary := c.secondaryCount >= c.primaryCount
			for i := uint64(0); i < bt.Mask().Size(); i++ {
				r, ok := bt.Replica(i)
				if !ok {
					continue
				}
				if sendSecondary {
					if r.Role != RoleSecondary || r.PeerSource == peerAddr {
						continue
					}
				} else {
					if r.Role != RolePrimary || r.PeerBackup == peerAddr {
						continue
					}
				}
				return RebalancePlan{Decision: DecisionBalance, BucketIndex: i, Kind: TransferMigrate}
			}
		}
	}

	return RebalancePlan{Decision: DecisionNone}
}
