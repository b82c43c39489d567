package cluster

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/opencluster/opencluster/pkg/store"
	"github.com/opencluster/opencluster/pkg/transport"
)

// beginTransfer starts the Idle -> OfferSent transition for plan (spec
// §4.5). It is the only place that sets bucketTransfer=true and installs a
// TransferState, preserving invariant 2 ("at most one replica has
// transfer.is_some()").
func (c *Controller) beginTransfer(ctx context.Context, plan RebalancePlan, peerAddr string) error {
	if c.counters.bucketTransfer {
		return fmt.Errorf("cluster: transfer already in flight, cannot start bucket %d", plan.BucketIndex)
	}
	r, ok := c.bt.Replica(plan.BucketIndex)
	if !ok {
		return fmt.Errorf("cluster: bucket %d not hosted here", plan.BucketIndex)
	}

	client, err := c.dialOrReuse(ctx, peerAddr)
	if err != nil {
		return fmt.Errorf("cluster: dialing migration target %s: %w", peerAddr, err)
	}

	ts := &TransferState{Target: client, TargetAddr: peerAddr, Kind: plan.Kind, Phase: PhaseOfferSent, StartedAt: c.sched.Now()}
	r.Transfer = ts
	c.setBucketTransfer(true)

	switch plan.Kind {
	case TransferPromoteSwap:
		payload := transport.ControlBucket{Mask: uint64(c.bt.Mask()), Hash: plan.BucketIndex, Level: uint8(r.Role)}
		return client.Send(ctx, frameFor(transport.CmdControlBucket, transport.CmdReplyControlBucketComplete, ts.requestID(), payload.Marshal()))
	default:
		payload := transport.BucketMaskHash{Mask: uint64(c.bt.Mask()), Hash: plan.BucketIndex}
		return client.Send(ctx, frameFor(transport.CmdAcceptBucket, transport.CmdReplyAcceptingBucket, ts.requestID(), payload.Marshal()))
	}
}

// onAcceptingBucket handles REPLY_ACCEPTING_BUCKET: OfferSent -> Streaming.
// It stamps sync_epoch from the freshly bumped migrate_sync counter and
// kicks off the first batch of sends.
func (c *Controller) onAcceptingBucket(ctx context.Context, idx uint64) error {
	r, ok := c.bt.Replica(idx)
	if !ok || r.Transfer == nil || r.Transfer.Phase != PhaseOfferSent {
		return nil
	}
	c.counters.migrateSync++
	c.metrics.migrateSyncTotal.Inc()
	r.Transfer.Phase = PhaseStreaming
	r.Transfer.SyncEpoch = c.counters.migrateSync
	return c.streamMore(ctx, r)
}

// streamMore fetches up to TRANSIT_MAX-in_transit pending items and sends
// them, per spec §4.5: "work is only fetched when in_transit <= TRANSIT_MIN".
func (c *Controller) streamMore(ctx context.Context, r *BucketReplica) error {
	ts := r.Transfer
	if ts == nil || ts.Phase != PhaseStreaming {
		return nil
	}
	if ts.InTransit > c.cfg.TransitMin {
		return nil
	}
	avail := c.cfg.TransitMax - ts.InTransit
	if avail <= 0 {
		return nil
	}

	items := r.Store.PendingMigration(ts.SyncEpoch, avail)
	if len(items) == 0 {
		return c.beginFinalizing(ctx, r)
	}

	for _, it := range items {
		if it.HasName && it.NameStr != "" {
			payload := transport.SyncName{Hash: it.Hash, Name: it.NameStr}.Marshal()
			if err := ts.Target.Send(ctx, frameFor(transport.CmdSyncName, transport.CmdReplySyncNameAck, ts.requestID(), payload)); err != nil {
				return err
			}
			ts.InTransit++
		}
		payload := transport.Sync{
			Map:     uint64(c.bt.Mask()),
			Hash:    it.Hash,
			NameInt: it.NameInt,
			Expires: it.Expires,
			Value:   it.Value,
		}.Marshal()
		if err := ts.Target.Send(ctx, frameFor(transport.CmdSync, transport.CmdReplySyncAck, ts.requestID(), payload)); err != nil {
			return err
		}
		ts.InTransit++
	}
	return nil
}

// activeTransferReplica returns the one replica with a live TransferState,
// if any (spec §3's "at most one replica has transfer.is_some()" makes
// this lookup unambiguous without needing the ack to name its bucket).
func (c *Controller) activeTransferReplica() *BucketReplica {
	for i := uint64(0); i < c.bt.Mask().Size(); i++ {
		if r, ok := c.bt.Replica(i); ok && r.Transfer != nil {
			return r
		}
	}
	return nil
}

// onSyncAcked is the data_migrated hook for both SYNC and SYNC_NAME acks:
// decrement in_transit and try to pull more work. hash is the acked item's
// key hash, used only to clear its migration bookkeeping.
func (c *Controller) onSyncAcked(ctx context.Context, hash uint64) error {
	r := c.activeTransferReplica()
	if r == nil {
		return nil
	}
	r.Store.ConfirmMigrated(hash)
	if r.Transfer.InTransit > 0 {
		r.Transfer.InTransit--
	}
	return c.streamMore(ctx, r)
}

// beginFinalizing enters Finalizing once the store has nothing left to
// send and every sent item has been ACKed.
func (c *Controller) beginFinalizing(ctx context.Context, r *BucketReplica) error {
	ts := r.Transfer
	if ts.InTransit > 0 {
		return nil
	}
	ts.Phase = PhaseFinalizing

	if ts.Kind == TransferPromoteSwap {
		// PromoteSwap's finalize trigger is REPLY_CONTROL_BUCKET_COMPLETE,
		// already handled by onControlBucketComplete; nothing to send here.
		return nil
	}

	var newRole uint8
	if r.HasBackup() {
		newRole = transport.RoleNewPrimary
	} else {
		newRole = transport.RoleNewBackup
	}
	payload := transport.FinaliseMigration{Mask: uint64(c.bt.Mask()), Hash: r.Index, NewRole: newRole}.Marshal()
	return ts.Target.Send(ctx, frameFor(transport.CmdFinaliseMigration, transport.CmdReplyMigrationAck, ts.requestID(), payload))
}

// onMigrationAck applies the Finalize-path side effects once the target
// ACKs FINALISE_MIGRATION, then always clears the transfer and reopens the
// rebalance loop with a fresh LOADLEVELS (spec §4.5 "After any Finalize
// path").
func (c *Controller) onMigrationAck(ctx context.Context, idx uint64) error {
	r, ok := c.bt.Replica(idx)
	if !ok || r.Transfer == nil {
		return nil
	}
	ts := r.Transfer

	switch {
	case r.Role == RolePrimary && !r.HasBackup():
		// Migrate, Primary-with-no-backup: target is now our backup. We
		// keep serving as primary; this is the only Finalize path that
		// does not delete the source replica (spec §4.5).
		r.PeerBackup = ts.TargetAddr
		c.counters.unbackedCount--
		c.bt.SetEntry(idx, HashMaskEntry{PrimaryAddr: c.cfg.ListenAddr, SecondaryAddr: ts.TargetAddr})
		c.broadcastHashMaskUpdate(ctx, idx)

	case r.Role == RolePrimary && r.HasBackup():
		// Migrate, Primary-with-backup (Open Question 1 resolution):
		// broadcast the new topology, then send the existing backup a
		// targeted BACKUP_HANDOFF and wait for its ACK before dropping the
		// local replica (beginBackupHandoff/finishBackupHandoff).
		c.bt.SetEntry(idx, HashMaskEntry{PrimaryAddr: ts.TargetAddr, SecondaryAddr: r.PeerBackup})
		c.broadcastHashMaskUpdate(ctx, idx)
		return c.beginBackupHandoff(ctx, r, r.PeerBackup)

	case r.Role == RoleSecondary:
		// Migrate, Secondary: tell the primary where the backup moved to,
		// then drop the local replica. Any SYNC already in flight from the
		// old primary targeting this index is now moot since the slot is
		// gone; the bucket table simply no longer resolves it here.
		oldPrimary := r.PeerSource
		c.bt.SetEntry(idx, HashMaskEntry{PrimaryAddr: oldPrimary, SecondaryAddr: ts.TargetAddr})
		c.broadcastHashMaskUpdate(ctx, idx)
		c.bt.Clear(idx)
		c.counters.secondaryCount--
	}

	return c.finishTransfer(ctx, r, ts.TargetAddr)
}

// beginBackupHandoff sends the existing backup a targeted BACKUP_HANDOFF
// naming the new primary and keeps r (and bucket_transfer) alive until
// that peer ACKs or proves unreachable, so an old backup never discovers
// the move from thin air after the source has already dropped its copy
// (spec §4.5, Open Question 1).
func (c *Controller) beginBackupHandoff(ctx context.Context, r *BucketReplica, oldBackup string) error {
	ts := r.Transfer
	ts.Phase = PhaseFinalizing
	ts.finalizingBackupNotified = true

	client, err := c.dialOrReuse(ctx, oldBackup)
	if err != nil {
		level.Warn(c.logger).Log("msg", "old backup unreachable for handoff, dropping replica anyway", "addr", oldBackup, "err", err)
		return c.finishBackupHandoff(ctx, r)
	}

	payload := transport.BackupHandoff{Mask: uint64(c.bt.Mask()), Hash: r.Index, NewPrimaryAddr: ts.TargetAddr}.Marshal()
	if err := client.Send(ctx, frameFor(transport.CmdBackupHandoff, transport.CmdReplyBackupHandoffAck, ts.requestID(), payload)); err != nil {
		level.Warn(c.logger).Log("msg", "backup handoff send failed, dropping replica anyway", "addr", oldBackup, "err", err)
		return c.finishBackupHandoff(ctx, r)
	}
	return nil
}

// onBackupHandoffAck completes the Open Question 1 handoff once the old
// backup confirms it has repointed itself at the new primary.
func (c *Controller) onBackupHandoffAck(ctx context.Context, idx uint64) error {
	r, ok := c.bt.Replica(idx)
	if !ok || r.Transfer == nil || !r.Transfer.finalizingBackupNotified {
		return nil
	}
	return c.finishBackupHandoff(ctx, r)
}

// finishBackupHandoff is beginBackupHandoff's common tail: drop the local
// replica now that the old backup has either confirmed the handoff or can
// no longer be reached, and reopen the rebalance loop against the new
// primary.
func (c *Controller) finishBackupHandoff(ctx context.Context, r *BucketReplica) error {
	target := r.Transfer.TargetAddr
	c.bt.Clear(r.Index)
	c.counters.primaryCount--
	return c.finishTransfer(ctx, r, target)
}

// onDisconnect reacts to a dropped connection wherever it could matter:
// the Node Registry's own reconnect bookkeeping, an in-flight transfer
// sourced from here targeting addr (spec §8 scenario 4, invariant 2), an
// old backup we're mid-handoff with, and any tentative accept_bucket
// replica still waiting on addr to finish streaming it.
func (c *Controller) onDisconnect(ctx context.Context, addr string) {
	c.registry.OnDisconnect(addr)

	if r := c.activeTransferReplica(); r != nil {
		switch {
		case r.Transfer.TargetAddr == addr:
			c.abortTransfer(r)
		case r.Transfer.finalizingBackupNotified && r.PeerBackup == addr:
			_ = c.finishBackupHandoff(ctx, r)
		}
	}

	for i := uint64(0); i < c.bt.Mask().Size(); i++ {
		r, ok := c.bt.Replica(i)
		if !ok || r.Role != RoleUninitialized || r.PeerSource != addr {
			continue
		}
		c.bt.Clear(i)
	}
}

// onControlBucketComplete is the PromoteSwap finalize trigger: atomically
// swap role and peer links, flip the HashMaskEntry strings, and broadcast.
func (c *Controller) onControlBucketComplete(ctx context.Context, idx uint64) error {
	r, ok := c.bt.Replica(idx)
	if !ok || r.Transfer == nil || r.Transfer.Kind != TransferPromoteSwap {
		return nil
	}
	ts := r.Transfer

	switch r.Role {
	case RolePrimary:
		r.Role = RoleSecondary
		r.PeerSource, r.PeerBackup = r.PeerBackup, ""
		c.counters.primaryCount--
		c.counters.secondaryCount++
	case RoleSecondary:
		r.Role = RolePrimary
		r.PeerBackup, r.PeerSource = r.PeerSource, ""
		c.counters.secondaryCount--
		c.counters.primaryCount++
	}

	entry := c.bt.Entry(idx)
	entry.PrimaryAddr, entry.SecondaryAddr = entry.SecondaryAddr, entry.PrimaryAddr
	c.bt.SetEntry(idx, entry)
	c.broadcastHashMaskUpdate(ctx, idx)

	return c.finishTransfer(ctx, r, ts.TargetAddr)
}

// finishTransfer is the common tail of every Finalize path (spec §4.5):
// clear bucket_transfer, drop the TransferState, and re-open the
// rebalance loop against the same peer immediately.
func (c *Controller) finishTransfer(ctx context.Context, r *BucketReplica, peerAddr string) error {
	c.metrics.migrationDuration.Observe(c.sched.Now().Sub(r.Transfer.StartedAt).Seconds())
	r.Transfer = nil
	c.setBucketTransfer(false)

	n, ok := c.registry.Get(peerAddr)
	if !ok || n.Conn == nil {
		return nil
	}
	frame := transport.Frame{Header: transport.Header{Command: transport.CmdLoadLevels, ReplyCmd: transport.CmdReplyLoadLevels}}
	if err := n.Conn.Send(ctx, frame); err != nil {
		level.Warn(c.logger).Log("msg", "post-finalize LOADLEVELS send failed", "addr", peerAddr, "err", err)
	}
	return nil
}

// abortTransfer handles a lost connection during Streaming (spec §8
// scenario 4): the TransferState is torn down, the source replica is left
// exactly as it was, and no data is lost.
func (c *Controller) abortTransfer(r *BucketReplica) {
	if r.Transfer == nil {
		return
	}
	c.metrics.migrationDuration.Observe(c.sched.Now().Sub(r.Transfer.StartedAt).Seconds())
	r.Transfer.Phase = PhaseAborted
	r.Transfer = nil
	c.setBucketTransfer(false)
}

func frameFor(cmd, replyCmd transport.Command, requestID uint32, payload []byte) transport.Frame {
	f := transport.Frame{
		Header:  transport.Header{Command: cmd, ReplyCmd: replyCmd, RequestID: requestID},
		Payload: payload,
	}
	f.Header.PayloadLen = uint32(len(f.Payload))
	return f
}

// acceptIncomingBucket is the receiving side of ACCEPT_BUCKET (spec §3
// "created ... by accept_bucket (receiving side)"): a tentative, empty
// replica is created to receive SYNC/SYNC_NAME frames; its final role is
// assigned once FINALISE_MIGRATION arrives.
func (c *Controller) acceptIncomingBucket(idx uint64, fromAddr string) *BucketReplica {
	if existing, ok := c.bt.Replica(idx); ok {
		return existing
	}
	r := &BucketReplica{Index: idx, Role: RoleUninitialized, Store: store.New(), PeerSource: fromAddr}
	c.bt.Set(r)
	return r
}

// applyFinaliseMigration is the receiving side of FINALISE_MIGRATION:
// assign the role the sender told us to assume.
func (c *Controller) applyFinaliseMigration(idx uint64, newRole uint8, fromAddr string) {
	r, ok := c.bt.Replica(idx)
	if !ok {
		return
	}
	switch newRole {
	case transport.RoleNewPrimary:
		r.Role = RolePrimary
		c.counters.primaryCount++
	case transport.RoleNewBackup:
		r.Role = RoleSecondary
		r.PeerSource = fromAddr
		c.counters.secondaryCount++
	}
}
