package cluster

import (
	"context"

	"github.com/go-kit/log/level"

	"github.com/opencluster/opencluster/pkg/store"
	"github.com/opencluster/opencluster/pkg/transport"
)

// handleFrame is the fixed switch spec §6's wire table maps onto: every
// command this node can receive, whether a fresh request from a peer or a
// reply to a request this node sent, is named here explicitly.
func (c *Controller) handleFrame(ctx context.Context, from transport.Client, frame transport.Frame) {
	h := frame.Header
	var err error
	switch h.Command {
	case transport.CmdServerHello:
		err = c.onServerHelloRequest(ctx, from, h, frame.Payload)
	case transport.CmdLoadLevels:
		err = c.onLoadLevelsRequest(ctx, from, h)
	case transport.CmdAcceptBucket:
		err = c.onAcceptBucketRequest(ctx, from, h, frame.Payload)
	case transport.CmdControlBucket:
		err = c.onControlBucketRequest(ctx, from, h, frame.Payload)
	case transport.CmdSyncName:
		err = c.onSyncNameRequest(ctx, from, h, frame.Payload)
	case transport.CmdSync:
		err = c.onSyncRequest(ctx, from, h, frame.Payload)
	case transport.CmdFinaliseMigration:
		err = c.onFinaliseMigrationRequest(ctx, from, h, frame.Payload)
	case transport.CmdPromote:
		err = c.onPromoteRequest(ctx, from, h, frame.Payload)
	case transport.CmdHashMaskUpdate:
		err = c.onHashMaskUpdatePush(frame.Payload)
	case transport.CmdBackupHandoff:
		err = c.onBackupHandoffRequest(ctx, from, h, frame.Payload)

	case transport.CmdAck:
		// Plain ACK (currently only SERVERHELLO's reply): the peer we
		// dialed accepted our handshake, so count it toward active_nodes.
		c.registry.OnServerHelloAck(from.Addr(), "")
	case transport.CmdReplyPromoteAck:
		err = c.onPromoteAckReply(ctx, frame.Payload)
	case transport.CmdReplyLoadLevels:
		err = c.onLoadLevelsReply(ctx, from, frame.Payload)
	case transport.CmdReplyAcceptingBucket:
		err = c.onAcceptingBucketReply(ctx, frame.Payload)
	case transport.CmdReplyControlBucketComplete:
		err = c.onControlBucketCompleteReply(ctx, frame.Payload)
	case transport.CmdReplySyncNameAck:
		err = c.onSyncNameAckReply(ctx, frame.Payload)
	case transport.CmdReplySyncAck:
		err = c.onSyncAckReply(ctx, frame.Payload)
	case transport.CmdReplyMigrationAck:
		err = c.onMigrationAckReply(ctx, frame.Payload)
	case transport.CmdReplyBackupHandoffAck:
		err = c.onBackupHandoffAckReply(ctx, frame.Payload)
	case transport.CmdReplyUnknown:
		// A peer didn't recognize a command we sent; log it but don't reply
		// to a reply, or two mismatched peers would volley REPLY_UNKNOWN
		// back and forth forever.
		level.Warn(c.logger).Log("msg", "peer replied REPLY_UNKNOWN", "from", from.Addr(), "request_id", h.RequestID)
	default:
		level.Warn(c.logger).Log("msg", "unrecognized wire command", "command", h.Command.String())
		reply := frameFor(transport.CmdReplyUnknown, 0, h.RequestID, nil)
		if sendErr := from.Send(ctx, reply); sendErr != nil {
			level.Warn(c.logger).Log("msg", "failed to send REPLY_UNKNOWN", "addr", from.Addr(), "err", sendErr)
		}
		return
	}
	if err != nil {
		level.Warn(c.logger).Log("msg", "frame handling failed", "command", h.Command.String(), "from", from.Addr(), "err", err)
	}
}

// --- requests a peer sends us ---

func (c *Controller) onServerHelloRequest(ctx context.Context, from transport.Client, h transport.Header, payload []byte) error {
	hello, err := transport.UnmarshalServerHello(payload)
	if err != nil {
		return err
	}
	// An inbound connection's Client.Addr() starts out as its raw socket
	// address; correct it to the address the peer actually advertises so
	// every later request on this same connection (CONTROL_BUCKET,
	// PROMOTE, ...) reports the address the registry and bucket table key
	// Node/HashMaskEntry by. Fake's Addr() never needs this.
	if setter, ok := from.(interface{ SetAddr(string) }); ok {
		setter.SetAddr(hello.Addr)
	}
	n := c.registry.AddPeer(hello.Addr)
	n.Conn = from
	n.State = StateActive
	n.Capabilities = hello.Capabilities
	c.registry.OnServerHelloAck(hello.Addr, "")

	reply := transport.ServerHello{Addr: c.cfg.ListenAddr, Capabilities: transport.CapSupportsPromoteSwap}.Marshal()
	return from.Send(ctx, frameFor(transport.CmdAck, 0, h.RequestID, reply))
}

// onLoadLevelsRequest answers a peer's poll with our own local counts
// (spec §4.4's rebalance inputs).
func (c *Controller) onLoadLevelsRequest(ctx context.Context, from transport.Client, h transport.Header) error {
	var primary, backups, transferring int32
	for i := uint64(0); i < c.bt.Mask().Size(); i++ {
		r, ok := c.bt.Replica(i)
		if !ok {
			continue
		}
		switch r.Role {
		case RolePrimary:
			primary++
		case RoleSecondary:
			backups++
		}
		if r.Transfer != nil {
			transferring++
		}
	}
	payload := transport.LoadLevels{Primary: primary, Backups: backups, Transferring: transferring}.Marshal()
	return from.Send(ctx, frameFor(transport.CmdReplyLoadLevels, 0, h.RequestID, payload))
}

// onAcceptBucketRequest is the receiving side of a Migrate offer (spec
// §4.5): create the tentative replica and confirm we're ready to stream.
func (c *Controller) onAcceptBucketRequest(ctx context.Context, from transport.Client, h transport.Header, payload []byte) error {
	bh, err := transport.UnmarshalBucketMaskHash(payload)
	if err != nil {
		return err
	}
	c.acceptIncomingBucket(bh.Hash, from.Addr())
	reply := transport.BucketMaskHash{Mask: bh.Mask, Hash: bh.Hash}.Marshal()
	return from.Send(ctx, frameFor(transport.CmdReplyAcceptingBucket, 0, h.RequestID, reply))
}

// onControlBucketRequest is the receiving side of a PromoteSwap offer
// (spec §4.5): the sender tells us its current Level (role); we adopt that
// same role for the same index and ack completion once we have.
func (c *Controller) onControlBucketRequest(ctx context.Context, from transport.Client, h transport.Header, payload []byte) error {
	cb, err := transport.UnmarshalControlBucket(payload)
	if err != nil {
		return err
	}
	r, ok := c.bt.Replica(cb.Hash)
	if !ok {
		return nil
	}

	// ControlBucket is only ever sent for a PromoteSwap, and it always
	// carries the sender's own pre-swap role (set in beginTransfer): the
	// swap hands that exact role to us, while the sender takes our old
	// complement once it sees the completion reply (onControlBucketComplete).
	newRole := Role(cb.Level)
	if r.Role != newRole {
		switch r.Role {
		case RolePrimary:
			c.counters.primaryCount--
		case RoleSecondary:
			c.counters.secondaryCount--
		}
		switch newRole {
		case RolePrimary:
			c.counters.primaryCount++
		case RoleSecondary:
			c.counters.secondaryCount++
		}
		r.Role = newRole
	}
	switch newRole {
	case RolePrimary:
		r.PeerBackup = from.Addr()
		r.PeerSource = ""
	case RoleSecondary:
		r.PeerSource = from.Addr()
		r.PeerBackup = ""
	}

	reply := transport.BucketMaskHash{Mask: cb.Mask, Hash: cb.Hash}.Marshal()
	return from.Send(ctx, frameFor(transport.CmdReplyControlBucketComplete, 0, h.RequestID, reply))
}

// onSyncNameRequest writes an incoming name binding, the idempotent import
// step ahead of the value itself (spec §4.2).
func (c *Controller) onSyncNameRequest(ctx context.Context, from transport.Client, h transport.Header, payload []byte) error {
	sn, err := transport.UnmarshalSyncName(payload)
	if err != nil {
		return err
	}
	if r := c.replicaForSync(sn.Hash); r != nil {
		r.Store.SetNameStr(sn.Hash, sn.Name)
	}
	reply := transport.HashReply{Hash: sn.Hash}.Marshal()
	return from.Send(ctx, frameFor(transport.CmdReplySyncNameAck, 0, h.RequestID, reply))
}

// onSyncRequest writes an incoming value, used both for migration streams
// and for async backup fan-out (spec §4.2, §4.5).
func (c *Controller) onSyncRequest(ctx context.Context, from transport.Client, h transport.Header, payload []byte) error {
	s, err := transport.UnmarshalSync(payload)
	if err != nil {
		return err
	}
	if r := c.replicaForSync(s.Hash); r != nil {
		r.Store.Set(store.Item{Hash: s.Hash, NameInt: s.NameInt, Expires: s.Expires, Value: s.Value})
	}
	reply := transport.MapHashReply{Map: s.Map, Hash: s.Hash}.Marshal()
	return from.Send(ctx, frameFor(transport.CmdReplySyncAck, 0, h.RequestID, reply))
}

// replicaForSync resolves a SYNC/SYNC_NAME's item hash to the bucket
// replica it belongs to under this node's current mask (the same
// resolution an ordinary store() does, spec §4.2); Hash on these payloads
// is the item's key hash, not a bucket index.
func (c *Controller) replicaForSync(keyHash uint64) *BucketReplica {
	idx := c.bt.Mask().BucketOf(keyHash)
	r, ok := c.bt.Replica(idx)
	if !ok {
		return nil
	}
	return r
}

// onFinaliseMigrationRequest is the receiving side of Finalize (spec
// §4.5): assume the assigned role and ack.
func (c *Controller) onFinaliseMigrationRequest(ctx context.Context, from transport.Client, h transport.Header, payload []byte) error {
	fm, err := transport.UnmarshalFinaliseMigration(payload)
	if err != nil {
		return err
	}
	c.applyFinaliseMigration(fm.Hash, fm.NewRole, from.Addr())
	reply := transport.BucketMaskHash{Mask: fm.Mask, Hash: fm.Hash}.Marshal()
	return from.Send(ctx, frameFor(transport.CmdReplyMigrationAck, 0, h.RequestID, reply))
}

// onPromoteRequest is the backup's side of a shutdown PROMOTE (spec
// §4.6): flip Secondary -> Primary locally and ack.
func (c *Controller) onPromoteRequest(ctx context.Context, from transport.Client, h transport.Header, payload []byte) error {
	p, err := transport.UnmarshalPromote(payload)
	if err != nil {
		return err
	}
	r, ok := c.bt.Replica(p.Hash)
	if ok && r.Role == RoleSecondary {
		r.Role = RolePrimary
		r.PeerBackup = ""
		oldPrimary := r.PeerSource
		r.PeerSource = ""
		c.counters.secondaryCount--
		c.counters.primaryCount++
		c.counters.unbackedCount++
		entry := c.bt.Entry(p.Hash)
		if entry.PrimaryAddr == oldPrimary {
			entry.PrimaryAddr = c.cfg.ListenAddr
			entry.SecondaryAddr = ""
		}
		c.bt.SetEntry(p.Hash, entry)
		c.broadcastHashMaskUpdate(ctx, p.Hash)
	}
	reply := transport.HashReply{Hash: p.Hash}.Marshal()
	return from.Send(ctx, frameFor(transport.CmdReplyPromoteAck, 0, h.RequestID, reply))
}

// onHashMaskUpdatePush applies a pushed topology change and reconciles a
// freshly accepted bucket's peer links (spec §4.5: an acceptIncomingBucket
// replica starts with only PeerSource tentatively set; this is where it
// learns its real backup, if any, once the sender's broadcast arrives).
func (c *Controller) onHashMaskUpdatePush(payload []byte) error {
	u, err := transport.UnmarshalHashMaskUpdate(payload)
	if err != nil {
		return err
	}
	c.bt.SetEntry(u.Hash, HashMaskEntry{PrimaryAddr: u.PrimaryAddr, SecondaryAddr: u.SecondaryAddr})

	r, ok := c.bt.Replica(u.Hash)
	if !ok {
		return nil
	}
	switch r.Role {
	case RolePrimary:
		if u.SecondaryAddr != c.cfg.ListenAddr {
			r.PeerBackup = u.SecondaryAddr
		}
	case RoleSecondary:
		if u.PrimaryAddr != c.cfg.ListenAddr {
			r.PeerSource = u.PrimaryAddr
		}
	}
	return nil
}

// onBackupHandoffRequest is the existing backup's side of the Open
// Question 1 handoff (spec §4.5): repoint our source at the new primary
// and ack, so the node that migrated the primary away can safely drop its
// own copy once it sees our reply.
func (c *Controller) onBackupHandoffRequest(ctx context.Context, from transport.Client, h transport.Header, payload []byte) error {
	bh, err := transport.UnmarshalBackupHandoff(payload)
	if err != nil {
		return err
	}
	if r, ok := c.bt.Replica(bh.Hash); ok && r.Role == RoleSecondary {
		r.PeerSource = bh.NewPrimaryAddr
	}
	reply := transport.BucketMaskHash{Mask: bh.Mask, Hash: bh.Hash}.Marshal()
	return from.Send(ctx, frameFor(transport.CmdReplyBackupHandoffAck, 0, h.RequestID, reply))
}

// --- replies to requests we sent ---

func (c *Controller) onPromoteAckReply(ctx context.Context, payload []byte) error {
	hr, err := transport.UnmarshalHashReply(payload)
	if err != nil {
		return err
	}
	c.onPromoteAck(ctx, hr.Hash)
	return nil
}

func (c *Controller) onLoadLevelsReply(ctx context.Context, from transport.Client, payload []byte) error {
	ll, err := transport.UnmarshalLoadLevels(payload)
	if err != nil {
		return err
	}
	var peerCaps uint32
	if n, ok := c.registry.Get(from.Addr()); ok {
		peerCaps = n.Capabilities
	}
	plan := Decide(c.bt, from.Addr(), int(ll.Primary), int(ll.Backups), int(ll.Transferring), peerCaps, counts{
		primaryCount:   c.counters.primaryCount,
		secondaryCount: c.counters.secondaryCount,
		unbackedCount:  c.counters.unbackedCount,
		bucketTransfer: c.counters.bucketTransfer,
		activeNodes:    int(c.registry.ActiveNodeCount()),
		mask:           c.bt.Mask(),
		minBuckets:     c.cfg.MinBuckets,
	})

	if plan.Decision != DecisionNone {
		c.metrics.rebalanceDecisions.WithLabelValues(plan.Decision.String()).Inc()
	}

	switch plan.Decision {
	case DecisionSplit:
		c.bt.DrainSplitParents()
		if err := c.bt.SplitTo(plan.NewMask); err != nil {
			return err
		}
		c.recomputeCounters()
		return nil
	case DecisionNone:
		return nil
	default:
		return c.beginTransfer(ctx, plan, from.Addr())
	}
}

func (c *Controller) onAcceptingBucketReply(ctx context.Context, payload []byte) error {
	bh, err := transport.UnmarshalBucketMaskHash(payload)
	if err != nil {
		return err
	}
	return c.onAcceptingBucket(ctx, bh.Hash)
}

func (c *Controller) onControlBucketCompleteReply(ctx context.Context, payload []byte) error {
	bh, err := transport.UnmarshalBucketMaskHash(payload)
	if err != nil {
		return err
	}
	return c.onControlBucketComplete(ctx, bh.Hash)
}

func (c *Controller) onSyncNameAckReply(ctx context.Context, payload []byte) error {
	hr, err := transport.UnmarshalHashReply(payload)
	if err != nil {
		return err
	}
	return c.onSyncAcked(ctx, hr.Hash)
}

func (c *Controller) onSyncAckReply(ctx context.Context, payload []byte) error {
	mh, err := transport.UnmarshalMapHashReply(payload)
	if err != nil {
		return err
	}
	return c.onSyncAcked(ctx, mh.Hash)
}

func (c *Controller) onMigrationAckReply(ctx context.Context, payload []byte) error {
	bh, err := transport.UnmarshalBucketMaskHash(payload)
	if err != nil {
		return err
	}
	return c.onMigrationAck(ctx, bh.Hash)
}

func (c *Controller) onBackupHandoffAckReply(ctx context.Context, payload []byte) error {
	bh, err := transport.UnmarshalBucketMaskHash(payload)
	if err != nil {
		return err
	}
	return c.onBackupHandoffAck(ctx, bh.Hash)
}
