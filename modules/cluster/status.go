package cluster

// BucketStatusRow is one line of the /status/buckets table (SPEC_FULL
// §2.1): a bucket's index, role, peer links, and transfer state, if any.
type BucketStatusRow struct {
	Index         uint64
	Role          string
	PeerBackup    string
	PeerSource    string
	TransferKind  string
	TransferPhase string
}

// NodeStatusRow is one line of the /status/nodes table: a known peer's
// connection state and advertised capabilities.
type NodeStatusRow struct {
	Addr         string
	State        string
	RunID        string
	Capabilities uint32
}

// bucketsSnapshotEvent and nodesSnapshotEvent route an HTTP handler's
// status request through the single event-loop goroutine (spec §5), the
// same way every other read of bt/registry state is serialized, rather
// than adding ad-hoc locking around the BucketTable and Registry.
type bucketsSnapshotEvent struct{ reply chan []BucketStatusRow }
type nodesSnapshotEvent struct{ reply chan []NodeStatusRow }

// BucketsSnapshot blocks until the event loop has built a fresh table of
// every bucket this node currently hosts. Safe to call from any goroutine.
func (c *Controller) BucketsSnapshot() []BucketStatusRow {
	reply := make(chan []BucketStatusRow, 1)
	c.sink <- bucketsSnapshotEvent{reply: reply}
	return <-reply
}

// NodesSnapshot blocks until the event loop has built a fresh table of
// every peer the Node Registry knows about. Safe to call from any
// goroutine.
func (c *Controller) NodesSnapshot() []NodeStatusRow {
	reply := make(chan []NodeStatusRow, 1)
	c.sink <- nodesSnapshotEvent{reply: reply}
	return <-reply
}

func (c *Controller) buildBucketsSnapshot() []BucketStatusRow {
	var rows []BucketStatusRow
	for i := uint64(0); i < c.bt.Mask().Size(); i++ {
		r, ok := c.bt.Replica(i)
		if !ok {
			continue
		}
		row := BucketStatusRow{
			Index:      r.Index,
			Role:       r.Role.String(),
			PeerBackup: r.PeerBackup,
			PeerSource: r.PeerSource,
		}
		if r.Transfer != nil {
			row.TransferKind = r.Transfer.Kind.String()
			row.TransferPhase = r.Transfer.Phase.String()
		}
		rows = append(rows, row)
	}
	return rows
}

func (c *Controller) buildNodesSnapshot() []NodeStatusRow {
	nodes := c.registry.All()
	rows := make([]NodeStatusRow, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, NodeStatusRow{
			Addr:         n.Addr,
			State:        n.State.String(),
			RunID:        n.RunID,
			Capabilities: n.Capabilities,
		})
	}
	return rows
}
