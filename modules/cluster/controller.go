package cluster

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/opencluster/opencluster/pkg/scheduler"
	"github.com/opencluster/opencluster/pkg/store"
	"github.com/opencluster/opencluster/pkg/transport"
)

// Counters holds the global mutable counters of spec §9 ("Global mutable
// counters ... Model as one owned Controller struct threaded through
// callbacks"). Every field is written only from the Controller's own
// event-loop goroutine; the atomic.Int64/Uint64 fields mirror them for the
// metrics/status HTTP surface to read without a lock (SPEC_FULL §3.1).
type Counters struct {
	migrateSync    uint64
	bucketTransfer bool
	primaryCount   int
	secondaryCount int
	unbackedCount  int

	snapMigrateSync    atomic.Uint64
	snapBucketTransfer atomic.Bool
	snapPrimaryCount   atomic.Int64
	snapSecondaryCount atomic.Int64
	snapUnbackedCount  atomic.Int64
}

// publish refreshes every snapshot field. Call after any mutation, from
// the event-loop goroutine only.
func (c *Counters) publish() {
	c.snapMigrateSync.Store(c.migrateSync)
	c.snapBucketTransfer.Store(c.bucketTransfer)
	c.snapPrimaryCount.Store(int64(c.primaryCount))
	c.snapSecondaryCount.Store(int64(c.secondaryCount))
	c.snapUnbackedCount.Store(int64(c.unbackedCount))
}

// Controller is the single owned struct threading every piece of core
// state through the event loop, avoiding free-standing globals (spec §9)
// and exposing the lifecycle as a services.Service the way every module
// in cmd/opencluster/app wires in (SPEC_FULL §2.1).
type Controller struct {
	services.Service

	cfg     Config
	logger  log.Logger
	metrics *metrics
	runID   string

	sched     scheduler.Scheduler
	transport transport.Transport
	sink      chan any

	bt       *BucketTable
	registry *Registry
	counters Counters
}

// NewController wires a Controller from its collaborators. sched and tr
// are expected to share the same sink channel that sched was constructed
// with, so both timer fires and inbound frames funnel onto it (spec §5).
func NewController(cfg Config, sched scheduler.Scheduler, tr transport.Transport, sink chan any, logger log.Logger, reg prometheus.Registerer) *Controller {
	c := &Controller{
		cfg:       cfg,
		logger:    logger,
		metrics:   newMetrics(reg),
		runID:     uuid.NewString(),
		sched:     sched,
		transport: tr,
		sink:      sink,
		bt:        NewBucketTable(NewHashMask(cfg.InitialMaskBits)),
	}
	c.registry = NewRegistry(sched, tr, cfg, logger)
	c.transport.SetFrameHandler(c.onFrame)
	c.transport.SetDisconnectHandler(c.onTransportDisconnect)
	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c
}

// starting implements buckets_init (spec §3 "Lifecycles"). A node with no
// configured seeds is the first member of its cluster and takes on every
// bucket in its initial mask as a sole, unbacked primary. A node given
// seeds is joining an existing cluster instead: it starts with an empty
// table and earns buckets through the ordinary rebalance loop (spec §4.4
// "send unbacked primary"/"balance") once its LOADLEVELS report shows it
// holding nothing.
func (c *Controller) starting(ctx context.Context) error {
	if len(c.cfg.SeedAddrs) == 0 {
		for i := uint64(0); i < c.bt.Mask().Size(); i++ {
			c.bt.Set(NewPrimaryReplica(i, store.New()))
			c.bt.SetEntry(i, HashMaskEntry{PrimaryAddr: c.cfg.ListenAddr})
			c.counters.primaryCount++
			c.counters.unbackedCount++
		}
		c.counters.publish()
	}

	for _, addr := range c.cfg.SeedAddrs {
		c.registry.Connect(ctx, addr)
	}
	return nil
}

// running is the single-threaded cooperative event loop (spec §5): every
// timer fire and every inbound frame arrives as one value on sink, read
// and dispatched one at a time by this one goroutine.
func (c *Controller) running(ctx context.Context) error {
	level.Info(c.logger).Log("msg", "cluster controller running", "listen_addr", c.cfg.ListenAddr, "mask", fmt.Sprintf("%#x", c.bt.Mask()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.sink:
			c.dispatch(ctx, ev)
		}
	}
}

func (c *Controller) stopping(_ error) error {
	c.NodeShutdown(context.Background())
	return nil
}

// dispatch is the fixed switch spec §9 prescribes over "dynamic command
// dispatch": every event type the loop can see is named here, not an
// open-ended handler table.
func (c *Controller) dispatch(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case connectTimeoutEvent:
		c.registry.OnConnectTimeout(e.addr)
	case waitTimeoutEvent:
		c.registry.OnWaitTimeout(ctx, e.addr)
	case loadLevelTimerEvent:
		if err := c.registry.OnLoadLevelTimer(e.addr); err != nil {
			level.Warn(c.logger).Log("msg", "loadlevel tick failed", "err", err)
		}
	case shutdownTickEvent:
		c.BucketShutdown(ctx, e.bucketIndex)
	case inboundFrameEvent:
		c.handleFrame(ctx, e.from, e.frame)
	case disconnectEvent:
		c.onDisconnect(ctx, e.addr)
	case bucketsSnapshotEvent:
		e.reply <- c.buildBucketsSnapshot()
	case nodesSnapshotEvent:
		e.reply <- c.buildNodesSnapshot()
	default:
		level.Warn(c.logger).Log("msg", "unrecognized event", "type", fmt.Sprintf("%T", ev))
	}
	c.counters.publish()
	c.publishMetrics()
}

// publishMetrics pushes the current counters onto their Prometheus gauges.
// Called once per event-loop turn rather than at every mutation site, to
// keep the mutation sites themselves free of metrics-library calls.
func (c *Controller) publishMetrics() {
	c.metrics.primaryCount.Set(float64(c.counters.primaryCount))
	c.metrics.secondaryCount.Set(float64(c.counters.secondaryCount))
	c.metrics.unbackedCount.Set(float64(c.counters.unbackedCount))
	c.metrics.activeNodes.Set(float64(c.registry.ActiveNodeCount()))
}

// inboundFrameEvent funnels a Transport delivery onto the shared sink.
type inboundFrameEvent struct {
	from  transport.Client
	frame transport.Frame
}

// onFrame is registered with Transport.SetFrameHandler; it never touches
// core state directly, only ever forwarding onto sink (spec §5).
func (c *Controller) onFrame(from transport.Client, frame transport.Frame) {
	c.sink <- inboundFrameEvent{from: from, frame: frame}
}

// disconnectEvent funnels a Transport.DisconnectHandler callback onto the
// shared sink, same as inboundFrameEvent does for frames.
type disconnectEvent struct{ addr string }

// onTransportDisconnect is registered with Transport.SetDisconnectHandler.
func (c *Controller) onTransportDisconnect(addr string) {
	c.sink <- disconnectEvent{addr: addr}
}

func (c *Controller) setBucketTransfer(v bool) {
	c.counters.bucketTransfer = v
	c.metrics.bucketTransferGauge(v)
}

func (m *metrics) bucketTransferGauge(v bool) {
	if v {
		m.bucketTransfer.Set(1)
	} else {
		m.bucketTransfer.Set(0)
	}
}

// dialOrReuse returns the already-connected Client for addr if the
// registry has one Active, otherwise dials fresh (used by the Migration
// Engine and Shutdown Controller, which both need a Client even for a
// peer the Node Registry hasn't polled yet).
func (c *Controller) dialOrReuse(ctx context.Context, addr string) (transport.Client, error) {
	if n, ok := c.registry.Get(addr); ok && n.State == StateActive && n.Conn != nil {
		return n.Conn, nil
	}
	client, err := c.transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	n := c.registry.AddPeer(addr)
	n.Conn = client
	n.State = StateActive
	return client, nil
}

// broadcastHashMaskUpdate pushes the current HashMaskEntry for idx to
// every Active peer (spec §4.5 "broadcast the updated mask entry to all
// clients").
func (c *Controller) broadcastHashMaskUpdate(ctx context.Context, idx uint64) {
	entry := c.bt.Entry(idx)
	payload := transport.HashMaskUpdate{
		Mask:          uint64(c.bt.Mask()),
		Hash:          idx,
		PrimaryAddr:   entry.PrimaryAddr,
		SecondaryAddr: entry.SecondaryAddr,
	}.Marshal()
	frame := transport.Frame{Header: transport.Header{Command: transport.CmdHashMaskUpdate}, Payload: payload}
	frame.Header.PayloadLen = uint32(len(frame.Payload))

	for _, n := range c.registry.All() {
		if n.State != StateActive || n.Conn == nil {
			continue
		}
		if err := n.Conn.Send(ctx, frame); err != nil {
			level.Warn(c.logger).Log("msg", "hashmask broadcast failed", "addr", n.Addr, "err", err)
		}
	}
}

// Snapshot is a point-in-time, lock-free read of the controller's core
// counters, for the /debug/dump and /status HTTP surfaces.
type Snapshot struct {
	Mask           HashMask
	PrimaryCount   int64
	SecondaryCount int64
	UnbackedCount  int64
	BucketTransfer bool
	MigrateSync    uint64
	ActiveNodes    int64
}

// recomputeCounters rescans the bucket table and resets primaryCount,
// secondaryCount, and unbackedCount to match it. Used after SplitTo, which
// can double the number of hosted replicas in one step (spec §4.1) making
// incremental bookkeeping error-prone.
func (c *Controller) recomputeCounters() {
	var primary, secondary, unbacked int
	for i := uint64(0); i < c.bt.Mask().Size(); i++ {
		r, ok := c.bt.Replica(i)
		if !ok {
			continue
		}
		switch r.Role {
		case RolePrimary:
			primary++
			if r.PeerBackup == "" {
				unbacked++
			}
		case RoleSecondary:
			secondary++
		}
	}
	c.counters.primaryCount = primary
	c.counters.secondaryCount = secondary
	c.counters.unbackedCount = unbacked
	c.counters.publish()
}

func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		Mask:           c.bt.Mask(),
		PrimaryCount:   c.counters.snapPrimaryCount.Load(),
		SecondaryCount: c.counters.snapSecondaryCount.Load(),
		UnbackedCount:  c.counters.snapUnbackedCount.Load(),
		BucketTransfer: c.counters.snapBucketTransfer.Load(),
		MigrateSync:    c.counters.snapMigrateSync.Load(),
		ActiveNodes:    c.registry.ActiveNodeCount(),
	}
}
