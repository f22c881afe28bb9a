// Package tsch implements the core of a time-slotted channel-hopping MAC:
// the slot-operation engine, association and time synchronization, the event
// pump, beacon generation and keepalives. It drives the radio and framer
// interfaces and executes whatever schedule the upper layer installs.
package tsch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tsch-platform/gotsch/asn"
	"github.com/tsch-platform/gotsch/frame"
	"github.com/tsch-platform/gotsch/lladdr"
	"github.com/tsch-platform/gotsch/lock"
	"github.com/tsch-platform/gotsch/metrics"
	"github.com/tsch-platform/gotsch/queue"
	"github.com/tsch-platform/gotsch/radio"
	"github.com/tsch-platform/gotsch/ringbufindex"
	"github.com/tsch-platform/gotsch/rtimer"
	"github.com/tsch-platform/gotsch/schedule"
	"github.com/tsch-platform/gotsch/trace"
)

// inputPacket is one slot of the incoming-frame ring.
type inputPacket struct {
	payload     [frame.MaxLen]byte
	length      int
	rxASN       asn.ASN
	rssi        int16
	correlation uint8
}

// seqnoEntry is one slot of the duplicate-detection history.
type seqnoEntry struct {
	sender lladdr.Address
	seqno  uint8
}

// ebStat tracks beacons per sender for optional time-source autoselection.
type ebStat struct {
	rxCount int
	jp      uint8
}

// Node is one TSCH MAC instance.
type Node struct {
	cfg    Config
	log    *zap.SugaredLogger
	clock  rtimer.Clock
	radio  radio.Driver
	framer frame.Framer
	hooks  Hooks
	stats  *metrics.Metrics
	tracer *trace.Writer

	lk      *lock.SlotLock
	nbrs    *queue.List
	sched   *schedule.Schedule
	hopper  *hopper
	slotLog *slotLog

	associated atomic.Bool
	seqno      atomic.Uint32

	// joinPriority is ours: the time source's advertised priority plus one,
	// zero for the coordinator.
	joinPriority atomic.Uint32

	// Slot state. Written by the slot routine and, under the lock, by
	// task-side correction paths.
	currentASN       asn.ASN
	lastSyncASN      asn.ASN
	currentLink      *schedule.Link
	currentPacket    *queue.Packet
	currentNeighbor  *queue.Neighbor
	currentLinkStart rtimer.Tick
	driftCorrection  int32
	driftNeighbor    *queue.Neighbor

	// ackBuf is the preallocated enhanced-ACK scratch buffer; the slot
	// routine never allocates.
	ackBuf [frame.AckLen]byte

	inputRing     ringbufindex.Ring
	inputArray    []inputPacket
	scratchInput  inputPacket
	dequeuedRing  ringbufindex.Ring
	dequeuedArray []*queue.Packet

	pollCh   chan struct{}
	desyncCh chan struct{}

	kaMu    sync.Mutex
	kaTimer *time.Timer

	ebMu            sync.Mutex
	currentEBPeriod time.Duration
	associationTime time.Time

	startTime time.Time

	seqnos  []seqnoEntry
	ebStats map[lladdr.Address]ebStat
	bestEB  int
}

// Option configures a Node.
type Option func(*Node)

// WithLog supplies the logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(n *Node) { n.log = log }
}

// WithHooks registers the upper-layer callbacks.
func WithHooks(h Hooks) Option {
	return func(n *Node) { n.hooks = h }
}

// WithMetrics attaches prometheus counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.stats = m }
}

// WithTrace attaches a pcap frame trace.
func WithTrace(w *trace.Writer) Option {
	return func(n *Node) { n.tracer = w }
}

// New builds a node over the given clock, radio and framer.
func New(cfg Config, clock rtimer.Clock, rdo radio.Driver, fr frame.Framer, opts ...Option) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:       cfg,
		log:       zap.NewNop().Sugar(),
		clock:     clock,
		radio:     rdo,
		framer:    fr,
		lk:        &lock.SlotLock{},
		hopper:    newHopper(cfg.HoppingSequence),
		slotLog:   newSlotLog(),
		pollCh:    make(chan struct{}, 1),
		desyncCh:  make(chan struct{}, 1),
		startTime: time.Now(),
		seqnos:    make([]seqnoEntry, cfg.SeqnoHistory),
		ebStats:   make(map[lladdr.Address]ebStat),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With(zap.Stringer("node", cfg.Address))

	var err error
	n.nbrs, err = queue.New(cfg.Queue, cfg.Address, n.lk, n.log,
		queue.WithCoordinatorFn(func() bool { return cfg.Coordinator }),
		queue.WithNewTimeSourceHook(func(old, new *queue.Neighbor) {
			if n.hooks.NewTimeSource != nil {
				n.hooks.NewTimeSource(old, new)
			}
		}))
	if err != nil {
		return nil, err
	}
	n.sched = schedule.New(cfg.Schedule, n.lk, n.nbrs, n.log)
	n.sched.SetRemoveLinkHook(func(l *schedule.Link) {
		if n.currentLink == l {
			n.currentLink = nil
		}
	})

	if err := n.inputRing.Init(cfg.MaxIncomingPackets); err != nil {
		return nil, err
	}
	n.inputArray = make([]inputPacket, cfg.MaxIncomingPackets)
	if err := n.dequeuedRing.Init(cfg.DequeuedRingSize); err != nil {
		return nil, err
	}
	n.dequeuedArray = make([]*queue.Packet, cfg.DequeuedRingSize)

	// The slot engine polls the radio; interrupts would race the timer.
	n.radio.SetInterruptEnable(false)
	n.radio.SFDSync(true, false)
	n.radio.SetAddressDecode(true)

	n.joinPriority.Store(0xff)
	n.currentEBPeriod = clampDuration(cfg.EBPeriod, cfg.EBPeriodMin, cfg.EBPeriodMax)

	if cfg.MinimalSchedule {
		if err := n.sched.CreateMinimal(); err != nil {
			return nil, fmt.Errorf("tsch: install minimal schedule: %w", err)
		}
	}
	return n, nil
}

// Schedule exposes the schedule manager so the upper layer can install and
// remove slotframes and links.
func (n *Node) Schedule() *schedule.Schedule {
	return n.sched
}

// Queue exposes the neighbor queue subsystem.
func (n *Node) Queue() *queue.List {
	return n.nbrs
}

// Associated reports whether the node is synchronized to a network.
func (n *Node) Associated() bool {
	return n.associated.Load()
}

// JoinPriority returns our advertised join priority.
func (n *Node) JoinPriority() uint8 {
	return uint8(n.joinPriority.Load())
}

// CurrentASN returns a snapshot of the slot counter.
func (n *Node) CurrentASN() asn.ASN {
	return n.currentASN
}

// nextSeqno returns the next MAC sequence number, skipping zero.
func (n *Node) nextSeqno() uint8 {
	for {
		old := n.seqno.Load()
		next := (old + 1) & 0xff
		if next == 0 {
			next = 1
		}
		if n.seqno.CompareAndSwap(old, next) {
			return uint8(next)
		}
	}
}

// Send frames a payload and enqueues it for the destination. A null
// destination broadcasts. Once the frame is queued, the callback fires from
// the event pump with the final result; if framing or enqueueing fails, it
// fires immediately with TxErr and an error is returned.
func (n *Node) Send(dst lladdr.Address, payload []byte, cb queue.Callback, ctx any) error {
	seqno := n.nextSeqno()
	addr := dst
	ackRequested := true
	if addr.IsNull() {
		// Broadcast frames go out through the broadcast queue, unacked.
		addr = lladdr.Broadcast
	}
	if addr.IsBroadcast() {
		ackRequested = false
	}
	buf, err := n.framer.Create(addr, n.cfg.Address, seqno, ackRequested, payload)
	if err != nil {
		if cb != nil {
			cb(ctx, queue.TxErr, 1)
		}
		return fmt.Errorf("tsch: frame: %w", err)
	}
	before := n.nbrs.PacketCount(addr)
	if !n.nbrs.AddPacket(addr, buf, cb, ctx) {
		if cb != nil {
			cb(ctx, queue.TxErr, 1)
		}
		return fmt.Errorf("tsch: queue rejected frame for %s", addr)
	}
	n.log.Debugw("enqueued frame",
		zap.Stringer("dst", addr), zap.Uint8("seqno", seqno),
		zap.Int("queued_before", before))
	return nil
}

// Run operates the node until the context is canceled: association, the slot
// engine, beacon generation and the event pump.
func (n *Node) Run(ctx context.Context) error {
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error { return n.mainLoop(ctx) })
	wg.Go(func() error { return n.ebLoop(ctx) })
	wg.Go(func() error { return n.pumpLoop(ctx) })
	err := wg.Wait()

	n.clock.Cancel()
	n.stopKeepalive()
	n.associated.Store(false)
	n.radio.Off()
	return err
}

// mainLoop associates, starts the slot engine, and resets on
// desynchronization.
func (n *Node) mainLoop(ctx context.Context) error {
	for {
		if err := n.associate(ctx); err != nil {
			return err
		}
		n.ebMu.Lock()
		n.associationTime = time.Now()
		n.ebMu.Unlock()

		n.scheduleKeepalive()
		n.startSlotEngine()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.desyncCh:
		}

		n.log.Info("will re-synchronize")
		n.radio.Off()
		n.clock.Cancel()
		n.reset()
	}
}

// startSlotEngine resolves the first active link and arms the slot timer,
// advancing over already-missed deadlines.
func (n *Node) startSlotEngine() {
	n.log.Infow("scheduling initial slot operation",
		zap.Stringer("asn", n.currentASN),
		zap.Uint32("start", uint32(n.currentLinkStart)))
	n.advanceToNextSlot()
}

// reset tears the synchronized state down after leaving the network.
func (n *Node) reset() {
	// Deliver pending callbacks first.
	n.processPending()
	n.nbrs.FreeUnusedNeighbors()
	n.nbrs.UpdateTimeSource(nil)
	n.joinPriority.Store(0xff)
	n.currentASN = asn.ASN{}
	n.lastSyncASN = asn.ASN{}
	n.currentLink = nil
	n.currentPacket = nil
	n.currentNeighbor = nil
	n.driftCorrection = 0
	n.driftNeighbor = nil
	n.ebStats = make(map[lladdr.Address]ebStat)
	n.bestEB = 0
	if n.hooks.LeavingNetwork != nil {
		n.hooks.LeavingNetwork()
	}
}

// poke wakes the event pump.
func (n *Node) poke() {
	select {
	case n.pollCh <- struct{}{}:
	default:
	}
}

// signalDesync wakes the main loop to tear down and re-scan.
func (n *Node) signalDesync() {
	select {
	case n.desyncCh <- struct{}{}:
	default:
	}
}

// DumpStatus logs a brief engine snapshot.
func (n *Node) DumpStatus() {
	link := n.currentLink
	var sfHandle, chOff any = "none", "none"
	if link != nil {
		sfHandle, chOff = link.SlotframeHandle, link.ChannelOffset
	}
	n.log.Infow("status",
		zap.Stringer("asn", n.currentASN),
		zap.Bool("associated", n.associated.Load()),
		zap.Bool("locked", n.lk.Locked()),
		zap.Bool("lock_requested", n.lk.Requested()),
		zap.Bool("in_slot", n.lk.InSlot()),
		zap.Any("slotframe", sfHandle),
		zap.Any("channel_offset", chOff))
	n.slotLog.drain(n.log)
	n.sched.Dump()
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
