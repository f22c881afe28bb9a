// Package queue implements the per-neighbor transmit queues of the MAC.
// The neighbor list is guarded by the global coordination lock; the
// per-neighbor packet rings are lock-free. Read-only operations on neighbors
// and packets are allowed from the slot routine as well as outside of it.
// After each slot the slot routine also runs RemoveHead and the CSMA backoff
// updates (BackoffInc, BackoffReset, DecrementAllBackoffWindows); all other
// operations are task-side only.
package queue

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tsch-platform/gotsch/frame"
	"github.com/tsch-platform/gotsch/lladdr"
	"github.com/tsch-platform/gotsch/lock"
)

// List owns the neighbor pool, the packet pool and the CSMA PRNG.
type List struct {
	cfg Config
	lk  *lock.SlotLock
	log *zap.SugaredLogger

	// isCoordinator gates UpdateTimeSource: the coordinator has no time
	// source.
	isCoordinator func() bool
	// onNewTimeSource is invoked after the time source changes.
	onNewTimeSource func(old, new *Neighbor)

	neighbors []Neighbor
	packets   []Packet
	rng       lcg

	// rr is the round-robin cursor for opportunistic unicast selection on
	// shared broadcast slots.
	rr int

	nBroadcast *Neighbor
	nEB        *Neighbor
}

// Option configures a List.
type Option func(*List)

// WithCoordinatorFn supplies the coordinator predicate.
func WithCoordinatorFn(fn func() bool) Option {
	return func(l *List) { l.isCoordinator = fn }
}

// WithNewTimeSourceHook registers the time-source change callback.
func WithNewTimeSourceHook(fn func(old, new *Neighbor)) Option {
	return func(l *List) { l.onNewTimeSource = fn }
}

// New builds the queue subsystem and installs the broadcast and EB virtual
// neighbors, which are never freed.
func New(cfg Config, nodeAddr lladdr.Address, lk *lock.SlotLock, log *zap.SugaredLogger, opts ...Option) (*List, error) {
	if cfg.QueueDepth <= 0 || cfg.QueueDepth&(cfg.QueueDepth-1) != 0 {
		return nil, fmt.Errorf("queue: depth %d is not a power of two", cfg.QueueDepth)
	}
	if cfg.MaxNeighbors < 2 {
		return nil, fmt.Errorf("queue: need at least 2 neighbor slots, got %d", cfg.MaxNeighbors)
	}
	l := &List{
		cfg:           cfg,
		lk:            lk,
		log:           log,
		isCoordinator: func() bool { return false },
		neighbors:     make([]Neighbor, cfg.MaxNeighbors),
		packets:       make([]Packet, cfg.MaxNeighbors*cfg.QueueDepth),
	}
	for i := range l.neighbors {
		l.neighbors[i].txArray = make([]*Packet, cfg.QueueDepth)
	}
	l.rng.init(nodeAddr.Seed())
	for _, opt := range opts {
		opt(l)
	}

	l.nEB = l.AddNeighbor(lladdr.EB)
	l.nBroadcast = l.AddNeighbor(lladdr.Broadcast)
	if l.nEB == nil || l.nBroadcast == nil {
		return nil, fmt.Errorf("queue: failed to install virtual neighbors")
	}
	return l, nil
}

// Broadcast returns the virtual broadcast neighbor.
func (l *List) Broadcast() *Neighbor {
	return l.nBroadcast
}

// EB returns the virtual enhanced-beacon neighbor.
func (l *List) EB() *Neighbor {
	return l.nEB
}

// AddNeighbor returns the neighbor for addr, creating it if absent. Creation
// requires the coordination lock to be free; on contention or pool
// exhaustion nil is returned.
func (l *List) AddNeighbor(addr lladdr.Address) *Neighbor {
	if n := l.GetNeighbor(addr); n != nil {
		return n
	}
	var n *Neighbor
	if l.lk.TryLock() {
		n = l.allocNeighbor(addr)
		l.lk.Unlock()
	}
	if n == nil {
		l.log.Debugw("add neighbor failed", zap.Stringer("addr", addr),
			zap.Bool("locked", l.lk.Locked()))
	}
	return n
}

func (l *List) allocNeighbor(addr lladdr.Address) *Neighbor {
	for i := range l.neighbors {
		n := &l.neighbors[i]
		if n.inUse {
			continue
		}
		arr := n.txArray
		*n = Neighbor{txArray: arr}
		if err := n.ring.Init(l.cfg.QueueDepth); err != nil {
			return nil
		}
		n.addr = addr
		n.isBroadcast = addr.IsVirtual()
		n.inUse = true
		l.backoffResetLocked(n)
		return n
	}
	return nil
}

// GetNeighbor looks the address up without mutating anything. Safe from the
// slot routine as long as no mutator holds the lock.
func (l *List) GetNeighbor(addr lladdr.Address) *Neighbor {
	if l.lk.Locked() {
		return nil
	}
	for i := range l.neighbors {
		n := &l.neighbors[i]
		if n.inUse && n.addr == addr {
			return n
		}
	}
	return nil
}

// TimeSource returns the current time-source neighbor, if any. There is at
// most one.
func (l *List) TimeSource() *Neighbor {
	if l.lk.Locked() {
		return nil
	}
	for i := range l.neighbors {
		n := &l.neighbors[i]
		if n.inUse && n.isTimeSource {
			return n
		}
	}
	return nil
}

// UpdateTimeSource changes the time source to the neighbor at addr, creating
// it if needed; a nil addr clears the time source. Not permitted for the
// coordinator. Returns whether a change occurred.
func (l *List) UpdateTimeSource(addr *lladdr.Address) bool {
	if l.lk.Locked() || l.isCoordinator() {
		return false
	}
	old := l.TimeSource()
	var next *Neighbor
	if addr != nil {
		next = l.AddNeighbor(*addr)
	}
	if next == old {
		return false
	}
	if next != nil {
		next.isTimeSource = true
	}
	if old != nil {
		old.isTimeSource = false
	}
	l.log.Infow("time source updated",
		zap.Stringer("old", addrOf(old)), zap.Stringer("new", addrOf(next)))
	if l.onNewTimeSource != nil {
		l.onNewTimeSource(old, next)
	}
	return true
}

func addrOf(n *Neighbor) lladdr.Address {
	if n == nil {
		return lladdr.EB
	}
	return n.addr
}

// AddPacket enqueues a frame for addr. The null address routes to the
// broadcast queue. The ring slot is reserved with a non-destructive peek, the
// packet is filled, and the atomic index store publishes it; any intermediate
// failure releases partial state and reports false.
func (l *List) AddPacket(addr lladdr.Address, frameBuf []byte, cb Callback, ctx any) bool {
	if l.lk.Locked() {
		return false
	}
	if addr.IsNull() {
		addr = lladdr.Broadcast
	}
	return l.AddPacketFor(l.AddNeighbor(addr), frameBuf, cb, ctx)
}

// AddPacketFor enqueues a frame directly into a neighbor's queue. This is
// the path for EB frames, whose virtual queue shares the null address and
// must not be re-routed to broadcast.
func (l *List) AddPacketFor(n *Neighbor, frameBuf []byte, cb Callback, ctx any) bool {
	if l.lk.Locked() || n == nil {
		return false
	}
	putIndex := n.ring.PeekPut()
	if putIndex == -1 {
		return false
	}
	p := l.allocPacket()
	if p == nil {
		return false
	}
	if len(frameBuf) > frame.MaxLen {
		l.FreePacket(p)
		return false
	}
	p.length = copy(p.buf[:], frameBuf)
	p.sent = cb
	p.ctx = ctx
	p.Ret = TxDeferred
	p.Transmissions = 0
	n.txArray[putIndex] = p
	n.ring.Put()
	return true
}

func (l *List) allocPacket() *Packet {
	for i := range l.packets {
		if !l.packets[i].inUse {
			l.packets[i].inUse = true
			return &l.packets[i]
		}
	}
	return nil
}

// FreePacket returns a packet to the pool.
func (l *List) FreePacket(p *Packet) {
	if p != nil {
		p.inUse = false
	}
}

// PacketCount returns the number of packets queued for addr, or -1 if the
// neighbor cannot be resolved.
func (l *List) PacketCount(addr lladdr.Address) int {
	n := l.AddNeighbor(addr)
	if n == nil {
		return -1
	}
	return n.ring.Elements()
}

// RemoveHead consumes the head packet of the neighbor queue. It is the
// ring's consumer side, run by the slot routine after a transmission and by
// the task-side flush, and returns nil while the lock is held. The atomic
// index advance is the linearization point.
func (l *List) RemoveHead(n *Neighbor) *Packet {
	if l.lk.Locked() || n == nil {
		return nil
	}
	getIndex := n.ring.Get()
	if getIndex == -1 {
		return nil
	}
	return n.txArray[getIndex]
}

// IsEmpty reports whether the neighbor queue holds no packets.
func (l *List) IsEmpty(n *Neighbor) bool {
	return !l.lk.Locked() && n != nil && n.ring.Empty()
}

// PacketFor returns the head packet of the neighbor queue without consuming
// it. On a shared link the head is masked out until the backoff window has
// expired.
func (l *List) PacketFor(n *Neighbor, isSharedLink bool) *Packet {
	if l.lk.Locked() || n == nil {
		return nil
	}
	getIndex := n.ring.PeekGet()
	if getIndex == -1 {
		return nil
	}
	if isSharedLink && !l.BackoffExpired(n) {
		return nil
	}
	return n.txArray[getIndex]
}

// PacketForAddr is PacketFor keyed by address.
func (l *List) PacketForAddr(addr lladdr.Address, isSharedLink bool) *Packet {
	if l.lk.Locked() {
		return nil
	}
	return l.PacketFor(l.GetNeighbor(addr), isSharedLink)
}

// UnicastPacketForAny returns the head packet of any real neighbor that has
// no dedicated TX link, so pending unicast traffic can opportunistically use
// a shared broadcast slot. Neighbors are visited round-robin so one busy
// queue cannot starve the others.
func (l *List) UnicastPacketForAny(isSharedLink bool) (*Packet, *Neighbor) {
	if l.lk.Locked() {
		return nil, nil
	}
	count := len(l.neighbors)
	for off := 0; off < count; off++ {
		n := &l.neighbors[(l.rr+off)%count]
		if !n.inUse || n.isBroadcast || n.dedicatedTxLinksCount > 0 {
			continue
		}
		if p := l.PacketFor(n, isSharedLink); p != nil {
			l.rr = (l.rr + off + 1) % count
			return p, n
		}
	}
	return nil, nil
}

// FlushAll drains every neighbor queue, reporting TxErr to each packet's
// callback.
func (l *List) FlushAll() {
	if l.lk.Locked() {
		return
	}
	for i := range l.neighbors {
		n := &l.neighbors[i]
		if n.inUse {
			l.flushQueue(n)
		}
	}
}

func (l *List) flushQueue(n *Neighbor) {
	for !l.IsEmpty(n) {
		p := l.RemoveHead(n)
		if p == nil {
			return
		}
		p.Ret = TxErr
		p.Complete()
		l.FreePacket(p)
	}
}

// FreeUnusedNeighbors drops every neighbor that is not virtual, not the time
// source, has no TX links and an empty queue.
func (l *List) FreeUnusedNeighbors() {
	if l.lk.Locked() {
		return
	}
	for i := range l.neighbors {
		n := &l.neighbors[i]
		if !n.inUse {
			continue
		}
		if !n.isBroadcast && !n.isTimeSource && n.txLinksCount == 0 && l.IsEmpty(n) {
			l.removeNeighbor(n)
		}
	}
}

func (l *List) removeNeighbor(n *Neighbor) {
	if !l.lk.TryLock() {
		return
	}
	n.inUse = false
	l.lk.Unlock()
	l.log.Debugw("removed neighbor", zap.Stringer("addr", n.addr))
	l.flushNeighborSlot(n)
}

// flushNeighborSlot drains a just-removed neighbor's ring. The entry is out
// of the list already, so the callbacks run without the lock.
func (l *List) flushNeighborSlot(n *Neighbor) {
	for {
		getIndex := n.ring.Get()
		if getIndex == -1 {
			return
		}
		p := n.txArray[getIndex]
		if p == nil {
			continue
		}
		p.Ret = TxErr
		p.Complete()
		l.FreePacket(p)
	}
}

// BackoffExpired reports whether the neighbor may transmit over a shared
// link.
func (l *List) BackoffExpired(n *Neighbor) bool {
	return n.backoffWindow == 0
}

// BackoffReset clears the neighbor's CSMA state.
func (l *List) BackoffReset(n *Neighbor) {
	l.backoffResetLocked(n)
}

func (l *List) backoffResetLocked(n *Neighbor) {
	n.backoffWindow = 0
	n.backoffExponent = l.cfg.MinBE
}

// BackoffInc escalates the neighbor's CSMA state: the exponent saturates at
// MaxBE and a fresh window is drawn. The window gets one extra slot because
// it is decremented at the end of the current slot.
func (l *List) BackoffInc(n *Neighbor) {
	n.backoffExponent = min(n.backoffExponent+1, l.cfg.MaxBE)
	n.backoffWindow = l.rng.nextByte(uint8(1<<n.backoffExponent-1)) + 1
}

// DecrementAllBackoffWindows ticks the backoff windows after a shared TX
// slot addressed to dest: broadcast slots tick neighbors with no TX link,
// dedicated slots tick their own neighbor.
func (l *List) DecrementAllBackoffWindows(dest lladdr.Address) {
	if l.lk.Locked() {
		return
	}
	isBroadcast := dest.IsBroadcast()
	for i := range l.neighbors {
		n := &l.neighbors[i]
		if !n.inUse || n.backoffWindow == 0 {
			continue
		}
		if (isBroadcast && n.txLinksCount == 0) ||
			(n.txLinksCount > 0 && n.addr == dest) {
			n.backoffWindow--
		}
	}
}
