package queue

import (
	"github.com/tsch-platform/gotsch/lladdr"
	"github.com/tsch-platform/gotsch/ringbufindex"
)

// Neighbor is the per-peer transmit state: a lock-free ring of outgoing
// packets plus CSMA backoff bookkeeping. The ring follows a strict
// single-producer (task) / single-consumer (slot routine) discipline.
type Neighbor struct {
	addr        lladdr.Address
	isBroadcast bool

	isTimeSource bool

	backoffExponent uint8
	backoffWindow   uint8

	// Back-pointers from the schedule: how many installed TX links target
	// this neighbor, and how many of those are dedicated (non-shared).
	txLinksCount          uint8
	dedicatedTxLinksCount uint8

	ring    ringbufindex.Ring
	txArray []*Packet

	inUse bool
}

// Addr returns the neighbor's link-layer address.
func (n *Neighbor) Addr() lladdr.Address {
	return n.addr
}

// IsBroadcast reports whether this is one of the virtual broadcast/EB queues.
func (n *Neighbor) IsBroadcast() bool {
	return n.isBroadcast
}

// IsTimeSource reports whether this neighbor is our synchronization parent.
func (n *Neighbor) IsTimeSource() bool {
	return n.isTimeSource
}

// BackoffExponent returns the current CSMA exponent.
func (n *Neighbor) BackoffExponent() uint8 {
	return n.backoffExponent
}

// BackoffWindow returns the number of shared slots left to skip.
func (n *Neighbor) BackoffWindow() uint8 {
	return n.backoffWindow
}

// TxLinksCount returns the number of installed TX links to this neighbor.
func (n *Neighbor) TxLinksCount() uint8 {
	return n.txLinksCount
}

// DedicatedTxLinksCount returns the number of non-shared TX links.
func (n *Neighbor) DedicatedTxLinksCount() uint8 {
	return n.dedicatedTxLinksCount
}

// AddTxLink records an installed TX link targeting this neighbor. Called by
// the schedule manager under the coordination lock's discipline.
func (n *Neighbor) AddTxLink(shared bool) {
	n.txLinksCount++
	if !shared {
		n.dedicatedTxLinksCount++
	}
}

// RemoveTxLink records the removal of a TX link targeting this neighbor.
func (n *Neighbor) RemoveTxLink(shared bool) {
	n.txLinksCount--
	if !shared {
		n.dedicatedTxLinksCount--
	}
}
