package tsch

import (
	"go.uber.org/zap"

	"github.com/tsch-platform/gotsch/asn"
	"github.com/tsch-platform/gotsch/lladdr"
	"github.com/tsch-platform/gotsch/queue"
	"github.com/tsch-platform/gotsch/ringbufindex"
)

// The slot routine cannot call the logger: it allocates and takes locks.
// Instead it appends fixed-size records to this ring, which the event pump
// drains through zap outside interrupt context. Message strings must be
// static literals.

type slotLogKind uint8

const (
	slotLogMessage slotLogKind = iota
	slotLogTx
	slotLogRx
)

const slotLogSize = 32

type slotLogEntry struct {
	kind slotLogKind
	asn  asn.ASN
	msg  string
	addr lladdr.Address

	// tx: result / transmissions / drift.
	// rx: rssi / datalen / estimated drift.
	// message: up to three free values.
	v1, v2, v3 int32
}

type slotLog struct {
	ring    ringbufindex.Ring
	entries [slotLogSize]slotLogEntry
	dropped int
}

func newSlotLog() *slotLog {
	l := &slotLog{}
	// slotLogSize is a power of two by construction.
	_ = l.ring.Init(slotLogSize)
	return l
}

func (l *slotLog) message(a asn.ASN, msg string, v1, v2, v3 int32) {
	idx := l.ring.PeekPut()
	if idx == -1 {
		l.dropped++
		return
	}
	l.entries[idx] = slotLogEntry{kind: slotLogMessage, asn: a, msg: msg, v1: v1, v2: v2, v3: v3}
	l.ring.Put()
}

func (l *slotLog) tx(a asn.ASN, dest lladdr.Address, result queue.TxResult, transmissions uint8, drift int32) {
	idx := l.ring.PeekPut()
	if idx == -1 {
		l.dropped++
		return
	}
	l.entries[idx] = slotLogEntry{
		kind: slotLogTx, asn: a, addr: dest,
		v1: int32(result), v2: int32(transmissions), v3: drift,
	}
	l.ring.Put()
}

func (l *slotLog) rx(a asn.ASN, src lladdr.Address, rssi int16, datalen int, drift int32) {
	idx := l.ring.PeekPut()
	if idx == -1 {
		l.dropped++
		return
	}
	l.entries[idx] = slotLogEntry{
		kind: slotLogRx, asn: a, addr: src,
		v1: int32(rssi), v2: int32(datalen), v3: drift,
	}
	l.ring.Put()
}

func (l *slotLog) drain(log *zap.SugaredLogger) {
	for {
		idx := l.ring.Get()
		if idx == -1 {
			break
		}
		e := &l.entries[idx]
		switch e.kind {
		case slotLogTx:
			log.Debugw("slot tx",
				zap.Stringer("asn", e.asn),
				zap.Stringer("dest", e.addr),
				zap.Stringer("result", queue.TxResult(e.v1)),
				zap.Int32("transmissions", e.v2),
				zap.Int32("drift", e.v3))
		case slotLogRx:
			log.Debugw("slot rx",
				zap.Stringer("asn", e.asn),
				zap.Stringer("src", e.addr),
				zap.Int32("rssi", e.v1),
				zap.Int32("datalen", e.v2),
				zap.Int32("estimated_drift", e.v3))
		default:
			log.Debugw(e.msg,
				zap.Stringer("asn", e.asn),
				zap.Int32("v1", e.v1), zap.Int32("v2", e.v2), zap.Int32("v3", e.v3))
		}
	}
	if l.dropped > 0 {
		log.Warnw("slot log overflow", zap.Int("dropped", l.dropped))
		l.dropped = 0
	}
}
