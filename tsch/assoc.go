package tsch

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tsch-platform/gotsch/asn"
	"github.com/tsch-platform/gotsch/frame"
	"github.com/tsch-platform/gotsch/queue"
	"github.com/tsch-platform/gotsch/rtimer"
)

// associate blocks until the node is part of a network: the coordinator
// starts one immediately, everyone else scans for enhanced beacons.
func (n *Node) associate(ctx context.Context) error {
	n.currentASN = asn.ASN{}

	if n.cfg.Coordinator {
		n.associated.Store(true)
		n.joinPriority.Store(0)
		// Give the timer a little headroom before the first slot.
		n.currentLinkStart = n.clock.Now() + 20*rtimer.MinDelay
		n.lastSyncASN = n.currentASN
		n.log.Infow("starting network", zap.Stringer("asn", n.currentASN))
		return nil
	}

	// Pace scan rounds; the spread keeps colliding joiners apart.
	pacing := &backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          1.0,
		MaxInterval:         100 * time.Millisecond,
	}
	pacing.Reset()
	baseChannel := rand.Uint32()

	for !n.associated.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Hop to a pseudo-random channel, changing once per second.
		offset := uint16((baseChannel + uint32(time.Since(n.startTime)/time.Second)) %
			uint32(len(n.cfg.HoppingSequence)))
		n.hopper.hop(n.radio, n.currentASN, offset)
		n.radio.RawRxOn()

		if n.scanForEB() {
			var buf [frame.MaxLen]byte
			length, _ := n.radio.Read(buf[:])
			timestamp := n.radio.ReadSFDTimer()
			if length != 0 {
				n.tryAssociate(buf[:length], timestamp)
			}
		}

		if n.associated.Load() {
			n.radio.Off()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pacing.NextBackOff()):
		}
	}
	return nil
}

// scanForEB waits on the current channel for a pending frame, bounded by the
// scan window.
func (n *Node) scanForEB() bool {
	t0 := n.clock.Now()
	deadline := t0 + n.cfg.Timing.ScanWindow
	step := n.cfg.Timing.SlotDuration / 10
	if step == 0 {
		step = 1
	}
	for !n.radio.PendingPacket() && rtimer.Before(n.clock.Now(), deadline) {
		n.clock.SleepUntil(n.clock.Now() + step)
	}
	return n.radio.PendingPacket()
}

// tryAssociate adopts the network advertised by a scanned enhanced beacon:
// ASN, time source, join priority and the slot phase derived from the
// frame timestamp.
func (n *Node) tryAssociate(buf []byte, timestamp rtimer.Tick) bool {
	src, ebASN, jp, ok := n.framer.ParseEB(buf)
	if !ok {
		return false
	}

	if n.cfg.CheckTimeAtAssociation > 0 {
		// Reject beacons whose ASN is implausibly far ahead of the time we
		// have been running.
		slotDur := time.Duration(n.cfg.Timing.SlotDuration) * n.cfg.Timing.TickDuration
		expected := uint32(time.Since(n.startTime) / slotDur)
		threshold := int32(n.cfg.CheckTimeAtAssociation / slotDur)
		if diff := int32(ebASN.LS4B - expected); diff > threshold {
			n.log.Warnw("beacon ASN rejected",
				zap.Stringer("asn", ebASN), zap.Int32("diff", diff))
			return false
		}
	}

	if jp >= n.cfg.JoinPriorityMax {
		return false
	}
	if n.nbrs.AddNeighbor(src) == nil {
		return false
	}

	n.currentASN = ebASN
	n.nbrs.UpdateTimeSource(&src)
	n.lastSyncASN = ebASN
	n.currentLinkStart = timestamp - n.cfg.Timing.TxOffset
	n.joinPriority.Store(uint32(jp) + 1)
	n.associated.Store(true)
	n.stats.EBReceived()

	if n.hooks.JoiningNetwork != nil {
		n.hooks.JoiningNetwork()
	}
	n.log.Infow("association done",
		zap.Stringer("asn", n.currentASN),
		zap.Uint8("join_priority", n.JoinPriority()),
		zap.Stringer("time_source", src))
	return true
}

// scheduleKeepalive (re-)arms the keepalive timer with a delay in
// [0.9*timeout, timeout).
func (n *Node) scheduleKeepalive() {
	if n.cfg.Coordinator || !n.associated.Load() {
		return
	}
	delay := jitterDuration(n.cfg.KeepaliveTimeout)
	n.kaMu.Lock()
	defer n.kaMu.Unlock()
	if n.kaTimer != nil {
		n.kaTimer.Stop()
	}
	n.kaTimer = time.AfterFunc(delay, n.sendKeepalive)
}

func (n *Node) stopKeepalive() {
	n.kaMu.Lock()
	defer n.kaMu.Unlock()
	if n.kaTimer != nil {
		n.kaTimer.Stop()
		n.kaTimer = nil
	}
}

// sendKeepalive sends an empty unicast to the time source; the enhanced ACK
// it solicits carries the sync-IE that keeps us aligned. The completion
// callback re-arms the timer whatever the result.
func (n *Node) sendKeepalive() {
	if !n.associated.Load() {
		return
	}
	ts := n.nbrs.TimeSource()
	if ts == nil {
		return
	}
	addr := ts.Addr()
	err := n.Send(addr, nil, func(any, queue.TxResult, uint8) {
		n.scheduleKeepalive()
	}, nil)
	if err != nil {
		n.log.Debugw("keepalive enqueue failed", zap.Error(err))
		n.scheduleKeepalive()
	}
}
