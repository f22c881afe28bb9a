package tsch

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ebLoop periodically enqueues an enhanced beacon while associated. The
// period is jittered into [0.9*P, P) and clamped to the minimum for the
// first minute after association, to thicken beaconing while the network
// forms around a new node.
func (n *Node) ebLoop(ctx context.Context) error {
	// Wait for the first association.
	ticker := time.NewTicker(100 * time.Millisecond)
	for !n.associated.Load() {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	ticker.Stop()

	if !n.cfg.Coordinator {
		// Spread first beacons out; the coordinator beacons right away.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(randDurationBelow(n.ebPeriod())):
		}
	}

	for {
		if n.associated.Load() {
			n.enqueueEB()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitterDuration(n.ebPeriod())):
		}
	}
}

// enqueueEB queues a fresh beacon unless one is already pending. The sync
// payload is stamped at transmit time.
func (n *Node) enqueueEB() {
	if !n.nbrs.IsEmpty(n.nbrs.EB()) {
		return
	}
	seqno := n.nextSeqno()
	buf, err := n.framer.MakeEB(n.cfg.Address, seqno, n.JoinPriority())
	if err != nil {
		n.log.Warnw("failed to build EB", zap.Error(err))
		return
	}
	if !n.nbrs.AddPacketFor(n.nbrs.EB(), buf, nil, nil) {
		n.log.Debugw("could not enqueue EB")
		return
	}
	n.stats.EBSent()
}

// ebPeriod returns the effective beacon period.
func (n *Node) ebPeriod() time.Duration {
	n.ebMu.Lock()
	defer n.ebMu.Unlock()
	if time.Since(n.associationTime) < time.Minute {
		return n.cfg.EBPeriodMin
	}
	return n.currentEBPeriod
}

// SetEBPeriod adjusts the beacon period within the configured bounds.
func (n *Node) SetEBPeriod(period time.Duration) {
	n.ebMu.Lock()
	defer n.ebMu.Unlock()
	n.currentEBPeriod = clampDuration(period, n.cfg.EBPeriodMin, n.cfg.EBPeriodMax)
}
