package tsch

import (
	"context"

	"go.uber.org/zap"

	"github.com/tsch-platform/gotsch/frame"
	"github.com/tsch-platform/gotsch/lladdr"
)

// pumpLoop drains the post-TX and input rings outside interrupt context
// whenever the slot routine pokes it.
func (n *Node) pumpLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.pollCh:
			n.processPending()
		}
	}
}

// processPending handles received frames, completed transmissions and
// buffered slot logs, in that order.
func (n *Node) processPending() {
	n.processRxPending()
	n.processTxPending()
	n.slotLog.drain(n.log)
}

// processTxPending reports completed transmissions to their callbacks and
// reclaims packets and idle neighbors.
func (n *Node) processTxPending() {
	for {
		idx := n.dequeuedRing.PeekGet()
		if idx == -1 {
			return
		}
		p := n.dequeuedArray[idx]
		p.Complete()
		n.nbrs.FreePacket(p)
		n.nbrs.FreeUnusedNeighbors()
		n.dequeuedRing.Get()
	}
}

// processRxPending dispatches input-ring frames: data goes to the upper
// layer after duplicate filtering, beacons feed synchronization.
func (n *Node) processRxPending() {
	for {
		idx := n.inputRing.PeekGet()
		if idx == -1 {
			return
		}
		in := &n.inputArray[idx]
		payload := in.payload[:in.length]
		flags, seqno := n.framer.ParseFrameType(payload)

		if flags&frame.IsData != 0 {
			n.deliverData(in, payload, seqno)
		} else {
			n.processEB(in, payload)
		}
		n.inputRing.Get()
	}
}

// deliverData hands a data frame to the upper layer unless it is a
// duplicate or an empty keepalive. The payload slice is valid only for the
// duration of the hook call.
func (n *Node) deliverData(in *inputPacket, payload []byte, seqno uint8) {
	src, _, ok := n.framer.ExtractAddresses(payload)
	if !ok {
		return
	}
	if n.isDuplicate(src, seqno) {
		n.stats.DuplicateDrop()
		n.log.Debugw("dropped duplicate",
			zap.Stringer("src", src), zap.Uint8("seqno", seqno))
		return
	}
	n.recordSeqno(src, seqno)

	body := n.framer.Payload(payload)
	if len(body) == 0 {
		// Keepalive: the ACK already did its job.
		return
	}
	if n.hooks.Receive != nil {
		n.hooks.Receive(src, body, RxMeta{
			RSSI:        in.rssi,
			Correlation: in.correlation,
			ASN:         in.rxASN,
		})
	}
}

// processEB verifies a beacon against our synchronization state: ASN drift
// against our receive slot, join-priority updates, and the optional
// autoselection of a better time source.
func (n *Node) processEB(in *inputPacket, payload []byte) {
	src, ebASN, ebJP, ok := n.framer.ParseEB(payload)
	if !ok {
		// Beacon parse failures are silent drops.
		return
	}
	n.stats.EBReceived()

	if n.cfg.EBAutoselect && !n.cfg.Coordinator {
		n.autoselectTimeSource(src, ebJP)
	}

	ts := n.nbrs.TimeSource()
	if ts == nil || ts.Addr() != src {
		return
	}

	if asnDiff := in.rxASN.Diff(ebASN); asnDiff != 0 {
		// The next slot was scheduled off a drifted ASN: take the lock,
		// abort it, and step the counter.
		if n.lk.TryLock() {
			n.currentLink = nil
			if asnDiff > 0 {
				n.currentASN.Dec(uint32(asnDiff))
			} else {
				n.currentASN.Inc(uint32(-asnDiff))
			}
			n.lastSyncASN = n.currentASN
			n.lk.Unlock()
			n.log.Infow("corrected ASN", zap.Int32("diff", asnDiff))
		} else {
			n.log.Warnw("ASN correction skipped: lock contended",
				zap.Int32("diff", asnDiff))
		}
	}

	if ebJP < n.cfg.JoinPriorityMax {
		if n.JoinPriority() != ebJP+1 {
			n.log.Infow("join priority updated",
				zap.Uint8("old", n.JoinPriority()), zap.Uint8("new", ebJP+1))
			n.joinPriority.Store(uint32(ebJP) + 1)
		}
	} else {
		// Our parent advertises an unacceptable priority: leave.
		n.log.Warnw("time source join priority too high, leaving",
			zap.Uint8("jp", ebJP))
		n.associated.Store(false)
		n.signalDesync()
	}
}

// autoselectTimeSource keeps per-sender beacon counters and elects the
// lowest-priority neighbor among those heard more than half as often as the
// best. Counters are halved whenever the best reaches 256, aging stale
// senders out exponentially.
func (n *Node) autoselectTimeSource(src lladdr.Address, jp uint8) {
	st := n.ebStats[src]
	st.rxCount++
	st.jp = jp
	n.ebStats[src] = st
	if st.rxCount > n.bestEB {
		n.bestEB = st.rxCount
	}
	if n.bestEB >= 256 {
		for a, s := range n.ebStats {
			s.rxCount /= 2
			n.ebStats[a] = s
		}
		n.bestEB /= 2
	}

	bestJP := uint8(0xff)
	var bestAddr lladdr.Address
	for a, s := range n.ebStats {
		if s.rxCount > n.bestEB/2 && s.jp < bestJP {
			bestJP = s.jp
			bestAddr = a
		}
	}
	if bestJP != 0xff {
		n.nbrs.UpdateTimeSource(&bestAddr)
		n.joinPriority.Store(uint32(bestJP) + 1)
	}
}

// isDuplicate checks the (sender, seqno) history.
func (n *Node) isDuplicate(sender lladdr.Address, seqno uint8) bool {
	for _, e := range n.seqnos {
		if e.seqno == seqno && e.sender == sender {
			return true
		}
	}
	return false
}

// recordSeqno shifts the history and records the newest entry first.
func (n *Node) recordSeqno(sender lladdr.Address, seqno uint8) {
	if len(n.seqnos) == 0 {
		return
	}
	copy(n.seqnos[1:], n.seqnos[:len(n.seqnos)-1])
	n.seqnos[0] = seqnoEntry{sender: sender, seqno: seqno}
}
