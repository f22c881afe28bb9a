package tsch

import (
	"time"

	"github.com/tsch-platform/gotsch/frame"
	"github.com/tsch-platform/gotsch/queue"
	"github.com/tsch-platform/gotsch/radio"
	"github.com/tsch-platform/gotsch/rtimer"
	"github.com/tsch-platform/gotsch/schedule"
)

// slotOperation executes one timeslot. It runs at timer fire, to completion:
// the suspension points of the protocol are absolute-deadline sleeps on the
// slot clock. At most one execution runs per slot boundary.
func (n *Node) slotOperation() {
	if !n.associated.Load() {
		return
	}

	if n.currentLink == nil || n.lk.Requested() || n.lk.Locked() {
		// Skip the whole slot: either nothing is scheduled or a mutator is
		// waiting for or holds the lock.
		n.slotLog.message(n.currentASN, "!skipped slot",
			boolToInt32(n.lk.Locked()), boolToInt32(n.lk.Requested()),
			boolToInt32(n.currentLink == nil))
		n.stats.SkippedSlot()
	} else {
		n.lk.EnterSlot()
		link := n.currentLink
		n.currentPacket, n.currentNeighbor = n.packetAndNeighborForLink(link)
		n.hopper.hop(n.radio, n.currentASN, link.ChannelOffset)
		n.driftCorrection = 0
		n.driftNeighbor = nil

		if n.currentPacket != nil {
			n.txSlot(link)
		} else if link.Options&schedule.OptionRX != 0 {
			n.rxSlot(link)
		}
	}

	n.postSlot()
	n.lk.LeaveSlot()
}

// postSlot checks for desynchronization, then walks the schedule to the next
// active link and arms the timer, skipping missed slots.
func (n *Node) postSlot() {
	if !n.cfg.Coordinator &&
		n.currentASN.Diff(n.lastSyncASN) > int32(n.cfg.DesyncThresholdSlots) {
		n.slotLog.message(n.currentASN, "!leaving the network",
			n.currentASN.Diff(n.lastSyncASN), 0, 0)
		n.stats.Desync()
		n.associated.Store(false)
		n.signalDesync()
		return
	}
	n.advanceToNextSlot()
}

// advanceToNextSlot arms the slot timer for the next active link. When the
// deadline is already missed the loop advances again, so missed slots are
// skipped safely; this is the only place time is allowed to slip.
func (n *Node) advanceToNextSlot() {
	for {
		if l := n.currentLink; l != nil &&
			l.Options&schedule.OptionTX != 0 && l.Options&schedule.OptionShared != 0 {
			// The slot that just ended was a shared TX slot: tick the
			// backoff windows of every queue eligible for it.
			n.nbrs.DecrementAllBackoffWindows(l.Addr)
		}

		link, timeslotDiff := n.sched.NextActiveLink(n.currentASN)
		if link == nil {
			// No next link: wake up at the next timeslot anyway.
			timeslotDiff = 1
		}
		n.currentLink = link
		n.currentASN.Inc(uint32(timeslotDiff))

		timeToNext := rtimer.Tick(timeslotDiff)*n.cfg.Timing.SlotDuration +
			rtimer.Tick(n.driftCorrection)
		n.driftCorrection = 0
		n.driftNeighbor = nil

		prevStart := n.currentLinkStart
		n.currentLinkStart += timeToNext
		if n.scheduleSlotOperation(prevStart, timeToNext, true) {
			return
		}
	}
}

// scheduleSlotOperation arms the slot timer at ref+offset. A missed deadline
// is logged; when conditional it reports failure instead of arming, and the
// caller advances to the following slot.
func (n *Node) scheduleSlotOperation(ref, offset rtimer.Tick, conditional bool) bool {
	now := n.clock.Now()
	if rtimer.Missed(ref, offset, now) {
		n.slotLog.message(n.currentASN, "!deadline missed",
			int32(now-ref), int32(offset), boolToInt32(conditional))
		n.stats.DeadlineMiss()
		if conditional {
			return false
		}
	}
	n.clock.Schedule(ref+offset, n.slotOperation)
	return true
}

// packetAndNeighborForLink picks what to send in a TX slot: a queued EB on
// advertising links, else the link neighbor's head frame, else - on a shared
// broadcast slot - any pending unicast.
func (n *Node) packetAndNeighborForLink(link *schedule.Link) (*queue.Packet, *queue.Neighbor) {
	if link.Options&schedule.OptionTX == 0 {
		return nil, nil
	}
	isShared := link.Options&schedule.OptionShared != 0

	var p *queue.Packet
	var nbr *queue.Neighbor
	if link.Type == schedule.LinkAdvertising || link.Type == schedule.LinkAdvertisingOnly {
		nbr = n.nbrs.EB()
		p = n.nbrs.PacketFor(nbr, false)
	}
	if link.Type != schedule.LinkAdvertisingOnly && p == nil {
		nbr = n.nbrs.GetNeighbor(link.Addr)
		p = n.nbrs.PacketFor(nbr, isShared)
		if p == nil && nbr == n.nbrs.Broadcast() {
			p, nbr = n.nbrs.UnicastPacketForAny(isShared)
		}
	}
	return p, nbr
}

// txSlot transmits the current packet and, for unicast, collects the
// enhanced ACK and its drift estimate.
func (n *Node) txSlot(link *schedule.Link) {
	t := n.cfg.Timing
	start := n.currentLinkStart
	p := n.currentPacket
	nbr := n.currentNeighbor

	// A completed transmission needs a completion slot; without one, fail
	// fast and leave the frame queued.
	dequeuedIndex := n.dequeuedRing.PeekPut()
	if dequeuedIndex == -1 {
		p.Ret = queue.TxFatalErr
		n.slotLog.message(n.currentASN, "!no dequeue slot", 0, 0, 0)
		n.stats.TxResult(queue.TxFatalErr.String())
		return
	}

	status := queue.TxErr
	payload := p.Frame()
	isBroadcast := nbr.IsBroadcast()
	_, seqno := n.framer.ParseFrameType(payload)

	ready := true
	if nbr == n.nbrs.EB() {
		ready = n.framer.UpdateEB(payload, n.currentASN, n.JoinPriority())
	}

	if ready && n.radio.Prepare(payload) == nil {
		ccaBusy := false
		if n.cfg.CCA {
			n.clock.SleepUntil(start + t.CCAOffset)
			n.radio.On()
			clear := rtimer.BusywaitUntil(n.clock, n.radio.ChannelClear,
				start, t.CCAOffset+t.CCA)
			ccaBusy = !clear
		}
		if ccaBusy {
			status = queue.TxCollision
			n.radio.Off()
		} else {
			n.clock.SleepUntil(start + t.TxOffset - t.DelayTx)
			txStatus := n.radio.Transmit(len(payload))
			txStart := start + t.TxOffset
			txDuration := minTick(t.PacketDuration(len(payload)), t.DataMaxDuration)
			n.radio.Off()

			switch txStatus {
			case radio.TxOK:
				n.tracer.Record(payload, time.Now())
				if isBroadcast {
					status = queue.TxOK
				} else {
					status = n.waitForAck(nbr, seqno, txStart, txDuration)
				}
			case radio.TxCollision:
				status = queue.TxCollision
			default:
				status = queue.TxErr
			}
		}
	}

	p.Transmissions++
	p.Ret = status

	inQueue := n.updateNeighborState(nbr, p, link, status)
	if !inQueue {
		n.dequeuedArray[dequeuedIndex] = p
		n.dequeuedRing.Put()
		n.poke()
	}

	n.slotLog.tx(n.currentASN, nbr.Addr(), status, p.Transmissions, n.driftCorrection)
	n.stats.TxResult(status.String())
}

// waitForAck listens for the enhanced ACK of a unicast transmission and
// applies drift correction when it came from our time source.
func (n *Node) waitForAck(nbr *queue.Neighbor, seqno uint8, txStart, txDuration rtimer.Tick) queue.TxResult {
	t := n.cfg.Timing

	// The enhanced ACK does not pass hardware address filtering.
	n.radio.SetAddressDecode(false)
	n.clock.SleepUntil(txStart + txDuration + t.TxAckDelay - t.ShortGT - t.DelayRx)
	n.radio.On()

	receiving := rtimer.BusywaitUntil(n.clock, func() bool {
		return n.radio.ReceivingPacket() || n.radio.PendingPacket()
	}, txStart, txDuration+t.TxAckDelay+t.ShortGT)

	if !receiving {
		n.radio.Off()
		n.radio.SetAddressDecode(true)
		return queue.TxNoAck
	}

	ackStart := n.clock.Now()
	rtimer.BusywaitUntil(n.clock, func() bool {
		return !n.radio.ReceivingPacket()
	}, ackStart, t.AckMaxDuration)
	n.radio.Off()
	n.radio.SetAddressDecode(true)

	ackLen, _ := n.radio.Read(n.ackBuf[:])
	isTimeSource := nbr != nil && nbr.IsTimeSource()
	flags, receivedDrift := n.framer.ParseSyncAck(n.ackBuf[:ackLen], seqno, isTimeSource)
	if flags&frame.AckOK == 0 {
		return queue.TxNoAck
	}

	if isTimeSource && flags&frame.AckHasSyncIE != 0 {
		// Truncate the correction to half the guard time; a larger step
		// would outrun the RX guard of our neighbors.
		bound := int32(t.LongGT / 2)
		corrected := receivedDrift
		if corrected > bound {
			corrected = bound
		} else if corrected < -bound {
			corrected = -bound
		}
		if corrected != receivedDrift {
			n.slotLog.message(n.currentASN, "!truncated drift", receivedDrift, corrected, 0)
		}
		n.driftCorrection = corrected
		n.driftNeighbor = nbr
		n.lastSyncASN = n.currentASN
		n.scheduleKeepalive()
	}
	return queue.TxOK
}

// updateNeighborState applies the post-TX queue and CSMA rules and reports
// whether the packet stays queued for retry.
func (n *Node) updateNeighborState(nbr *queue.Neighbor, p *queue.Packet,
	link *schedule.Link, status queue.TxResult) bool {
	inQueue := true
	isSharedLink := link.Options&schedule.OptionShared != 0
	isUnicast := !nbr.IsBroadcast()

	if status == queue.TxOK {
		n.nbrs.RemoveHead(nbr)
		inQueue = false
		if isUnicast {
			if isSharedLink || n.nbrs.IsEmpty(nbr) {
				// Shared link: reset backoff on success. Dedicated link:
				// only once the queue has drained.
				n.nbrs.BackoffReset(nbr)
			}
		}
	} else {
		if p.Transmissions >= n.cfg.MaxFrameRetries+1 {
			n.nbrs.RemoveHead(nbr)
			inQueue = false
		}
		if isUnicast && isSharedLink {
			n.nbrs.BackoffInc(nbr)
		}
	}
	return inQueue
}

// rxSlot listens for one frame, acknowledges it with a drift estimate, and
// publishes it to the event pump.
func (n *Node) rxSlot(link *schedule.Link) {
	t := n.cfg.Timing
	start := n.currentLinkStart

	record := true
	inputIndex := n.inputRing.PeekPut()
	current := &n.scratchInput
	if inputIndex == -1 {
		// Ring full: listen anyway but drop whatever arrives.
		record = false
		n.stats.InputDrop()
		n.slotLog.message(n.currentASN, "!input ring full", 0, 0, 0)
	} else {
		current = &n.inputArray[inputIndex]
	}

	expectedRx := start + t.TxOffset
	rxStart := expectedRx

	n.clock.SleepUntil(start + t.TxOffset - t.LongGT - t.DelayRx)
	n.radio.On()

	if !n.radio.ReceivingPacket() {
		got := rtimer.BusywaitUntil(n.clock, func() bool {
			return n.radio.ReceivingPacket() || n.radio.PendingPacket()
		}, start, t.TxOffset+t.LongGT)
		if got {
			rxStart = n.clock.Now()
		}
	}

	if !n.radio.ReceivingPacket() && !n.radio.PendingPacket() {
		// Nothing on air within the guard time.
		n.radio.Off()
		return
	}

	rtimer.BusywaitUntil(n.clock, func() bool {
		return !n.radio.ReceivingPacket()
	}, start, t.TxOffset+t.LongGT+t.DataMaxDuration)
	n.radio.Off()

	if !n.radio.PendingPacket() {
		return
	}

	length, meta := n.radio.Read(current.payload[:])
	if length == 0 {
		return
	}
	current.length = length
	current.rxASN = n.currentASN
	current.rssi = meta.RSSI
	current.correlation = meta.Correlation
	payload := current.payload[:length]

	flags, seqno := n.framer.ParseFrameType(payload)
	ackNeeded := flags&frame.DoAck != 0
	src, dst, frameValid := n.framer.ExtractAddresses(payload)
	rxEnd := rxStart + t.PacketDuration(length)

	if !frameValid {
		return
	}
	if dst != n.cfg.Address && !dst.IsVirtual() {
		n.slotLog.message(n.currentASN, "!not for us", 0, 0, 0)
		return
	}

	estimatedDrift := int32(expectedRx - rxStart)

	if ackNeeded && record {
		doNack := false
		if n.hooks.DoNack != nil {
			doNack = n.hooks.DoNack(link, src, dst)
		}
		ackLen, err := n.framer.MakeSyncAck(n.ackBuf[:], estimatedDrift, doNack, src, seqno)
		if err == nil && n.radio.Prepare(n.ackBuf[:ackLen]) == nil {
			n.clock.SleepUntil(rxEnd + t.TxAckDelay - t.DelayTx)
			n.radio.Transmit(ackLen)
			n.radio.Off()
		}
	}

	// Sync off our time source's data frames.
	if srcNbr := n.nbrs.GetNeighbor(src); srcNbr != nil && srcNbr.IsTimeSource() {
		n.lastSyncASN = n.currentASN
		n.driftCorrection = -estimatedDrift
		n.driftNeighbor = srcNbr
		n.scheduleKeepalive()
	}

	if record {
		n.inputRing.Put()
		n.poke()
	}
	n.tracer.Record(payload, time.Now())
	n.slotLog.rx(n.currentASN, src, current.rssi, length, estimatedDrift)
	n.stats.RxFrame()
}

func minTick(a, b rtimer.Tick) rtimer.Tick {
	if rtimer.Before(a, b) {
		return a
	}
	return b
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
