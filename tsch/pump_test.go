package tsch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsch-platform/gotsch/asn"
	"github.com/tsch-platform/gotsch/lladdr"
	"github.com/tsch-platform/gotsch/queue"
)

// injectInput places a frame into the node's input ring as if an RX slot
// had recorded it.
func injectInput(t *testing.T, n *Node, buf []byte, rxASN asn.ASN) {
	t.Helper()
	idx := n.inputRing.PeekPut()
	require.NotEqual(t, -1, idx)
	in := &n.inputArray[idx]
	in.length = copy(in.payload[:], buf)
	in.rxASN = rxASN
	in.rssi = -40
	in.correlation = 100
	require.True(t, n.inputRing.Put())
}

// Scenario: an EB from the time source whose ASN trails our receive ASN by
// 3 slots makes the pump abort the pending slot and step the counter back.
func TestASNCorrectionFromEB(t *testing.T) {
	n, _, vc := newTestNode(t, nil)

	require.True(t, n.tryAssociate(makeEBFrom(t, peerT, asn.New(0, 0x1000), 1), vc.Now()))
	n.startSlotEngine()
	require.NotNil(t, n.currentLink)

	rxASN := n.currentASN
	eb := makeEBFrom(t, peerT, asn.New(rxASN.MS1B, rxASN.LS4B-3), 1)
	injectInput(t, n, eb, rxASN)

	n.processPending()

	assert.Nil(t, n.currentLink)
	assert.Equal(t, asn.New(rxASN.MS1B, rxASN.LS4B-3), n.currentASN)
	assert.Equal(t, n.currentASN, n.lastSyncASN)
	assert.False(t, n.lk.Locked())
}

// An EB from the time source with a matching ASN only refreshes the join
// priority.
func TestEBUpdatesJoinPriority(t *testing.T) {
	n, _, vc := newTestNode(t, nil)

	require.True(t, n.tryAssociate(makeEBFrom(t, peerT, asn.New(0, 5), 3), vc.Now()))
	require.Equal(t, uint8(4), n.JoinPriority())

	injectInput(t, n, makeEBFrom(t, peerT, n.currentASN, 1), n.currentASN)
	n.processPending()
	assert.Equal(t, uint8(2), n.JoinPriority())
}

// An unacceptable join priority from our own time source forces us out of
// the network.
func TestEBJoinPriorityTooHighLeaves(t *testing.T) {
	n, _, vc := newTestNode(t, func(c *Config) { c.JoinPriorityMax = 8 })

	require.True(t, n.tryAssociate(makeEBFrom(t, peerT, asn.New(0, 5), 3), vc.Now()))

	injectInput(t, n, makeEBFrom(t, peerT, n.currentASN, 8), n.currentASN)
	n.processPending()

	assert.False(t, n.Associated())
	select {
	case <-n.desyncCh:
	default:
		t.Fatal("desync was not signaled")
	}
}

// EBs from strangers do not disturb synchronization.
func TestEBFromNonTimeSourceIgnored(t *testing.T) {
	n, _, vc := newTestNode(t, nil)

	require.True(t, n.tryAssociate(makeEBFrom(t, peerT, asn.New(0, 5), 1), vc.Now()))
	n.startSlotEngine()
	before := n.currentASN

	injectInput(t, n, makeEBFrom(t, peerS, asn.New(0, 99), 1), before)
	n.processPending()

	assert.Equal(t, before, n.currentASN)
	assert.NotNil(t, n.currentLink)
	assert.Equal(t, uint8(2), n.JoinPriority())
}

func TestDuplicateDetection(t *testing.T) {
	delivered := 0
	n, _, _ := newTestNode(t, nil, WithHooks(Hooks{
		Receive: func(lladdr.Address, []byte, RxMeta) { delivered++ },
	}))

	data, err := n.framer.Create(ourAddr, peerS, 9, true, []byte("dup"))
	require.NoError(t, err)

	injectInput(t, n, data, asn.New(0, 1))
	n.processPending()
	injectInput(t, n, data, asn.New(0, 2))
	n.processPending()
	assert.Equal(t, 1, delivered)

	// A different seqno from the same sender goes through.
	data2, err := n.framer.Create(ourAddr, peerS, 10, true, []byte("new"))
	require.NoError(t, err)
	injectInput(t, n, data2, asn.New(0, 3))
	n.processPending()
	assert.Equal(t, 2, delivered)
}

func TestSeqnoHistoryEvicts(t *testing.T) {
	n, _, _ := newTestNode(t, func(c *Config) { c.SeqnoHistory = 2 })

	n.recordSeqno(peerS, 1)
	n.recordSeqno(peerS, 2)
	n.recordSeqno(peerS, 3)

	assert.False(t, n.isDuplicate(peerS, 1))
	assert.True(t, n.isDuplicate(peerS, 2))
	assert.True(t, n.isDuplicate(peerS, 3))
	assert.False(t, n.isDuplicate(peerT, 3))
}

// Empty frames are keepalives: acked at slot level, never delivered upward.
func TestKeepaliveNotDelivered(t *testing.T) {
	delivered := 0
	n, _, _ := newTestNode(t, nil, WithHooks(Hooks{
		Receive: func(lladdr.Address, []byte, RxMeta) { delivered++ },
	}))

	ka, err := n.framer.Create(ourAddr, peerS, 4, true, nil)
	require.NoError(t, err)
	injectInput(t, n, ka, asn.New(0, 1))
	n.processPending()
	assert.Zero(t, delivered)
}

// The autoselect path elects the lowest-priority neighbor among those heard
// more than half as often as the best.
func TestEBAutoselect(t *testing.T) {
	n, _, vc := newTestNode(t, func(c *Config) { c.EBAutoselect = true })

	require.True(t, n.tryAssociate(makeEBFrom(t, peerT, asn.New(0, 1), 3), vc.Now()))

	// S beacons as often as T but advertises a better priority.
	for i := 0; i < 4; i++ {
		injectInput(t, n, makeEBFrom(t, peerT, n.currentASN, 3), n.currentASN)
		n.processPending()
		injectInput(t, n, makeEBFrom(t, peerS, n.currentASN, 1), n.currentASN)
		n.processPending()
	}

	ts := n.Queue().TimeSource()
	require.NotNil(t, ts)
	assert.Equal(t, peerS, ts.Addr())
	assert.Equal(t, uint8(2), n.JoinPriority())
}

// Autoselect counters decay once the best reaches the halving threshold, so
// a vanished favorite eventually loses the election.
func TestEBAutoselectDecay(t *testing.T) {
	n, _, _ := newTestNode(t, func(c *Config) { c.EBAutoselect = true })

	for i := 0; i < 300; i++ {
		n.autoselectTimeSource(peerS, 1)
	}
	assert.Less(t, n.ebStats[peerS].rxCount, 256)
	assert.Less(t, n.bestEB, 256)
}

// Completed transmissions drain through the pump: callback, packet free,
// neighbor cleanup.
func TestPumpDrainsDequeuedRing(t *testing.T) {
	n, _, _ := newTestNode(t, nil)

	results := []queue.TxResult{}
	require.NoError(t, n.Send(peerS, []byte("a"), func(_ any, res queue.TxResult, _ uint8) {
		results = append(results, res)
	}, nil))

	nbr := n.Queue().GetNeighbor(peerS)
	require.NotNil(t, nbr)
	p := n.Queue().RemoveHead(nbr)
	require.NotNil(t, p)
	p.Ret = queue.TxOK
	p.Transmissions = 1

	idx := n.dequeuedRing.PeekPut()
	require.NotEqual(t, -1, idx)
	n.dequeuedArray[idx] = p
	require.True(t, n.dequeuedRing.Put())

	n.processPending()
	assert.Equal(t, []queue.TxResult{queue.TxOK}, results)
	// The neighbor had no links and an empty queue: reclaimed.
	assert.Nil(t, n.Queue().GetNeighbor(peerS))
}
