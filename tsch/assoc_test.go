package tsch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsch-platform/gotsch/asn"
	"github.com/tsch-platform/gotsch/frame"
	"github.com/tsch-platform/gotsch/lladdr"
	"github.com/tsch-platform/gotsch/queue"
)

// Scenario: a scanned beacon from S with asn 0x1234 and join priority 3
// makes the node adopt S as time source with join priority 4.
func TestAssociationFromEB(t *testing.T) {
	joined := false
	n, _, vc := newTestNode(t, nil, WithHooks(Hooks{
		JoiningNetwork: func() { joined = true },
	}))

	timestamp := vc.Now() + n.cfg.Timing.TxOffset
	eb := makeEBFrom(t, peerS, asn.New(0, 0x1234), 3)
	require.True(t, n.tryAssociate(eb, timestamp))

	assert.True(t, n.Associated())
	assert.True(t, joined)
	assert.Equal(t, uint32(0x1234), n.CurrentASN().LS4B)
	assert.Equal(t, asn.New(0, 0x1234), n.lastSyncASN)
	assert.Equal(t, uint8(4), n.JoinPriority())
	assert.Equal(t, vc.Now(), n.currentLinkStart)

	nbr := n.Queue().GetNeighbor(peerS)
	require.NotNil(t, nbr)
	assert.True(t, nbr.IsTimeSource())
}

func TestAssociationRejectsHighJoinPriority(t *testing.T) {
	n, _, vc := newTestNode(t, func(c *Config) { c.JoinPriorityMax = 4 })

	eb := makeEBFrom(t, peerS, asn.New(0, 1), 4)
	assert.False(t, n.tryAssociate(eb, vc.Now()))
	assert.False(t, n.Associated())
	assert.Nil(t, n.Queue().TimeSource())
}

func TestAssociationRejectsGarbage(t *testing.T) {
	n, _, vc := newTestNode(t, nil)
	assert.False(t, n.tryAssociate([]byte{1, 2, 3}, vc.Now()))
	assert.False(t, n.Associated())
}

func TestAssociationRejectsImplausibleASN(t *testing.T) {
	n, _, vc := newTestNode(t, func(c *Config) {
		c.CheckTimeAtAssociation = time.Minute
	})

	// We just booted; a beacon pretending to be days into the slot count
	// cannot match our uptime.
	eb := makeEBFrom(t, peerS, asn.New(0, 1_000_000), 1)
	assert.False(t, n.tryAssociate(eb, vc.Now()))

	eb = makeEBFrom(t, peerS, asn.New(0, 100), 1)
	assert.True(t, n.tryAssociate(eb, vc.Now()))
}

// Scenario: running past the desync threshold without a sync event drops
// the association and tears the synchronized state down.
func TestDesynchronization(t *testing.T) {
	left := false
	n, _, vc := newTestNode(t, nil, WithHooks(Hooks{
		LeavingNetwork: func() { left = true },
	}))

	require.True(t, n.tryAssociate(makeEBFrom(t, peerT, asn.New(0, 0), 1), vc.Now()))
	require.True(t, n.Associated())

	n.currentASN.Inc(n.cfg.DesyncThresholdSlots + 1)
	n.postSlot()

	assert.False(t, n.Associated())
	select {
	case <-n.desyncCh:
	default:
		t.Fatal("desync was not signaled")
	}

	// The main loop resets before re-scanning.
	n.reset()
	assert.True(t, left)
	assert.Equal(t, uint8(0xff), n.JoinPriority())
	assert.Nil(t, n.Queue().TimeSource())
	assert.Nil(t, n.currentLink)
	assert.Equal(t, asn.ASN{}, n.currentASN)
}

// The coordinator never desynchronizes.
func TestCoordinatorExemptFromDesync(t *testing.T) {
	n, _, vc := newTestNode(t, func(c *Config) { c.Coordinator = true })
	require.NoError(t, n.associate(context.Background()))
	_ = vc

	n.currentASN.Inc(n.cfg.DesyncThresholdSlots * 10)
	n.postSlot()
	assert.True(t, n.Associated())
}

func TestKeepaliveTargetsTimeSource(t *testing.T) {
	n, _, vc := newTestNode(t, nil)
	require.True(t, n.tryAssociate(makeEBFrom(t, peerT, asn.New(0, 0), 1), vc.Now()))

	n.sendKeepalive()

	// An empty unicast sits in T's queue.
	nbr := n.Queue().GetNeighbor(peerT)
	require.NotNil(t, nbr)
	p := n.Queue().PacketFor(nbr, false)
	require.NotNil(t, p)
	flags, _ := n.framer.ParseFrameType(p.Frame())
	assert.NotZero(t, flags&frame.DoAck)
	assert.Empty(t, n.framer.Payload(p.Frame()))
}

func TestJitterDurationBounds(t *testing.T) {
	period := 10 * time.Second
	for i := 0; i < 200; i++ {
		d := jitterDuration(period)
		assert.GreaterOrEqual(t, d, period-period/10)
		assert.Less(t, d, period)
	}
}

func TestUniformBelowMaskAndBound(t *testing.T) {
	for i := 0; i < 1000; i++ {
		assert.Less(t, uniformBelow(7), uint64(7))
	}
	assert.Zero(t, uniformBelow(0))
	assert.Zero(t, uniformBelow(1))
}

func TestSendQueueBoundary(t *testing.T) {
	n, _, _ := newTestNode(t, nil)

	depth := n.cfg.Queue.QueueDepth
	for i := 0; i < depth; i++ {
		require.NoError(t, n.Send(peerT, []byte{byte(i)}, nil, nil))
	}

	var result queue.TxResult
	err := n.Send(peerT, []byte{0xff}, func(_ any, res queue.TxResult, _ uint8) {
		result = res
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, queue.TxErr, result)
}

func TestSendRoutesNullToBroadcast(t *testing.T) {
	n, _, _ := newTestNode(t, nil)

	require.NoError(t, n.Send(lladdr.EB, []byte("b"), nil, nil))
	p := n.Queue().PacketFor(n.Queue().Broadcast(), false)
	require.NotNil(t, p)

	// Broadcasts do not request an ACK.
	flags, _ := n.framer.ParseFrameType(p.Frame())
	assert.Zero(t, flags&frame.DoAck)
}
