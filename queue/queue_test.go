package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/tsch-platform/gotsch/lladdr"
	"github.com/tsch-platform/gotsch/lock"
)

var (
	peerA = lladdr.Address{0x00, 0x15, 0x8d, 0x00, 0x00, 0x46, 0x5f, 0x85}
	peerB = lladdr.Address{0x00, 0x15, 0x8d, 0x00, 0x00, 0x46, 0x5f, 0x12}
	peerC = lladdr.Address{0x00, 0x12, 0x74, 0x00, 0x11, 0x60, 0xfd, 0xbd}
)

func newList(t *testing.T, opts ...Option) (*List, *lock.SlotLock) {
	t.Helper()
	lk := &lock.SlotLock{}
	nodeAddr := lladdr.Address{2, 2, 2, 2, 2, 2, 2, 2}
	l, err := New(DefaultConfig(), nodeAddr, lk, zap.NewNop().Sugar(), opts...)
	require.NoError(t, err)
	return l, lk
}

func TestNewInstallsVirtualNeighbors(t *testing.T) {
	l, _ := newList(t)

	require.NotNil(t, l.Broadcast())
	require.NotNil(t, l.EB())
	assert.True(t, l.Broadcast().IsBroadcast())
	assert.True(t, l.EB().IsBroadcast())
	assert.Equal(t, lladdr.Broadcast, l.Broadcast().Addr())
	assert.Equal(t, lladdr.EB, l.EB().Addr())
}

func TestNewRejectsBadDepth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueDepth = 6
	_, err := New(cfg, peerA, &lock.SlotLock{}, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestAddNeighborIdempotent(t *testing.T) {
	l, _ := newList(t)

	n1 := l.AddNeighbor(peerA)
	require.NotNil(t, n1)
	n2 := l.AddNeighbor(peerA)
	assert.Same(t, n1, n2)
	assert.False(t, n1.IsBroadcast())
}

func TestAddNeighborFailsWhileLocked(t *testing.T) {
	l, lk := newList(t)

	require.True(t, lk.TryLock())
	assert.Nil(t, l.AddNeighbor(peerA))
	lk.Unlock()
	assert.NotNil(t, l.AddNeighbor(peerA))
}

func TestNeighborPoolExhaustion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNeighbors = 3 // broadcast + EB + one
	lk := &lock.SlotLock{}
	l, err := New(cfg, peerA, lk, zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NotNil(t, l.AddNeighbor(peerB))
	assert.Nil(t, l.AddNeighbor(peerC))
}

func TestQueueFIFOAndCapacity(t *testing.T) {
	l, _ := newList(t)

	depth := DefaultConfig().QueueDepth
	for i := 0; i < depth; i++ {
		require.True(t, l.AddPacket(peerA, []byte{byte(i)}, nil, nil), "packet %d", i)
	}
	// The depth+1st frame is rejected.
	assert.False(t, l.AddPacket(peerA, []byte{0xff}, nil, nil))
	assert.Equal(t, depth, l.PacketCount(peerA))

	n := l.GetNeighbor(peerA)
	require.NotNil(t, n)
	for i := 0; i < depth; i++ {
		p := l.PacketFor(n, false)
		require.NotNil(t, p)
		assert.Equal(t, []byte{byte(i)}, p.Frame())
		removed := l.RemoveHead(n)
		assert.Same(t, p, removed)
		l.FreePacket(removed)
	}
	assert.True(t, l.IsEmpty(n))
}

func TestNullAddressRoutesToBroadcast(t *testing.T) {
	l, _ := newList(t)

	require.True(t, l.AddPacket(lladdr.EB, []byte{1}, nil, nil))
	assert.Equal(t, 1, l.Broadcast().ring.Elements())
}

func TestAddPacketForTargetsEBQueue(t *testing.T) {
	l, _ := newList(t)

	require.True(t, l.AddPacketFor(l.EB(), []byte{0x0b}, nil, nil))
	assert.Equal(t, 1, l.EB().ring.Elements())
	assert.Equal(t, 0, l.Broadcast().ring.Elements())

	p := l.PacketFor(l.EB(), false)
	require.NotNil(t, p)
	assert.Equal(t, []byte{0x0b}, p.Frame())
}

func TestSharedLinkMasksBackoff(t *testing.T) {
	l, _ := newList(t)

	require.True(t, l.AddPacket(peerA, []byte{1}, nil, nil))
	n := l.GetNeighbor(peerA)
	require.NotNil(t, n)

	require.NotNil(t, l.PacketFor(n, true))
	l.BackoffInc(n)
	assert.Nil(t, l.PacketFor(n, true))
	// A dedicated link ignores the backoff window.
	assert.NotNil(t, l.PacketFor(n, false))

	l.BackoffReset(n)
	assert.NotNil(t, l.PacketFor(n, true))
}

func TestBackoffEscalation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinBE = 2
	cfg.MaxBE = 4
	lk := &lock.SlotLock{}
	l, err := New(cfg, peerA, lk, zap.NewNop().Sugar())
	require.NoError(t, err)

	n := l.AddNeighbor(peerB)
	require.NotNil(t, n)

	assert.Equal(t, uint8(2), n.BackoffExponent())
	assert.Equal(t, uint8(0), n.BackoffWindow())

	l.BackoffInc(n)
	assert.Equal(t, uint8(3), n.BackoffExponent())
	assert.GreaterOrEqual(t, n.BackoffWindow(), uint8(1))
	assert.LessOrEqual(t, n.BackoffWindow(), uint8(8))

	l.BackoffInc(n)
	assert.Equal(t, uint8(4), n.BackoffExponent())
	assert.GreaterOrEqual(t, n.BackoffWindow(), uint8(1))
	assert.LessOrEqual(t, n.BackoffWindow(), uint8(16))

	// The exponent saturates at MaxBE.
	l.BackoffInc(n)
	assert.Equal(t, uint8(4), n.BackoffExponent())

	l.BackoffReset(n)
	assert.Equal(t, uint8(2), n.BackoffExponent())
	assert.Equal(t, uint8(0), n.BackoffWindow())
}

func TestBackoffWindowBound(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := DefaultConfig()
		cfg.MinBE = rapid.Uint8Range(0, 3).Draw(t, "minBE")
		cfg.MaxBE = cfg.MinBE + rapid.Uint8Range(0, 4).Draw(t, "spread")
		lk := &lock.SlotLock{}
		l, err := New(cfg, peerA, lk, zap.NewNop().Sugar())
		require.NoError(t, err)

		n := l.AddNeighbor(peerB)
		require.NotNil(t, n)
		incs := rapid.IntRange(1, 10).Draw(t, "incs")
		for i := 0; i < incs; i++ {
			l.BackoffInc(n)
			require.LessOrEqual(t, uint32(n.BackoffWindow()), uint32(1)<<n.BackoffExponent())
			require.LessOrEqual(t, n.BackoffExponent(), cfg.MaxBE)
		}
	})
}

func TestDecrementAllBackoffWindows(t *testing.T) {
	l, _ := newList(t)

	na := l.AddNeighbor(peerA) // will get a TX link
	nb := l.AddNeighbor(peerB) // no TX link
	require.NotNil(t, na)
	require.NotNil(t, nb)
	na.AddTxLink(true)

	l.BackoffInc(na)
	l.BackoffInc(nb)
	wa, wb := na.BackoffWindow(), nb.BackoffWindow()

	// Broadcast slot: only neighbors without TX links tick.
	l.DecrementAllBackoffWindows(lladdr.Broadcast)
	assert.Equal(t, wa, na.BackoffWindow())
	assert.Equal(t, wb-1, nb.BackoffWindow())

	// Dedicated slot to A: only A ticks.
	l.DecrementAllBackoffWindows(peerA)
	assert.Equal(t, wa-1, na.BackoffWindow())
	assert.Equal(t, wb-1, nb.BackoffWindow())
}

func TestUpdateTimeSource(t *testing.T) {
	var oldAddr, newAddr *Neighbor
	l, _ := newList(t, WithNewTimeSourceHook(func(old, new *Neighbor) {
		oldAddr, newAddr = old, new
	}))

	require.True(t, l.UpdateTimeSource(&peerA))
	ts := l.TimeSource()
	require.NotNil(t, ts)
	assert.Equal(t, peerA, ts.Addr())
	assert.Nil(t, oldAddr)
	assert.Same(t, ts, newAddr)

	// Same address again is a no-op.
	assert.False(t, l.UpdateTimeSource(&peerA))

	// Switching flips both flags.
	require.True(t, l.UpdateTimeSource(&peerB))
	assert.False(t, l.GetNeighbor(peerA).IsTimeSource())
	assert.True(t, l.GetNeighbor(peerB).IsTimeSource())

	// Clearing.
	require.True(t, l.UpdateTimeSource(nil))
	assert.Nil(t, l.TimeSource())
}

func TestUpdateTimeSourceRefusedForCoordinator(t *testing.T) {
	l, _ := newList(t, WithCoordinatorFn(func() bool { return true }))
	assert.False(t, l.UpdateTimeSource(&peerA))
	assert.Nil(t, l.TimeSource())
}

func TestFreeUnusedNeighbors(t *testing.T) {
	l, _ := newList(t)

	na := l.AddNeighbor(peerA)
	require.NotNil(t, na)
	require.True(t, l.UpdateTimeSource(&peerB))
	nc := l.AddNeighbor(peerC)
	require.NotNil(t, nc)
	nc.AddTxLink(false)
	require.True(t, l.AddPacket(peerA, []byte{1}, nil, nil))

	l.FreeUnusedNeighbors()

	// A has a queued packet, B is time source, C has a TX link: all stay.
	assert.NotNil(t, l.GetNeighbor(peerA))
	assert.NotNil(t, l.GetNeighbor(peerB))
	assert.NotNil(t, l.GetNeighbor(peerC))

	// Drain A and drop C's link: both become unused.
	l.FreePacket(l.RemoveHead(na))
	nc.RemoveTxLink(false)
	l.FreeUnusedNeighbors()
	assert.Nil(t, l.GetNeighbor(peerA))
	assert.Nil(t, l.GetNeighbor(peerC))

	// Virtual neighbors and the time source survive.
	assert.NotNil(t, l.Broadcast())
	assert.NotNil(t, l.GetNeighbor(peerB))
	assert.Same(t, l.Broadcast(), l.GetNeighbor(lladdr.Broadcast))
}

func TestFlushAllReportsErr(t *testing.T) {
	l, _ := newList(t)

	results := make([]TxResult, 0, 3)
	cb := func(ctx any, res TxResult, transmissions uint8) {
		results = append(results, res)
	}
	require.True(t, l.AddPacket(peerA, []byte{1}, cb, nil))
	require.True(t, l.AddPacket(peerA, []byte{2}, cb, nil))
	require.True(t, l.AddPacket(lladdr.Broadcast, []byte{3}, cb, nil))

	l.FlushAll()

	assert.Equal(t, []TxResult{TxErr, TxErr, TxErr}, results)
	assert.True(t, l.IsEmpty(l.GetNeighbor(peerA)))
	assert.True(t, l.IsEmpty(l.Broadcast()))
}

func TestUnicastPacketForAny(t *testing.T) {
	l, _ := newList(t)

	// Broadcast traffic is never picked.
	require.True(t, l.AddPacket(lladdr.Broadcast, []byte{9}, nil, nil))

	require.True(t, l.AddPacket(peerA, []byte{1}, nil, nil))
	require.True(t, l.AddPacket(peerB, []byte{2}, nil, nil))

	// A neighbor with a dedicated TX link is skipped.
	nc := l.AddNeighbor(peerC)
	require.NotNil(t, nc)
	nc.AddTxLink(false)
	require.True(t, l.AddPacket(peerC, []byte{3}, nil, nil))

	seen := map[byte]bool{}
	p, n := l.UnicastPacketForAny(false)
	require.NotNil(t, p)
	seen[p.Frame()[0]] = true
	l.FreePacket(l.RemoveHead(n))

	p, n = l.UnicastPacketForAny(false)
	require.NotNil(t, p)
	seen[p.Frame()[0]] = true
	l.FreePacket(l.RemoveHead(n))

	assert.True(t, seen[1])
	assert.True(t, seen[2])

	// Only the dedicated-link neighbor remains: nothing eligible.
	p, _ = l.UnicastPacketForAny(false)
	assert.Nil(t, p)
}

func TestCompletionCallbackCarriesState(t *testing.T) {
	l, _ := newList(t)

	var gotCtx any
	var gotRes TxResult
	var gotTx uint8
	require.True(t, l.AddPacket(peerA, []byte{1}, func(ctx any, res TxResult, tx uint8) {
		gotCtx, gotRes, gotTx = ctx, res, tx
	}, "cookie"))

	n := l.GetNeighbor(peerA)
	p := l.RemoveHead(n)
	require.NotNil(t, p)
	p.Ret = TxOK
	p.Transmissions = 2
	p.Complete()

	assert.Equal(t, "cookie", gotCtx)
	assert.Equal(t, TxOK, gotRes)
	assert.Equal(t, uint8(2), gotTx)
}
