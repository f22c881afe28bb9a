package ringbufindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestInitRejectsNonPow2(t *testing.T) {
	var r Ring
	assert.Error(t, r.Init(0))
	assert.Error(t, r.Init(3))
	assert.Error(t, r.Init(12))
	assert.NoError(t, r.Init(8))
	assert.Equal(t, 8, r.Capacity())
}

func TestFillAndDrain(t *testing.T) {
	var r Ring
	require.NoError(t, r.Init(4))

	slots := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		idx := r.PeekPut()
		require.NotEqual(t, -1, idx)
		slots = append(slots, idx)
		require.True(t, r.Put())
	}

	// Full: the fifth element is rejected.
	assert.Equal(t, -1, r.PeekPut())
	assert.False(t, r.Put())
	assert.Equal(t, 4, r.Elements())

	for i := 0; i < 4; i++ {
		assert.Equal(t, slots[i], r.PeekGet())
		assert.Equal(t, slots[i], r.Get())
	}
	assert.True(t, r.Empty())
	assert.Equal(t, -1, r.Get())
	assert.Equal(t, -1, r.PeekGet())
}

func TestIndicesWrap(t *testing.T) {
	var r Ring
	require.NoError(t, r.Init(2))

	for i := 0; i < 10; i++ {
		idx := r.PeekPut()
		require.Equal(t, i%2, idx)
		require.True(t, r.Put())
		assert.Equal(t, idx, r.Get())
	}
}

// The ring is FIFO: the sequence of get indices equals the sequence of put
// indices, under any interleaving of puts and gets.
func TestFIFOProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := 1 << rapid.IntRange(0, 5).Draw(t, "capLog")
		var r Ring
		require.NoError(t, r.Init(capacity))

		produced, consumed := []int{}, []int{}
		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "put") {
				if idx := r.PeekPut(); idx != -1 {
					produced = append(produced, idx)
					require.True(t, r.Put())
				}
			} else {
				if idx := r.Get(); idx != -1 {
					consumed = append(consumed, idx)
				}
			}
			require.LessOrEqual(t, r.Elements(), capacity)
		}
		assert.Equal(t, produced[:len(consumed)], consumed)
	})
}
