package lladdr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestWellKnown(t *testing.T) {
	assert.True(t, Broadcast.IsBroadcast())
	assert.True(t, EB.IsNull())
	assert.True(t, Broadcast.IsVirtual())
	assert.True(t, EB.IsVirtual())

	a := Address{0x00, 0x12, 0x74, 0x01, 0x00, 0x01, 0x01, 0x01}
	assert.False(t, a.IsVirtual())
}

func TestParseRoundTrip(t *testing.T) {
	a := Address{0x00, 0x12, 0x74, 0x01, 0x00, 0x01, 0x01, 0x01}
	parsed, err := Parse(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = Parse("00:12:74")
	assert.Error(t, err)
	_, err = Parse("zz:12:74:01:00:01:01:01")
	assert.Error(t, err)
}

func TestUnmarshalYAML(t *testing.T) {
	var a Address
	require.NoError(t, yaml.Unmarshal([]byte(`"02:02:02:02:02:02:02:02"`), &a))
	assert.Equal(t, Address{2, 2, 2, 2, 2, 2, 2, 2}, a)
}

func TestSeedDiffers(t *testing.T) {
	a := Address{0x00, 0x15, 0x8d, 0x00, 0x00, 0x46, 0x5f, 0x85}
	b := Address{0x00, 0x15, 0x8d, 0x00, 0x00, 0x46, 0x5f, 0x12}
	assert.NotEqual(t, a.Seed(), b.Seed())
}
