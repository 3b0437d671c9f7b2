package lvm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitPool(t *testing.T) {
	vg, thin := splitPool("vg0/thinpool")
	assert.Equal(t, "vg0", vg)
	assert.Equal(t, "thinpool", thin)

	vg, thin = splitPool("vg0")
	assert.Equal(t, "vg0", vg)
	assert.Equal(t, "", thin)
}

func TestHasPool(t *testing.T) {
	b := New()
	b.pools = []string{"vg0", "vg1/thinpool"}

	assert.True(t, b.HasPool("vg0"))
	assert.True(t, b.HasPool("vg1/thinpool"))
	assert.False(t, b.HasPool("vg2"))
}

func TestGetSOName(t *testing.T) {
	b := New()
	assert.Equal(t, "vg0:data", b.GetSOName("vg0", "data"))
	assert.Equal(t, "vg1:data", b.GetSOName("vg1/thinpool", "data"))
}

func TestHasSOName(t *testing.T) {
	b := New()
	b.vgToPool = map[string]string{"vg0": "vg0"}
	assert.True(t, b.HasSOName("vg0:data"))
	assert.False(t, b.HasSOName("other:data"))
	assert.False(t, b.HasSOName("malformed"))
}

func TestHasUdevPath(t *testing.T) {
	b := New()
	b.vgToPool = map[string]string{"vg0": "vg0"}
	assert.True(t, b.HasUdevPath("/dev/vg0/data"))
	assert.False(t, b.HasUdevPath("/dev/vg1/data"))
}

func TestDevPath(t *testing.T) {
	b := New()
	assert.Equal(t, "/dev/vg0/data", b.DevPath("vg0", "data"))
	assert.Equal(t, "/dev/vg1/data", b.DevPath("vg1/thinpool", "data"))
}

func TestPercentUnmarshal(t *testing.T) {
	var p Percent
	assert.NoError(t, p.UnmarshalJSON([]byte(`"50.00"`)))
	assert.InDelta(t, 0.5, float64(p), 0.001)
	assert.True(t, p.Available())

	var neg Percent
	assert.NoError(t, neg.UnmarshalJSON([]byte(`"-1"`)))
	assert.False(t, neg.Available())
}
