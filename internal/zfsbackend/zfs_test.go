package zfsbackend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckPoolsAccessRejectsNesting(t *testing.T) {
	err := checkPoolsAccess([]string{"tank", "tank/child"})
	assert.Error(t, err)
}

func TestCheckPoolsAccessRejectsColon(t *testing.T) {
	err := checkPoolsAccess([]string{"tank:evil"})
	assert.Error(t, err)
}

func TestCheckPoolsAccessAllowsSiblings(t *testing.T) {
	err := checkPoolsAccess([]string{"tank", "rust"})
	assert.NoError(t, err)
}

func TestGetSOName(t *testing.T) {
	b := New()
	assert.Equal(t, "tank%data:vol1", b.GetSOName("tank/data", "vol1"))
}

func TestHasSOName(t *testing.T) {
	b := New()
	b.pools = []string{"tank/data"}
	assert.True(t, b.HasSOName("tank%data:vol1"))
	assert.False(t, b.HasSOName("other%data:vol1"))
	assert.False(t, b.HasSOName("malformed"))
}

func TestHasUdevPath(t *testing.T) {
	b := New()
	b.pools = []string{"tank"}
	assert.True(t, b.HasUdevPath("/dev/tank/vol1"))
	assert.False(t, b.HasUdevPath("/dev/rust/vol1"))
}

func TestCopyRequiresEnableCopy(t *testing.T) {
	b := New()
	err := b.Copy("tank", "orig", "new")
	assert.Error(t, err)
}
