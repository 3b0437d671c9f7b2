package btrfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasFSPool(t *testing.T) {
	b := New()
	b.pools = []string{"/mnt/data"}
	assert.True(t, b.HasFSPool("/mnt/data"))
	assert.False(t, b.HasFSPool("/mnt/other"))
}

func TestCheckPoolRejectsUnknown(t *testing.T) {
	b := New()
	err := b.checkPool("/mnt/nope")
	assert.Error(t, err)
}

func TestSplitStdoutStripsFSTreePrefix(t *testing.T) {
	out := "ID 256 gen 10 top level 5 path <FS_TREE>/targetd_fs/vol1\n"
	rows := splitStdout(out)
	if assert.Len(t, rows, 1) {
		last := rows[0][len(rows[0])-1]
		assert.Equal(t, "targetd_fs/vol1", last)
	}
}

func TestSplitStdoutSkipsBlankLines(t *testing.T) {
	rows := splitStdout("\n\n")
	assert.Empty(t, rows)
}
