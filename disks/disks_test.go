package disks_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xUINTBEEF/uintvfs/disks"
)

func TestGetPredefinedGeometry(t *testing.T) {
	geometry, err := disks.GetPredefinedGeometry("floppy-1440")
	require.NoError(t, err)

	assert.Equal(t, "ext2", geometry.Driver)
	assert.EqualValues(t, 1024, geometry.BlockSize)
	assert.EqualValues(t, 1440, geometry.TotalBlocks)
	assert.EqualValues(t, 1440*1024, geometry.TotalSizeBytes())
}

func TestGetPredefinedGeometry__UnknownSlug(t *testing.T) {
	_, err := disks.GetPredefinedGeometry("zip-100")
	assert.Error(t, err)
}

func TestSlugs(t *testing.T) {
	slugs := disks.Slugs()
	require.NotEmpty(t, slugs)
	assert.Contains(t, slugs, "ext2-small")
	assert.Contains(t, slugs, "fat12-1440")
	assert.IsNonDecreasing(t, slugs)
}
