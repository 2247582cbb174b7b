// Package disks ships a table of canned volume geometries used when
// formatting new images, keyed by a short slug.
package disks

import (
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
)

// VolumeGeometry describes one predefined image layout.
type VolumeGeometry struct {
	Name   string `csv:"name"`
	Slug   string `csv:"slug"`
	Driver string `csv:"driver"`

	// BlockSize is the logical block size handed to the formatter.
	BlockSize uint `csv:"block_size"`

	// TotalBlocks is the image size in logical blocks.
	TotalBlocks uint64 `csv:"total_blocks"`

	// InodesPerGroup overrides the formatter's inode budget; 0 keeps the
	// default. Only meaningful for drivers with inode tables.
	InodesPerGroup uint32 `csv:"inodes_per_group"`

	Notes string `csv:"notes"`
}

// TotalSizeBytes gives the size of the image file this geometry produces.
func (g *VolumeGeometry) TotalSizeBytes() int64 {
	return int64(g.BlockSize) * int64(g.TotalBlocks)
}

//go:embed disk-geometries.csv
var volumeGeometriesRawCSV string

var volumeGeometries = make(map[string]VolumeGeometry)

// GetPredefinedGeometry looks a geometry up by slug.
func GetPredefinedGeometry(slug string) (VolumeGeometry, error) {
	geometry, ok := volumeGeometries[slug]
	if ok {
		return geometry, nil
	}
	return VolumeGeometry{}, fmt.Errorf("no predefined volume geometry with slug %q", slug)
}

// Slugs lists the available geometry slugs in sorted order.
func Slugs() []string {
	slugs := make([]string, 0, len(volumeGeometries))
	for slug := range volumeGeometries {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

func init() {
	reader := strings.NewReader(volumeGeometriesRawCSV)
	err := gocsv.UnmarshalToCallback(
		reader,
		func(row VolumeGeometry) error {
			if _, exists := volumeGeometries[row.Slug]; exists {
				return fmt.Errorf(
					"duplicate definition for volume geometry %q",
					row.Slug,
				)
			}
			volumeGeometries[row.Slug] = row
			return nil
		},
	)
	if err != nil && err != io.EOF {
		panic(err)
	}
}
