package shim

import (
	"fmt"
	"path"
	"strings"

	"github.com/OffBroadway/sdshim/pkg/blkdev"
)

// The card ships with two exFAT partitions, sys (256 MiB) and data, both
// formatted with 512 KiB clusters.
const (
	SysOffset  = 65536 * 512
	SysSize    = 524288 * 512
	DataOffset = 589824 * 512

	SysPath  = "/sys"
	DataPath = "/dat"
)

// Partition is a byte range of the card exposed as one file.
type Partition struct {
	Name   string
	Path   string
	Offset uint64
	// Size is the partition length in bytes. Zero extends the partition to
	// the end of the card.
	Size uint64
}

// DefaultPartitions returns the fixed sys/dat layout.
func DefaultPartitions() []Partition {
	return []Partition{
		{Name: "sys", Path: SysPath, Offset: SysOffset, Size: SysSize},
		{Name: "dat", Path: DataPath, Offset: DataOffset},
	}
}

// PartitionsFromMBR names the used MBR entries after the default layout:
// the first is sys, the second dat, any others p3, p4.
func PartitionsFromMBR(mbr *blkdev.MBR, sectorSize uint64) []Partition {
	defaults := DefaultPartitions()
	var parts []Partition
	for i, e := range mbr.Used() {
		p := Partition{
			Offset: e.Offset(sectorSize),
			Size:   e.Size(sectorSize),
		}
		if i < len(defaults) {
			p.Name, p.Path = defaults[i].Name, defaults[i].Path
		} else {
			p.Name = fmt.Sprintf("p%d", i+1)
			p.Path = "/" + p.Name
		}
		parts = append(parts, p)
	}
	return parts
}

// cleanPath turns any of "sys", "/sys", "./sys/" into "/sys".
func cleanPath(name string) string {
	return path.Clean("/" + strings.TrimSpace(name))
}

func validatePartitions(parts []Partition) error {
	if len(parts) == 0 {
		return fmt.Errorf("no partitions: %w", blkdev.ErrnoInvalid)
	}
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		clean := cleanPath(p.Path)
		if clean == "/" {
			return fmt.Errorf("partition %q has no path: %w", p.Name, blkdev.ErrnoInvalid)
		}
		if seen[clean] {
			return fmt.Errorf("duplicate partition path %s: %w", clean, blkdev.ErrnoInvalid)
		}
		seen[clean] = true
	}
	return nil
}
