package blkdev

import (
	"fmt"
	"sync/atomic"
)

// MBRGuard wraps a device and refuses writes to sector 0 until
// EnableMBRWrite is called. The checker needs the window open while it runs;
// everything else must never touch the partition table.
type MBRGuard struct {
	BlockDevice
	enabled atomic.Bool
}

// NewMBRGuard returns a guard in the protected state.
func NewMBRGuard(dev BlockDevice) *MBRGuard {
	return &MBRGuard{BlockDevice: dev}
}

func (g *MBRGuard) EnableMBRWrite()  { g.enabled.Store(true) }
func (g *MBRGuard) DisableMBRWrite() { g.enabled.Store(false) }

// MBRWritable reports the current state of the guard.
func (g *MBRGuard) MBRWritable() bool { return g.enabled.Load() }

func (g *MBRGuard) WriteSectors(sector uint64, count uint32, buff []byte) error {
	if sector == 0 && count > 0 && !g.enabled.Load() {
		return fmt.Errorf("write to MBR: %w", ErrnoWriteProtected)
	}
	return g.BlockDevice.WriteSectors(sector, count, buff)
}

// Sync forwards to the wrapped device when it buffers writes.
func (g *MBRGuard) Sync() error {
	if s, ok := g.BlockDevice.(Syncer); ok {
		return s.Sync()
	}
	return nil
}
