package blkdev

import (
	"fmt"
	"sync"
)

var _ BlockDevice = (*MemDevice)(nil)

// MemDevice is a block device backed by a byte slice.
type MemDevice struct {
	mu         sync.Mutex
	memory     []byte
	sectorSize uint64

	// Reads and Writes count the driver calls, not sectors.
	Reads  int
	Writes int
}

// NewMemDevice returns a zeroed device of sectors sectors.
func NewMemDevice(sectorSize, sectors uint64) *MemDevice {
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	return &MemDevice{
		memory:     make([]byte, sectorSize*sectors),
		sectorSize: sectorSize,
	}
}

func (bd *MemDevice) bounds(sector uint64, count uint32, buff []byte) (uint64, uint64, error) {
	start := sector * bd.sectorSize
	length := uint64(count) * bd.sectorSize
	if uint64(len(buff)) < length {
		return 0, 0, fmt.Errorf("buffer too small: need %d bytes, got %d", length, len(buff))
	}
	if start+length > uint64(len(bd.memory)) {
		return 0, 0, fmt.Errorf("sector %d count %d out of range: %w", sector, count, ErrnoIO)
	}
	return start, length, nil
}

func (bd *MemDevice) ReadSectors(sector uint64, count uint32, buff []byte) error {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	start, length, err := bd.bounds(sector, count, buff)
	if err != nil {
		return err
	}
	bd.Reads++
	copy(buff[:length], bd.memory[start:])
	return nil
}

func (bd *MemDevice) WriteSectors(sector uint64, count uint32, buff []byte) error {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	start, length, err := bd.bounds(sector, count, buff)
	if err != nil {
		return err
	}
	bd.Writes++
	copy(bd.memory[start:start+length], buff)
	return nil
}

func (bd *MemDevice) GetSectorSize() uint64 { return bd.sectorSize }

func (bd *MemDevice) GetSectorCount() uint64 {
	return uint64(len(bd.memory)) / bd.sectorSize
}

func (bd *MemDevice) Initialize() error { return nil }

func (bd *MemDevice) Status() error { return nil }

// Bytes exposes the backing memory. Callers must not hold on to it while
// the device is in use.
func (bd *MemDevice) Bytes() []byte {
	return bd.memory
}
