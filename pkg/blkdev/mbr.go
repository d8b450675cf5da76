package blkdev

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-restruct/restruct"
)

const (
	mbrSize      = 512
	mbrSignature = 0xAA55
)

var ErrNoMBR = errors.New("no MBR signature in sector 0")

// PartitionEntry is one of the four primary entries of a DOS partition table.
type PartitionEntry struct {
	Status   uint8
	CHSFirst [3]byte
	Type     uint8
	CHSLast  [3]byte
	LBAFirst uint32
	Sectors  uint32
}

// Used reports whether the slot describes a partition.
func (p PartitionEntry) Used() bool {
	return p.Type != 0 && p.Sectors != 0
}

// Offset returns the byte offset of the partition on the card.
func (p PartitionEntry) Offset(sectorSize uint64) uint64 {
	return uint64(p.LBAFirst) * sectorSize
}

// Size returns the byte length of the partition.
func (p PartitionEntry) Size(sectorSize uint64) uint64 {
	return uint64(p.Sectors) * sectorSize
}

// MBR is the layout of sector 0.
type MBR struct {
	BootCode   [446]byte
	Partitions [4]PartitionEntry
	Signature  uint16
}

// ReadMBR reads and decodes sector 0 of dev.
func ReadMBR(dev BlockDevice) (*MBR, error) {
	ss := dev.GetSectorSize()
	if ss < mbrSize {
		return nil, fmt.Errorf("sector size %d too small for an MBR: %w", ss, ErrnoInvalid)
	}
	raw := make([]byte, ss)
	if err := dev.ReadSectors(0, 1, raw); err != nil {
		return nil, fmt.Errorf("failed to read MBR: %w", err)
	}
	return ParseMBR(raw)
}

// ParseMBR decodes the first 512 bytes of raw.
func ParseMBR(raw []byte) (*MBR, error) {
	if len(raw) < mbrSize {
		return nil, fmt.Errorf("MBR needs %d bytes, got %d: %w", mbrSize, len(raw), ErrnoInvalid)
	}
	mbr := &MBR{}
	if err := restruct.Unpack(raw[:mbrSize], binary.LittleEndian, mbr); err != nil {
		return nil, fmt.Errorf("failed to decode MBR: %w", err)
	}
	if mbr.Signature != mbrSignature {
		return nil, ErrNoMBR
	}
	return mbr, nil
}

// Bytes encodes the MBR back into its 512-byte form.
func (m *MBR) Bytes() ([]byte, error) {
	return restruct.Pack(binary.LittleEndian, m)
}

// Used returns the entries that describe a partition, in table order.
func (m *MBR) Used() []PartitionEntry {
	var used []PartitionEntry
	for _, p := range m.Partitions {
		if p.Used() {
			used = append(used, p)
		}
	}
	return used
}
