package blkdev

// BlockDevice is the whole-sector interface of the card driver.
type BlockDevice interface {
	ReadSectors(sector uint64, count uint32, buff []byte) error
	WriteSectors(sector uint64, count uint32, buff []byte) error
	GetSectorSize() uint64
	GetSectorCount() uint64
	Initialize() error
	Status() error
}

// Syncer is implemented by devices that buffer writes.
type Syncer interface {
	Sync() error
}

// SizeBytes returns the capacity of dev in bytes.
func SizeBytes(dev BlockDevice) uint64 {
	return dev.GetSectorCount() * dev.GetSectorSize()
}
