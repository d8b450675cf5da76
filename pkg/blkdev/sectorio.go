package blkdev

import (
	"fmt"
	"io"
	"math"
	"sync"

	log "github.com/fclairamb/go-log"
	lognoop "github.com/fclairamb/go-log/noop"
)

var (
	_ io.ReaderAt = (*SectorIO)(nil)
	_ io.WriterAt = (*SectorIO)(nil)
)

// SectorIO maps byte-addressed reads and writes onto whole-sector requests
// of a BlockDevice. Partial sectors at either end of a range are handled with
// a scratch sector: reads copy out of it, writes read-modify-write through
// it. The aligned middle of a range goes straight between the caller's buffer
// and the device.
type SectorIO struct {
	dev        BlockDevice
	sectorSize uint64
	maxSectors uint32
	logger     log.Logger
	verbose    log.Logger
	scratch    sync.Pool
}

// Option configures a SectorIO.
type Option func(*SectorIO)

// WithMaxTransfer caps the number of sectors handed to the device in one
// call. Zero means no cap.
func WithMaxTransfer(sectors uint32) Option {
	return func(s *SectorIO) { s.maxSectors = sectors }
}

// WithLogger sets the logger used for driver failures.
func WithLogger(logger log.Logger) Option {
	return func(s *SectorIO) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVerboseLogger sets the logger for per-request buffer traffic. It is
// silent unless set.
func WithVerboseLogger(logger log.Logger) Option {
	return func(s *SectorIO) {
		if logger != nil {
			s.verbose = logger
		}
	}
}

// NewSectorIO wraps dev.
func NewSectorIO(dev BlockDevice, opts ...Option) *SectorIO {
	s := &SectorIO{
		dev:        dev,
		sectorSize: dev.GetSectorSize(),
		logger:     lognoop.NewNoOpLogger(),
		verbose:    lognoop.NewNoOpLogger(),
	}
	if s.sectorSize == 0 {
		s.sectorSize = DefaultSectorSize
	}
	for _, opt := range opts {
		opt(s)
	}
	size := int(s.sectorSize)
	s.scratch.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return s
}

func (s *SectorIO) getSector() *[]byte {
	buf := s.scratch.Get().(*[]byte)
	s.verbose.Debug("sector buffer acquired", "size", len(*buf))
	return buf
}

func (s *SectorIO) putSector(buf *[]byte) {
	s.verbose.Debug("sector buffer released", "size", len(*buf))
	s.scratch.Put(buf)
}

func (s *SectorIO) fail(stage string, sector uint64, err error) error {
	s.logger.Warn("Failed to "+stage, "sector", sector, "error", err)
	return fmt.Errorf("failed to %s at sector %d: %w: %w", stage, sector, ErrnoIO, err)
}

func (s *SectorIO) checkRange(length int, off int64) error {
	if off < 0 {
		return fmt.Errorf("negative offset %d: %w", off, ErrnoInvalid)
	}
	if uint64(length) > math.MaxInt64-uint64(off) {
		return fmt.Errorf("range overflows at offset %d: %w", off, ErrnoInvalid)
	}
	return nil
}

// ReadAt reads len(buf) bytes starting at byte address off.
func (s *SectorIO) ReadAt(buf []byte, off int64) (int, error) {
	if err := s.checkRange(len(buf), off); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}

	ss := s.sectorSize
	addr := uint64(off)
	sector := addr / ss
	done := 0

	var scratch *[]byte
	defer func() {
		if scratch != nil {
			s.putSector(scratch)
		}
	}()

	if rem := addr % ss; rem != 0 {
		scratch = s.getSector()
		if err := s.dev.ReadSectors(sector, 1, *scratch); err != nil {
			return 0, s.fail("read start sector", sector, err)
		}
		done = copy(buf, (*scratch)[rem:])
		sector++
	}

	if whole := uint64(len(buf)-done) / ss; whole > 0 {
		span := buf[done : uint64(done)+whole*ss]
		n, err := s.transfer(sector, whole, span, s.dev.ReadSectors)
		done += n
		if err != nil {
			return done, s.fail("read aligned sectors", sector+uint64(n)/ss, err)
		}
		sector += whole
	}

	if done < len(buf) {
		if scratch == nil {
			scratch = s.getSector()
		}
		if err := s.dev.ReadSectors(sector, 1, *scratch); err != nil {
			return done, s.fail("read end sector", sector, err)
		}
		done += copy(buf[done:], *scratch)
	}

	return done, nil
}

// WriteAt writes buf at byte address off. Bytes of the boundary sectors that
// fall outside the range are preserved.
func (s *SectorIO) WriteAt(buf []byte, off int64) (int, error) {
	if err := s.checkRange(len(buf), off); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}

	ss := s.sectorSize
	addr := uint64(off)
	sector := addr / ss
	done := 0

	var scratch *[]byte
	defer func() {
		if scratch != nil {
			s.putSector(scratch)
		}
	}()

	if rem := addr % ss; rem != 0 {
		scratch = s.getSector()
		if err := s.dev.ReadSectors(sector, 1, *scratch); err != nil {
			return 0, s.fail("read start sector for write", sector, err)
		}
		n := copy((*scratch)[rem:], buf)
		if err := s.dev.WriteSectors(sector, 1, *scratch); err != nil {
			return 0, s.fail("write start sector", sector, err)
		}
		done = n
		sector++
	}

	if whole := uint64(len(buf)-done) / ss; whole > 0 {
		span := buf[done : uint64(done)+whole*ss]
		n, err := s.transfer(sector, whole, span, s.dev.WriteSectors)
		done += n
		if err != nil {
			return done, s.fail("write aligned sectors", sector+uint64(n)/ss, err)
		}
		sector += whole
	}

	if done < len(buf) {
		if scratch == nil {
			scratch = s.getSector()
		}
		if err := s.dev.ReadSectors(sector, 1, *scratch); err != nil {
			return done, s.fail("read end sector for write", sector, err)
		}
		n := copy(*scratch, buf[done:])
		if err := s.dev.WriteSectors(sector, 1, *scratch); err != nil {
			return done, s.fail("write end sector", sector, err)
		}
		done += n
	}

	return done, nil
}

// transfer moves count whole sectors between span and the device, splitting
// the run into requests of at most maxSectors. It returns the number of bytes
// moved before the first failure.
func (s *SectorIO) transfer(sector, count uint64, span []byte,
	op func(sector uint64, count uint32, buff []byte) error) (int, error) {
	moved := 0
	for count > 0 {
		chunk := count
		if s.maxSectors > 0 && chunk > uint64(s.maxSectors) {
			chunk = uint64(s.maxSectors)
		}
		if chunk > math.MaxUint32 {
			chunk = math.MaxUint32
		}
		length := int(chunk * s.sectorSize)
		if err := op(sector, uint32(chunk), span[moved:moved+length]); err != nil {
			return moved, err
		}
		moved += length
		sector += chunk
		count -= chunk
	}
	return moved, nil
}
