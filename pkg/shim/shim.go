// Package shim exposes the partitions of an SD card through a small
// POSIX-like file API (open, read, write, pread, pwrite, lseek, close, fsync).
//
// The shim has a single descriptor slot: one partition can be open at a time
// and a second Open fails with EBUSY until the first is closed. Byte offsets
// are relative to the open partition and are translated to card sectors by
// blkdev.SectorIO.
package shim

import (
	"io"
	"io/fs"
	"sync"

	log "github.com/fclairamb/go-log"

	"github.com/OffBroadway/sdshim/pkg/blkdev"
	"github.com/OffBroadway/sdshim/pkg/logging"
)

const closedFD = -1

// Shim is the descriptor slot plus the card it reads and writes.
type Shim struct {
	mu     sync.Mutex
	dev    blkdev.BlockDevice
	sio    *blkdev.SectorIO
	parts  []Partition
	logger log.Logger

	fd  int
	cur int // index into parts while fd is open
	pos int64
}

// Option configures a Shim.
type Option func(*options)

type options struct {
	logger    log.Logger
	sectorOps []blkdev.Option
}

// WithLogger sets the logger; lines are tagged "Fsck-wrapper".
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSectorOptions forwards options to the sector translation layer.
func WithSectorOptions(opts ...blkdev.Option) Option {
	return func(o *options) { o.sectorOps = append(o.sectorOps, opts...) }
}

// New returns a shim over dev exposing parts. A nil parts uses
// DefaultPartitions.
func New(dev blkdev.BlockDevice, parts []Partition, opts ...Option) (*Shim, error) {
	if parts == nil {
		parts = DefaultPartitions()
	}
	if err := validatePartitions(parts); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.Tag(o.logger, "Fsck-wrapper")

	cleaned := make([]Partition, len(parts))
	for i, p := range parts {
		p.Path = cleanPath(p.Path)
		if p.Name == "" {
			p.Name = p.Path[1:]
		}
		cleaned[i] = p
	}

	sectorOps := append([]blkdev.Option{blkdev.WithLogger(logger)}, o.sectorOps...)
	return &Shim{
		dev:    dev,
		sio:    blkdev.NewSectorIO(dev, sectorOps...),
		parts:  cleaned,
		logger: logger,
		fd:     closedFD,
	}, nil
}

func (s *Shim) lookup(name string) int {
	name = cleanPath(name)
	for i, p := range s.parts {
		if p.Path == name {
			return i
		}
	}
	return -1
}

// size resolves the length of partition i against the current card size.
func (s *Shim) size(i int) int64 {
	p := s.parts[i]
	if p.Size != 0 {
		return int64(p.Size)
	}
	card := blkdev.SizeBytes(s.dev)
	if card <= p.Offset {
		return 0
	}
	return int64(card - p.Offset)
}

// Partitions returns the layout with every size resolved.
func (s *Shim) Partitions() []Partition {
	out := make([]Partition, len(s.parts))
	for i, p := range s.parts {
		p.Size = uint64(s.size(i))
		out[i] = p
	}
	return out
}

// Size returns the byte length of the partition at path.
func (s *Shim) Size(path string) (int64, error) {
	i := s.lookup(path)
	if i < 0 {
		return 0, &fs.PathError{Op: "stat", Path: path, Err: blkdev.ErrnoNoEnt}
	}
	return s.size(i), nil
}

// Open claims the descriptor slot for the partition at path. flags are
// accepted for compatibility and ignored: partitions are always read/write.
func (s *Shim) Open(path string, flags int) (int, error) {
	s.logger.Info("open", "path", path, "flags", flags)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fd != closedFD {
		s.logger.Warn("File already open", "fd", s.fd)
		return closedFD, &fs.PathError{Op: "open", Path: path, Err: blkdev.ErrnoBusy}
	}

	i := s.lookup(path)
	if i < 0 {
		s.logger.Error("Unknown path", "path", path)
		return closedFD, &fs.PathError{Op: "open", Path: path, Err: blkdev.ErrnoNoEnt}
	}

	s.logger.Info("Processing "+s.parts[i].Path, "offset", s.parts[i].Offset, "size", s.size(i))
	s.fd = i + 1
	s.cur = i
	s.pos = 0
	return s.fd, nil
}

// checkFD must be called with s.mu held.
func (s *Shim) checkFD(op string, fd int) error {
	if s.fd == closedFD {
		s.logger.Warn("File not opened", "op", op)
		return &fs.PathError{Op: op, Path: "", Err: blkdev.ErrnoBadFD}
	}
	if fd != s.fd {
		s.logger.Warn("Bad file descriptor", "op", op, "fd", fd, "open", s.fd)
		return &fs.PathError{Op: op, Path: s.parts[s.cur].Path, Err: blkdev.ErrnoBadFD}
	}
	return nil
}

// Pread reads len(buf) bytes at partition offset off. Reads are clamped to
// the end of the partition; a short read returns io.EOF with the count.
func (s *Shim) Pread(fd int, buf []byte, off int64) (int, error) {
	s.logger.Debug("pread", "fd", fd, "count", len(buf), "offset", off)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFD("pread", fd); err != nil {
		return 0, err
	}
	return s.pread(buf, off)
}

func (s *Shim) pread(buf []byte, off int64) (int, error) {
	p := s.parts[s.cur]
	if off < 0 {
		return 0, &fs.PathError{Op: "pread", Path: p.Path, Err: blkdev.ErrnoInvalid}
	}
	size := s.size(s.cur)
	if off >= size {
		if len(buf) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	want := buf
	if int64(len(want)) > size-off {
		want = want[:size-off]
	}
	n, err := s.sio.ReadAt(want, int64(p.Offset)+off)
	if err != nil {
		s.logger.Error("Error reading", "result", n, "error", err)
		return n, &fs.PathError{Op: "pread", Path: p.Path, Err: err}
	}
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

// Pwrite writes buf at partition offset off. A write crossing the end of the
// partition fails with ENOSPC and leaves the card untouched.
func (s *Shim) Pwrite(fd int, buf []byte, off int64) (int, error) {
	s.logger.Debug("pwrite", "fd", fd, "count", len(buf), "offset", off)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFD("pwrite", fd); err != nil {
		return 0, err
	}
	return s.pwrite(buf, off)
}

func (s *Shim) pwrite(buf []byte, off int64) (int, error) {
	p := s.parts[s.cur]
	if off < 0 {
		return 0, &fs.PathError{Op: "pwrite", Path: p.Path, Err: blkdev.ErrnoInvalid}
	}
	if size := s.size(s.cur); off > size || int64(len(buf)) > size-off {
		s.logger.Error("Write past end of partition", "offset", off, "count", len(buf), "size", size)
		return 0, &fs.PathError{Op: "pwrite", Path: p.Path, Err: blkdev.ErrnoNoSpace}
	}
	n, err := s.sio.WriteAt(buf, int64(p.Offset)+off)
	if err != nil {
		s.logger.Error("Error writing", "result", n, "error", err)
		return n, &fs.PathError{Op: "pwrite", Path: p.Path, Err: err}
	}
	return n, nil
}

// Read reads at the current position and advances it by the bytes read.
func (s *Shim) Read(fd int, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFD("read", fd); err != nil {
		return 0, err
	}
	n, err := s.pread(buf, s.pos)
	s.pos += int64(n)
	return n, err
}

// Write writes at the current position and advances it by the bytes written.
func (s *Shim) Write(fd int, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFD("write", fd); err != nil {
		return 0, err
	}
	n, err := s.pwrite(buf, s.pos)
	s.pos += int64(n)
	return n, err
}

// Lseek moves the position. SEEK_END only accepts a zero offset.
func (s *Shim) Lseek(fd int, offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFD("lseek", fd); err != nil {
		return -1, err
	}

	p := s.parts[s.cur]
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.pos + offset
	case io.SeekEnd:
		if offset != 0 {
			s.logger.Error("Offset on SEEK_END is not supported", "offset", offset)
			return -1, &fs.PathError{Op: "lseek", Path: p.Path, Err: blkdev.ErrnoInvalid}
		}
		pos = s.size(s.cur)
	default:
		s.logger.Error("Invalid whence", "whence", whence)
		return -1, &fs.PathError{Op: "lseek", Path: p.Path, Err: blkdev.ErrnoInvalid}
	}
	if pos < 0 {
		return -1, &fs.PathError{Op: "lseek", Path: p.Path, Err: blkdev.ErrnoInvalid}
	}

	s.pos = pos
	s.logger.Info("lseek", "result", pos)
	return pos, nil
}

// Close releases the descriptor slot and resets the position.
func (s *Shim) Close(fd int) error {
	s.logger.Info("close", "fd", fd)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFD("close", fd); err != nil {
		return err
	}
	s.fd = closedFD
	s.pos = 0
	return nil
}

// Fsync flushes the card when the device buffers writes.
func (s *Shim) Fsync(fd int) error {
	s.logger.Debug("fsync", "fd", fd)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFD("fsync", fd); err != nil {
		return err
	}
	if syncer, ok := s.dev.(blkdev.Syncer); ok {
		if err := syncer.Sync(); err != nil {
			return &fs.PathError{Op: "fsync", Path: s.parts[s.cur].Path, Err: err}
		}
	}
	return nil
}
