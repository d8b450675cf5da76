package shim

import (
	"errors"
	"io"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OffBroadway/sdshim/pkg/blkdev"
)

func testParts() []Partition {
	return []Partition{
		{Name: "sys", Path: "/sys", Offset: 4 * 512, Size: 8 * 512},
		{Name: "dat", Path: "/dat", Offset: 16 * 512},
	}
}

func newTestShim(t *testing.T) (*Shim, *blkdev.MemDevice) {
	t.Helper()
	dev := blkdev.NewMemDevice(512, 64)
	s, err := New(dev, testParts())
	require.NoError(t, err)
	return s, dev
}

type syncCounter struct {
	*blkdev.MemDevice
	syncs int
	err   error
}

func (d *syncCounter) Sync() error {
	d.syncs++
	return d.err
}

func TestDefaultPartitions(t *testing.T) {
	parts := DefaultPartitions()
	require.Len(t, parts, 2)
	assert.Equal(t, "/sys", parts[0].Path)
	assert.Equal(t, uint64(65536*512), parts[0].Offset)
	assert.Equal(t, uint64(524288*512), parts[0].Size)
	assert.Equal(t, "/dat", parts[1].Path)
	assert.Equal(t, uint64(589824*512), parts[1].Offset)
	assert.Zero(t, parts[1].Size)
}

func TestNewRejectsBadLayouts(t *testing.T) {
	dev := blkdev.NewMemDevice(512, 8)

	_, err := New(dev, []Partition{})
	assert.ErrorIs(t, err, blkdev.ErrnoInvalid)

	_, err = New(dev, []Partition{{Path: "/a"}, {Path: "a/"}})
	assert.ErrorIs(t, err, blkdev.ErrnoInvalid)

	_, err = New(dev, []Partition{{Path: "/"}})
	assert.ErrorIs(t, err, blkdev.ErrnoInvalid)
}

func TestOpenAssignsDescriptors(t *testing.T) {
	s, _ := newTestShim(t)

	fd, err := s.Open("/sys", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, fd)
	require.NoError(t, s.Close(fd))

	fd, err = s.Open("/dat", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, fd)
	require.NoError(t, s.Close(fd))
}

func TestOpenSingleSlot(t *testing.T) {
	s, _ := newTestShim(t)

	fd, err := s.Open("/sys", 0)
	require.NoError(t, err)

	_, err = s.Open("/dat", 0)
	assert.ErrorIs(t, err, blkdev.ErrnoBusy)
	assert.ErrorIs(t, err, fs.ErrExist)

	require.NoError(t, s.Close(fd))
	fd, err = s.Open("/dat", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, fd)
}

func TestOpenUnknownPath(t *testing.T) {
	s, _ := newTestShim(t)
	fd, err := s.Open("/boot", 0)
	assert.Equal(t, -1, fd)
	assert.ErrorIs(t, err, blkdev.ErrnoNoEnt)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestOperationsWithoutOpen(t *testing.T) {
	s, _ := newTestShim(t)
	buf := make([]byte, 4)

	_, err := s.Pread(1, buf, 0)
	assert.ErrorIs(t, err, blkdev.ErrnoBadFD)
	_, err = s.Pwrite(1, buf, 0)
	assert.ErrorIs(t, err, blkdev.ErrnoBadFD)
	_, err = s.Read(1, buf)
	assert.ErrorIs(t, err, blkdev.ErrnoBadFD)
	_, err = s.Write(1, buf)
	assert.ErrorIs(t, err, blkdev.ErrnoBadFD)
	pos, err := s.Lseek(1, 0, io.SeekStart)
	assert.Equal(t, int64(-1), pos)
	assert.ErrorIs(t, err, blkdev.ErrnoBadFD)
	assert.ErrorIs(t, s.Close(1), blkdev.ErrnoBadFD)
	assert.ErrorIs(t, s.Fsync(1), fs.ErrClosed)
}

func TestWrongDescriptor(t *testing.T) {
	s, _ := newTestShim(t)
	fd, err := s.Open("/sys", 0)
	require.NoError(t, err)

	_, err = s.Pread(fd+1, make([]byte, 1), 0)
	assert.ErrorIs(t, err, blkdev.ErrnoBadFD)
}

func TestPwriteTranslatesPartitionOffset(t *testing.T) {
	s, dev := newTestShim(t)
	fd, err := s.Open("/sys", 0)
	require.NoError(t, err)

	data := []byte("partition payload")
	n, err := s.Pwrite(fd, data, 700)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	start := 4*512 + 700
	assert.Equal(t, data, dev.Bytes()[start:start+len(data)])

	got := make([]byte, len(data))
	n, err = s.Pread(fd, got, 700)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)
}

func TestReadWriteAdvancePosition(t *testing.T) {
	s, _ := newTestShim(t)
	fd, err := s.Open("/dat", 0)
	require.NoError(t, err)

	_, err = s.Write(fd, []byte("hello "))
	require.NoError(t, err)
	_, err = s.Write(fd, []byte("world"))
	require.NoError(t, err)

	pos, err := s.Lseek(fd, 0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(11), pos)

	_, err = s.Lseek(fd, 0, io.SeekStart)
	require.NoError(t, err)
	got := make([]byte, 11)
	n, err := s.Read(fd, got)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, "hello world", string(got))

	pos, _ = s.Lseek(fd, 0, io.SeekCurrent)
	assert.Equal(t, int64(11), pos)
}

func TestCloseResetsPosition(t *testing.T) {
	s, _ := newTestShim(t)
	fd, err := s.Open("/sys", 0)
	require.NoError(t, err)
	_, err = s.Lseek(fd, 100, io.SeekStart)
	require.NoError(t, err)
	require.NoError(t, s.Close(fd))

	fd, err = s.Open("/sys", 0)
	require.NoError(t, err)
	pos, err := s.Lseek(fd, 0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Zero(t, pos)
}

func TestLseek(t *testing.T) {
	s, _ := newTestShim(t)
	fd, err := s.Open("/sys", 0)
	require.NoError(t, err)

	pos, err := s.Lseek(fd, 10, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)

	pos, err = s.Lseek(fd, 5, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(15), pos)

	pos, err = s.Lseek(fd, 0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(8*512), pos)

	_, err = s.Lseek(fd, -1, io.SeekEnd)
	assert.ErrorIs(t, err, blkdev.ErrnoInvalid)

	_, err = s.Lseek(fd, 0, 42)
	assert.ErrorIs(t, err, fs.ErrInvalid)

	_, err = s.Lseek(fd, -1, io.SeekStart)
	assert.ErrorIs(t, err, blkdev.ErrnoInvalid)

	// failed seeks leave the position alone
	pos, _ = s.Lseek(fd, 0, io.SeekCurrent)
	assert.Equal(t, int64(8*512), pos)
}

func TestSizeToEndOfCard(t *testing.T) {
	s, _ := newTestShim(t)
	size, err := s.Size("dat")
	require.NoError(t, err)
	assert.Equal(t, int64(48*512), size)

	_, err = s.Size("/nope")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	dev := blkdev.NewMemDevice(512, 4)
	s, err = New(dev, []Partition{{Path: "/far", Offset: 100 * 512}})
	require.NoError(t, err)
	size, err = s.Size("/far")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestPreadClampsAtPartitionEnd(t *testing.T) {
	s, dev := newTestShim(t)
	fd, err := s.Open("/sys", 0)
	require.NoError(t, err)

	// the byte after /sys belongs to sector 12; it must not be returned
	dev.Bytes()[12*512] = 0xFF

	buf := make([]byte, 20)
	n, err := s.Pread(fd, buf, 8*512-10)
	assert.Equal(t, 10, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, buf[10])

	n, err = s.Pread(fd, buf, 8*512)
	assert.Zero(t, n)
	assert.Equal(t, io.EOF, err)

	_, err = s.Pread(fd, buf, -1)
	assert.ErrorIs(t, err, blkdev.ErrnoInvalid)
}

func TestPwriteRefusesToCrossPartitionEnd(t *testing.T) {
	s, dev := newTestShim(t)
	fd, err := s.Open("/sys", 0)
	require.NoError(t, err)

	n, err := s.Pwrite(fd, make([]byte, 20), 8*512-10)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, blkdev.ErrnoNoSpace)
	assert.Zero(t, dev.Writes)

	n, err = s.Pwrite(fd, []byte{1}, 8*512-1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeviceErrorsSurface(t *testing.T) {
	dev := blkdev.NewMemDevice(512, 64)
	s, err := New(blkdev.NewMBRGuard(dev), []Partition{{Path: "/raw", Offset: 0, Size: 4 * 512}})
	require.NoError(t, err)
	fd, err := s.Open("/raw", 0)
	require.NoError(t, err)

	_, err = s.Pwrite(fd, []byte("x"), 10)
	assert.ErrorIs(t, err, blkdev.ErrnoIO)
	assert.ErrorIs(t, err, blkdev.ErrnoWriteProtected)
	var perr *fs.PathError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "pwrite", perr.Op)
}

func TestFsync(t *testing.T) {
	dev := &syncCounter{MemDevice: blkdev.NewMemDevice(512, 64)}
	s, err := New(dev, testParts())
	require.NoError(t, err)
	fd, err := s.Open("/sys", 0)
	require.NoError(t, err)

	require.NoError(t, s.Fsync(fd))
	assert.Equal(t, 1, dev.syncs)

	dev.err = errors.New("flush failed")
	assert.Error(t, s.Fsync(fd))

	plain, _ := newTestShim(t)
	fd, err = plain.Open("/dat", 0)
	require.NoError(t, err)
	assert.NoError(t, plain.Fsync(fd))
}

func TestPartitionsFromMBR(t *testing.T) {
	mbr := &blkdev.MBR{Signature: 0xAA55}
	mbr.Partitions[0] = blkdev.PartitionEntry{Type: 7, LBAFirst: 65536, Sectors: 524288}
	mbr.Partitions[2] = blkdev.PartitionEntry{Type: 7, LBAFirst: 589824, Sectors: 100}
	mbr.Partitions[3] = blkdev.PartitionEntry{Type: 7, LBAFirst: 600000, Sectors: 100}

	parts := PartitionsFromMBR(mbr, 512)
	require.Len(t, parts, 3)
	assert.Equal(t, Partition{Name: "sys", Path: "/sys", Offset: 65536 * 512, Size: 524288 * 512}, parts[0])
	assert.Equal(t, "/dat", parts[1].Path)
	assert.Equal(t, "/p3", parts[2].Path)
}
