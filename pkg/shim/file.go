package shim

import (
	"io"
	"io/fs"
	"os"

	"github.com/spf13/afero"

	"github.com/OffBroadway/sdshim/pkg/blkdev"
)

// File is an open partition. It owns the shim's descriptor slot until Close.
type File struct {
	shim   *Shim
	fd     int
	path   string
	closed bool
}

var _ afero.File = (*File)(nil)

// Name returns the name of the file as presented to OpenFile
func (f *File) Name() string {
	return f.path
}

// Fd returns the shim descriptor backing the file.
func (f *File) Fd() int {
	return f.fd
}

// errClosed guards every method after Close: a reopened slot for the same
// partition gets the same fd, so the stale handle must not reach the shim.
func (f *File) errClosed(op string) error {
	return &fs.PathError{Op: op, Path: f.path, Err: fs.ErrClosed}
}

func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, f.errClosed("read")
	}
	return f.shim.Read(f.fd, p)
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, f.errClosed("read")
	}
	return f.shim.Pread(f.fd, p, off)
}

func (f *File) Write(p []byte) (int, error) {
	if f.closed {
		return 0, f.errClosed("write")
	}
	return f.shim.Write(f.fd, p)
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, f.errClosed("write")
	}
	return f.shim.Pwrite(f.fd, p, off)
}

func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, f.errClosed("seek")
	}
	return f.shim.Lseek(f.fd, offset, whence)
}

func (f *File) Sync() error {
	if f.closed {
		return f.errClosed("sync")
	}
	return f.shim.Fsync(f.fd)
}

// Truncate is refused: a partition's size is fixed by the card layout.
func (f *File) Truncate(size int64) error {
	return &fs.PathError{Op: "truncate", Path: f.path, Err: fs.ErrPermission}
}

func (f *File) Stat() (os.FileInfo, error) {
	if f.closed {
		return nil, f.errClosed("stat")
	}
	size, err := f.shim.Size(f.path)
	if err != nil {
		return nil, err
	}
	i := f.shim.lookup(f.path)
	p := f.shim.parts[i]
	p.Size = uint64(size)
	return partitionInfo(p), nil
}

func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	return nil, &fs.PathError{Op: "readdir", Path: f.path, Err: blkdev.ErrnoInvalid}
}

func (f *File) Readdirnames(n int) ([]string, error) {
	return nil, &fs.PathError{Op: "readdir", Path: f.path, Err: blkdev.ErrnoInvalid}
}

// Close releases the descriptor slot. Closing twice is a no-op.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.shim.Close(f.fd)
}

// dirFile is the root directory. It lists the partitions and does not touch
// the descriptor slot.
type dirFile struct {
	fs     *Fs
	offset int
}

var _ afero.File = (*dirFile)(nil)

func (d *dirFile) errIsDir(op string) error {
	return &fs.PathError{Op: op, Path: "/", Err: blkdev.ErrnoInvalid}
}

func (d *dirFile) Name() string                             { return "/" }
func (d *dirFile) Close() error                             { return nil }
func (d *dirFile) Read(p []byte) (int, error)               { return 0, d.errIsDir("read") }
func (d *dirFile) ReadAt(p []byte, off int64) (int, error)  { return 0, d.errIsDir("read") }
func (d *dirFile) Write(p []byte) (int, error)              { return 0, d.errIsDir("write") }
func (d *dirFile) WriteAt(p []byte, off int64) (int, error) { return 0, d.errIsDir("write") }
func (d *dirFile) WriteString(s string) (int, error)        { return 0, d.errIsDir("write") }
func (d *dirFile) Sync() error                              { return nil }
func (d *dirFile) Truncate(size int64) error                { return d.errIsDir("truncate") }
func (d *dirFile) Stat() (os.FileInfo, error)               { return rootInfo(), nil }

func (d *dirFile) Seek(offset int64, whence int) (int64, error) {
	if offset == 0 && whence == io.SeekStart {
		d.offset = 0
		return 0, nil
	}
	return 0, d.errIsDir("seek")
}

// Readdir follows os.File: count <= 0 returns everything left, count > 0
// returns io.EOF once the listing is exhausted.
func (d *dirFile) Readdir(count int) ([]os.FileInfo, error) {
	parts := d.fs.shim.Partitions()
	if d.offset >= len(parts) {
		if count > 0 {
			return nil, io.EOF
		}
		return []os.FileInfo{}, nil
	}
	rest := parts[d.offset:]
	if count > 0 && len(rest) > count {
		rest = rest[:count]
	}
	infos := make([]os.FileInfo, 0, len(rest))
	for _, p := range rest {
		infos = append(infos, partitionInfo(p))
	}
	d.offset += len(rest)
	return infos, nil
}

func (d *dirFile) Readdirnames(n int) ([]string, error) {
	infos, err := d.Readdir(n)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}
