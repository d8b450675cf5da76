package shim

import (
	"io/fs"
	"os"
	"time"

	"github.com/spf13/afero"
)

// Fs presents the partitions as files under "/". Opening a partition takes
// the shim's descriptor slot, so only one partition file can be open at a
// time. The namespace itself is fixed: nothing can be created, removed or
// renamed.
type Fs struct {
	shim *Shim
}

var _ afero.Fs = (*Fs)(nil)

// NewFs returns the afero view of s.
func NewFs(s *Shim) *Fs {
	return &Fs{shim: s}
}

// FileInfo describes a partition or the root directory.
type FileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
	mode    os.FileMode
	sys     interface{}
}

func (fi FileInfo) Name() string       { return fi.name }
func (fi FileInfo) Size() int64        { return fi.size }
func (fi FileInfo) IsDir() bool        { return fi.isDir }
func (fi FileInfo) ModTime() time.Time { return fi.modTime }
func (fi FileInfo) Mode() os.FileMode  { return fi.mode }
func (fi FileInfo) Sys() interface{}   { return fi.sys }

var _ os.FileInfo = FileInfo{}

func rootInfo() FileInfo {
	return FileInfo{
		name:    "/",
		isDir:   true,
		modTime: time.Unix(0, 0),
		mode:    os.ModeDir | 0o755,
	}
}

func partitionInfo(p Partition) FileInfo {
	return FileInfo{
		name:    p.Name,
		size:    int64(p.Size),
		modTime: time.Unix(0, 0),
		mode:    0o666,
		sys:     p,
	}
}

func (f *Fs) Name() string {
	return "sdshim"
}

func (f *Fs) Create(name string) (afero.File, error) {
	return nil, &fs.PathError{Op: "create", Path: name, Err: fs.ErrPermission}
}

func (f *Fs) Mkdir(name string, perm os.FileMode) error {
	return &fs.PathError{Op: "mkdir", Path: name, Err: fs.ErrPermission}
}

func (f *Fs) MkdirAll(path string, perm os.FileMode) error {
	if cleanPath(path) == "/" {
		return nil
	}
	return &fs.PathError{Op: "mkdir", Path: path, Err: fs.ErrPermission}
}

func (f *Fs) Open(name string) (afero.File, error) {
	return f.OpenFile(name, os.O_RDONLY, 0)
}

// OpenFile opens the root directory or a partition. flag is passed through to
// Shim.Open, which ignores it.
func (f *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	clean := cleanPath(name)
	if clean == "/" {
		return &dirFile{fs: f}, nil
	}

	fd, err := f.shim.Open(clean, flag)
	if err != nil {
		return nil, err
	}
	return &File{shim: f.shim, fd: fd, path: clean}, nil
}

func (f *Fs) Remove(name string) error {
	return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrPermission}
}

func (f *Fs) RemoveAll(path string) error {
	return &fs.PathError{Op: "removeall", Path: path, Err: fs.ErrPermission}
}

func (f *Fs) Rename(oldname, newname string) error {
	return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: fs.ErrPermission}
}

func (f *Fs) Stat(name string) (os.FileInfo, error) {
	clean := cleanPath(name)
	if clean == "/" {
		return rootInfo(), nil
	}
	for _, p := range f.shim.Partitions() {
		if p.Path == clean {
			return partitionInfo(p), nil
		}
	}
	return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
}

func (f *Fs) Chmod(name string, mode os.FileMode) error {
	return &fs.PathError{Op: "chmod", Path: name, Err: fs.ErrPermission}
}

func (f *Fs) Chown(name string, uid, gid int) error {
	return &fs.PathError{Op: "chown", Path: name, Err: fs.ErrPermission}
}

func (f *Fs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return &fs.PathError{Op: "chtimes", Path: name, Err: fs.ErrPermission}
}

// AsIO returns a read-only io/fs view; partition names have no leading
// slash there ("sys", "dat").
func AsIO(f *Fs) fs.FS {
	return afero.NewIOFS(f)
}
