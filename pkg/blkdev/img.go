package blkdev

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// DefaultSectorSize is the SD card block size.
const DefaultSectorSize = 512

// assert that ImageFile implements the BlockDevice interface
var _ BlockDevice = (*ImageFile)(nil)
var _ Syncer = (*ImageFile)(nil)

// ImageFile is a card image stored in a file. It stands in for the physical
// card when the shim runs on a host.
type ImageFile struct {
	file       afero.File
	sectorSize uint64
}

// NewImageFileFs opens an existing card image on any afero filesystem.
func NewImageFileFs(fs afero.Fs, path string, sectorSize uint64) (*ImageFile, error) {
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	f, err := fs.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	return &ImageFile{file: f, sectorSize: sectorSize}, nil
}

// CreateImageFile creates (or truncates) an image of sectors blank sectors.
func CreateImageFile(fs afero.Fs, path string, sectorSize, sectors uint64) (*ImageFile, error) {
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create image %s: %w", path, err)
	}
	if err := f.Truncate(int64(sectorSize * sectors)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size image %s: %w", path, err)
	}
	return &ImageFile{file: f, sectorSize: sectorSize}, nil
}

// Initialize has nothing to do for an image: the file is ready once opened.
func (img *ImageFile) Initialize() error {
	return img.Status()
}

// Status reports whether the image is still open.
func (img *ImageFile) Status() error {
	if img.file == nil {
		return fmt.Errorf("file is not open: %w", ErrnoNotReady)
	}
	return nil
}

// ReadSectors reads `count` sectors from the file at the sector index `sector`
// into the buffer `buff`.
func (img *ImageFile) ReadSectors(sector uint64, count uint32, buff []byte) error {
	if img.file == nil {
		return fmt.Errorf("file is not open: %w", ErrnoNotReady)
	}

	offset := int64(sector * img.sectorSize)
	length := int64(uint64(count) * img.sectorSize)

	if int64(len(buff)) < length {
		return fmt.Errorf("buffer too small: need %d bytes, got %d", length, len(buff))
	}

	n, err := img.file.ReadAt(buff[:length], offset)
	if err != nil && !(err == io.EOF && int64(n) == length) {
		return fmt.Errorf("failed to read: %w", err)
	}
	if int64(n) != length {
		return fmt.Errorf("short read: expected %d bytes, got %d", length, n)
	}

	return nil
}

// WriteSectors writes `count` sectors from the buffer `buff` to the file
// at the sector index `sector`.
func (img *ImageFile) WriteSectors(sector uint64, count uint32, buff []byte) error {
	if img.file == nil {
		return fmt.Errorf("file is not open: %w", ErrnoNotReady)
	}

	offset := int64(sector * img.sectorSize)
	length := int64(uint64(count) * img.sectorSize)

	if int64(len(buff)) < length {
		return fmt.Errorf("buffer too small: need %d bytes, got %d", length, len(buff))
	}
	if sector+uint64(count) > img.GetSectorCount() {
		return fmt.Errorf("write past end of image: sector %d count %d", sector, count)
	}

	n, err := img.file.WriteAt(buff[:length], offset)
	if err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	if int64(n) != length {
		return fmt.Errorf("short write: expected %d bytes, wrote %d", length, n)
	}

	return nil
}

// GetSectorSize returns the sector size of the image.
func (img *ImageFile) GetSectorSize() uint64 {
	return img.sectorSize
}

// GetSectorCount returns the number of whole sectors in the image.
func (img *ImageFile) GetSectorCount() uint64 {
	if img.file == nil {
		return 0
	}
	info, err := img.file.Stat()
	if err != nil {
		return 0
	}
	return uint64(info.Size()) / img.sectorSize
}

// Sync flushes the image to stable storage.
func (img *ImageFile) Sync() error {
	if img.file == nil {
		return fmt.Errorf("file is not open: %w", ErrnoNotReady)
	}
	return img.file.Sync()
}

// Close should be called when you're done with the ImageFile
func (img *ImageFile) Close() error {
	if img.file == nil {
		return nil
	}
	err := img.file.Close()
	img.file = nil
	return err
}
