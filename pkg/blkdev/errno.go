package blkdev

import (
	"io/fs"
)

// Errno is the error code returned by the shim and the sector translation
// layer. The values follow the POSIX errno numbering so callers ported from C
// can compare them directly.
type Errno uint

const (
	ErrnoOK             Errno = 0
	ErrnoNoEnt          Errno = 2  // ENOENT
	ErrnoIO             Errno = 5  // EIO
	ErrnoBadFD          Errno = 9  // EBADF
	ErrnoBusy           Errno = 16 // EBUSY
	ErrnoInvalid        Errno = 22 // EINVAL
	ErrnoNoSpace        Errno = 28 // ENOSPC
	ErrnoWriteProtected Errno = 30 // EROFS
	ErrnoIllegalSeq     Errno = 84 // EILSEQ
	ErrnoNotReady       Errno = 0xe0
)

func (e Errno) Error() string {
	var msg string
	switch e {
	case ErrnoOK:
		msg = "(0) Succeeded"
	case ErrnoNoEnt:
		msg = "(2) No such partition"
	case ErrnoIO:
		msg = "(5) A hard error occurred in the low level disk I/O layer"
	case ErrnoBadFD:
		msg = "(9) File not opened"
	case ErrnoBusy:
		msg = "(16) File already open"
	case ErrnoInvalid:
		msg = "(22) Given parameter is invalid"
	case ErrnoNoSpace:
		msg = "(28) Request crosses the end of the partition"
	case ErrnoWriteProtected:
		msg = "(30) The sector is write protected"
	case ErrnoIllegalSeq:
		msg = "(84) Illegal byte sequence"
	case ErrnoNotReady:
		msg = "(e0) The physical drive cannot work"
	default:
		msg = "unknown error"
	}
	return "blkdev: " + msg
}

// Is lets errors.Is match an Errno against the io/fs sentinel errors.
func (e Errno) Is(target error) bool {
	switch target {
	case fs.ErrExist:
		return e == ErrnoBusy
	case fs.ErrNotExist:
		return e == ErrnoNoEnt
	case fs.ErrClosed:
		return e == ErrnoBadFD
	case fs.ErrInvalid:
		return e == ErrnoInvalid
	case fs.ErrPermission:
		return e == ErrnoWriteProtected
	}
	return false
}
