// Package wchar converts between UTF-8 and the UTF-16 code units exFAT
// stores names in.
package wchar

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"

	"github.com/OffBroadway/sdshim/pkg/blkdev"
)

var (
	ErrIllegalSequence = fmt.Errorf("wchar: %w", blkdev.ErrnoIllegalSeq)
	ErrNoSpace         = errors.New("wchar: destination too small")
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// MbsToWcs converts the NUL-terminated UTF-8 string src into UTF-16 code
// units, using surrogate pairs above the BMP. It returns the number of units
// produced, not counting the terminator. A nil dst only counts.
//
// dst must keep one unit free for the terminator after every character, so a
// string of n units needs len(dst) > n. The terminator is written when there
// is room for it.
func MbsToWcs(dst []uint16, src []byte) (int, error) {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}

	n := 0
	for len(src) > 0 {
		r, size := utf8.DecodeRune(src)
		if r == utf8.RuneError && size <= 1 {
			return n, ErrIllegalSequence
		}
		src = src[size:]

		if r >= 0x10000 {
			if dst != nil && n+2 >= len(dst) {
				return n, ErrNoSpace
			}
			if dst != nil {
				r1, r2 := utf16.EncodeRune(r)
				dst[n], dst[n+1] = uint16(r1), uint16(r2)
			}
			n += 2
			continue
		}

		if dst != nil && n+1 >= len(dst) {
			return n, ErrNoSpace
		}
		if dst != nil {
			dst[n] = uint16(r)
		}
		n++
	}

	if dst != nil && n < len(dst) {
		dst[n] = 0
	}
	return n, nil
}

// Wcrtomb encodes wc as UTF-8 into dst and returns the byte count. Surrogate
// halves and values past U+10FFFF are rejected. A nil dst returns 1.
func Wcrtomb(dst []byte, wc rune) (int, error) {
	if dst == nil {
		return 1, nil
	}
	if wc < 0 || wc > utf8.MaxRune || (wc >= 0xD800 && wc <= 0xDFFF) {
		return 0, ErrIllegalSequence
	}
	if utf8.RuneLen(wc) > len(dst) {
		return 0, ErrNoSpace
	}
	return utf8.EncodeRune(dst, wc), nil
}

// DecodeUTF16LE decodes little-endian UTF-16 bytes, stopping at the first
// zero unit.
func DecodeUTF16LE(b []byte) (string, error) {
	b = b[:len(b)&^1]
	for i := 0; i < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			b = b[:i]
			break
		}
	}
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EncodeUTF16LE encodes s as little-endian UTF-16 without a BOM.
func EncodeUTF16LE(s string) ([]byte, error) {
	return utf16le.NewEncoder().Bytes([]byte(s))
}

// PrintUTF16LE writes up to length UTF-16LE units of s to w as UTF-8,
// stopping at a zero unit.
func PrintUTF16LE(w io.Writer, s []byte, length int) error {
	if length < 0 {
		length = 0
	}
	if length*2 < len(s) {
		s = s[:length*2]
	}
	str, err := DecodeUTF16LE(s)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, str)
	return err
}
