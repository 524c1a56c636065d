// Package stone implements the moss binary container format: a fixed file
// header followed by an ordered sequence of Meta/Layout/Index/Content/
// Attributes payloads, each individually checksummed and optionally
// zstd-framed.
package stone

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the 4-byte file magic, "\0mos".
var Magic = [4]byte{0x00, 'm', 'o', 's'}

// FileType enumerates the kinds of stone container the format defines.
type FileType uint8

const (
	FileTypeBinary FileType = iota + 1
	FileTypeRepository
	FileTypeDelta
)

// FileHeader is the fixed header at the start of every stone file.
type FileHeader struct {
	Version  uint16
	FileType FileType
}

// HeaderSize is the encoded size of FileHeader: 4 (magic) + 2 (version) + 1 (type).
const HeaderSize = 4 + 2 + 1

// CurrentVersion is the version this implementation writes.
const CurrentVersion uint16 = 1

// DecodeFileHeader reads and validates the fixed file header.
func DecodeFileHeader(r io.Reader) (FileHeader, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FileHeader{}, fmt.Errorf("stone: read file header: %w", ErrHeaderDecode)
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return FileHeader{}, fmt.Errorf("stone: bad magic: %w", ErrHeaderDecode)
	}
	version := binary.BigEndian.Uint16(buf[4:6])
	ft := FileType(buf[6])
	if ft < FileTypeBinary || ft > FileTypeDelta {
		return FileHeader{}, fmt.Errorf("stone: unknown file type %d: %w", buf[6], ErrHeaderDecode)
	}
	return FileHeader{Version: version, FileType: ft}, nil
}

// Encode writes the fixed file header.
func (h FileHeader) Encode(w io.Writer) error {
	var buf [HeaderSize]byte
	copy(buf[0:4], Magic[:])
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = byte(h.FileType)
	_, err := w.Write(buf[:])
	return err
}
