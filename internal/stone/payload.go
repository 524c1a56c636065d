package stone

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aerynos/moss/internal/digest"
)

// PayloadKind enumerates the payload kinds a stone file can carry.
type PayloadKind uint8

const (
	KindMeta PayloadKind = iota + 1
	KindContent
	KindLayout
	KindIndex
	KindAttributes
)

func (k PayloadKind) String() string {
	switch k {
	case KindMeta:
		return "Meta"
	case KindContent:
		return "Content"
	case KindLayout:
		return "Layout"
	case KindIndex:
		return "Index"
	case KindAttributes:
		return "Attributes"
	default:
		return fmt.Sprintf("PayloadKind(%d)", uint8(k))
	}
}

// Compression enumerates the payload framing options.
type Compression uint8

const (
	CompressionNone Compression = iota + 1
	CompressionZstd
)

// PayloadHeader precedes every payload's records: 32 bytes.
type PayloadHeader struct {
	StoredSize  uint64
	PlainSize   uint64
	Checksum    [8]byte
	NumRecords  uint32
	Version     uint16
	Kind        PayloadKind
	Compression Compression
}

// PayloadHeaderSize is the encoded size of PayloadHeader.
const PayloadHeaderSize = 8 + 8 + 8 + 4 + 2 + 1 + 1

// DecodePayloadHeader reads a 32-byte payload header.
func DecodePayloadHeader(r io.Reader) (PayloadHeader, error) {
	var buf [PayloadHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			return PayloadHeader{}, io.EOF
		}
		return PayloadHeader{}, fmt.Errorf("stone: read payload header: %w", err)
	}
	h := PayloadHeader{
		StoredSize:  binary.BigEndian.Uint64(buf[0:8]),
		PlainSize:   binary.BigEndian.Uint64(buf[8:16]),
		NumRecords:  binary.BigEndian.Uint32(buf[24:28]),
		Version:     binary.BigEndian.Uint16(buf[28:30]),
		Kind:        PayloadKind(buf[30]),
		Compression: Compression(buf[31]),
	}
	copy(h.Checksum[:], buf[16:24])
	return h, nil
}

// Encode writes the 32-byte payload header.
func (h PayloadHeader) Encode(w io.Writer) error {
	var buf [PayloadHeaderSize]byte
	binary.BigEndian.PutUint64(buf[0:8], h.StoredSize)
	binary.BigEndian.PutUint64(buf[8:16], h.PlainSize)
	copy(buf[16:24], h.Checksum[:])
	binary.BigEndian.PutUint32(buf[24:28], h.NumRecords)
	binary.BigEndian.PutUint16(buf[28:30], h.Version)
	buf[30] = byte(h.Kind)
	buf[31] = byte(h.Compression)
	_, err := w.Write(buf[:])
	return err
}

// checksumBytes returns the low-64-bit xxh3 checksum of b as stored on the
// wire.
func checksumBytes(b []byte) [8]byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], digest.Checksum64(b))
	return out
}

// verifyChecksum checks stored against the checksum of the given bytes
// (compressed bytes if compressed, plain bytes otherwise).
func verifyChecksum(stored [8]byte, data []byte) error {
	got := checksumBytes(data)
	if got != stored {
		return ErrPayloadChecksum
	}
	return nil
}
