// Package digest implements the 128-bit content addressing scheme used to
// name assets and to checksum stone payloads
package digest

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/xxh3"
)

// Size is the width, in bytes, of a digest.
const Size = 16

// Digest is a 128-bit xxh3 content hash. The zero value is not a valid
// digest of any content; use Empty for the well-known empty-file sentinel.
type Digest [Size]byte

// Empty is the digest of the zero-length file. Blit must never hardlink an
// asset for this digest; it creates a fresh empty inode instead instead.
var Empty = Digest{
	0x99, 0xaa, 0x06, 0xd3, 0x01, 0x47, 0x98, 0xd8,
	0x60, 0x01, 0xc3, 0x24, 0x46, 0x8d, 0x49, 0x7f,
}

// IsEmpty reports whether d is the empty-file sentinel.
func (d Digest) IsEmpty() bool { return d == Empty }

// String renders d as 32 lowercase hex characters, the on-disk asset name.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Checksum returns the low 64 bits of d, the form stored in a stone payload
// header
func (d Digest) Checksum() uint64 {
	return binary.BigEndian.Uint64(d[8:16])
}

// ShardPath returns the asset path components relative to assets/v2, i.e.
// <hh>/<hh>/<hh>/<32-hex-digest>
func (d Digest) ShardPath() (a, b, c, name string) {
	s := d.String()
	return s[0:2], s[2:4], s[4:6], s
}

// Parse decodes a 32-character hex digest string.
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != Size*2 {
		return d, fmt.Errorf("digest: wrong length %d, want %d", len(s), Size*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest: %w", err)
	}
	copy(d[:], b)
	return d, nil
}

// FromBytes reads a 16-byte digest in the given byte order. The stone Layout
// encoding historically wrote Regular digests little-endian in one producer;
// current producers and this implementation's writer always emit
// big-endian, but the reader accepts both.
func FromBytes(b []byte, bigEndian bool) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, fmt.Errorf("digest: wrong byte length %d, want %d", len(b), Size)
	}
	if bigEndian {
		copy(d[:], b)
		return d, nil
	}
	for i := 0; i < Size; i++ {
		d[i] = b[Size-1-i]
	}
	return d, nil
}

// Bytes returns the big-endian wire representation of d.
func (d Digest) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, d[:])
	return out
}

// Sum computes the 128-bit xxh3 digest of b.
func Sum(b []byte) Digest {
	u := xxh3.Hash128(b)
	return fromU128(u.Hi, u.Lo)
}

// Hasher streams content through xxh3-128, used while fetching or unpacking
// so the digest is available without buffering the whole blob in memory.
type Hasher struct {
	h *xxh3.Hasher
}

// NewHasher returns a streaming xxh3-128 hasher.
func NewHasher() *Hasher {
	return &Hasher{h: xxh3.New()}
}

func (h *Hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

// Sum128 returns the accumulated digest.
func (h *Hasher) Sum128() Digest {
	u := h.h.Sum128()
	return fromU128(u.Hi, u.Lo)
}

func fromU128(hi, lo uint64) Digest {
	var d Digest
	binary.BigEndian.PutUint64(d[0:8], hi)
	binary.BigEndian.PutUint64(d[8:16], lo)
	return d
}

// Checksum64 is the payload-integrity digest stored in a stone payload
// header: the low 64 bits of the xxh3-128 digest of b, i.e. Sum(b).Checksum().
func Checksum64(b []byte) uint64 {
	return xxh3.Hash128(b).Lo
}

// ChecksumReader streams r through xxh3-128 and returns the low 64 bits,
// the same value Checksum64 computes over the whole input.
func ChecksumReader(r io.Reader) (uint64, error) {
	h := xxh3.New()
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum128().Lo, nil
}
