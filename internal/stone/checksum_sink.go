package stone

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// checksumSink is an io.Writer that accumulates the payload checksum (the low
// 64 bits of xxh3-128, matching checksumBytes) without
// buffering the written bytes, used by IntegrityCheck to validate the
// Content payload "through a checksum sink without extracting".
type checksumSink struct {
	h *xxh3.Hasher
}

func newChecksumSink() *checksumSink {
	return &checksumSink{h: xxh3.New()}
}

func (s *checksumSink) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

func (s *checksumSink) checksum() [8]byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], s.h.Sum128().Lo)
	return out
}
