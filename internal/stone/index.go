package stone

import (
	"encoding/binary"
	"io"

	"github.com/aerynos/moss/internal/digest"
)

// IndexRecord maps a byte range within the single Content payload to one
// file blob.
type IndexRecord struct {
	Start  uint64
	End    uint64
	Digest digest.Digest
}

const indexRecordSize = 8 + 8 + digest.Size

// EncodeIndex writes one Index record.
func EncodeIndex(w io.Writer, rec IndexRecord) error {
	var buf [indexRecordSize]byte
	binary.BigEndian.PutUint64(buf[0:8], rec.Start)
	binary.BigEndian.PutUint64(buf[8:16], rec.End)
	copy(buf[16:16+digest.Size], rec.Digest.Bytes())
	_, err := w.Write(buf[:])
	return err
}

// DecodeIndex reads one Index record.
func DecodeIndex(r io.Reader) (IndexRecord, error) {
	var buf [indexRecordSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return IndexRecord{}, err
	}
	d, err := digest.FromBytes(buf[16:16+digest.Size], true)
	if err != nil {
		return IndexRecord{}, err
	}
	return IndexRecord{
		Start:  binary.BigEndian.Uint64(buf[0:8]),
		End:    binary.BigEndian.Uint64(buf[8:16]),
		Digest: d,
	}, nil
}

// Size returns the byte span this record covers.
func (r IndexRecord) Size() uint64 { return r.End - r.Start }
