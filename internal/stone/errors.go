package stone

import "errors"

// Error taxonomy for the stone codec.
var (
	ErrHeaderDecode       = errors.New("stone: header decode failed")
	ErrPayloadChecksum    = errors.New("stone: payload checksum mismatch")
	ErrUnknownPayload     = errors.New("stone: unknown payload kind")
	ErrUnknownFileType    = errors.New("stone: unknown layout file type")
	ErrMissingPayload     = errors.New("stone: expected payload missing")
	ErrUnknownCompression = errors.New("stone: unknown compression")
)
