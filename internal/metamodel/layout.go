package metamodel

import "github.com/aerynos/moss/internal/digest"

// FileKind tags the variant of a Layout record's file field.
type FileKind uint8

const (
	FileRegular FileKind = iota
	FileSymlink
	FileDirectory
	FileCharacterDevice
	FileBlockDevice
	FileFifo
	FileSocket
	FileUnknown
)

// File is the tagged variant payload of a Layout record.
type File struct {
	Kind       FileKind
	Digest     digest.Digest // Regular only
	Source     string        // Symlink target / Unknown source
	TargetPath string        // forward-slash path relative to /usr
}

// Layout is one inode record belonging to a package.
type Layout struct {
	UID  uint32
	GID  uint32
	Mode uint32
	Tag  uint32
	File File
}
