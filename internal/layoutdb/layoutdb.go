// Package layoutdb is the per-package inode record store:
// one row per (package_id, inode_index), with the file variant folded into
// entry_type/entry_value1/entry_value2.
package layoutdb

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/aerynos/moss/internal/dbutil"
	"github.com/aerynos/moss/internal/digest"
	"github.com/aerynos/moss/internal/metamodel"
)

const schema = `
CREATE TABLE IF NOT EXISTS layouts (
	package_id   TEXT NOT NULL,
	inode_index  INTEGER NOT NULL,
	uid          INTEGER NOT NULL,
	gid          INTEGER NOT NULL,
	mode         INTEGER NOT NULL,
	tag          INTEGER NOT NULL,
	entry_type   TEXT NOT NULL,
	entry_value1 TEXT NOT NULL DEFAULT '',
	entry_value2 TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (package_id, inode_index)
);
CREATE INDEX IF NOT EXISTS idx_layouts_package ON layouts(package_id);
`

// entryType mirrors metamodel.FileKind, stored as readable text so the
// schema survives FileKind renumbering.
const (
	entryRegular   = "regular"
	entrySymlink   = "symlink"
	entryDirectory = "directory"
	entryCharDev   = "chardev"
	entryBlockDev  = "blockdev"
	entryFifo      = "fifo"
	entrySocket    = "socket"
	entryUnknown   = "unknown"
)

func entryTypeOf(k metamodel.FileKind) string {
	switch k {
	case metamodel.FileRegular:
		return entryRegular
	case metamodel.FileSymlink:
		return entrySymlink
	case metamodel.FileDirectory:
		return entryDirectory
	case metamodel.FileCharacterDevice:
		return entryCharDev
	case metamodel.FileBlockDevice:
		return entryBlockDev
	case metamodel.FileFifo:
		return entryFifo
	case metamodel.FileSocket:
		return entrySocket
	default:
		return entryUnknown
	}
}

func fileKindOf(entryType string) metamodel.FileKind {
	switch entryType {
	case entryRegular:
		return metamodel.FileRegular
	case entrySymlink:
		return metamodel.FileSymlink
	case entryDirectory:
		return metamodel.FileDirectory
	case entryCharDev:
		return metamodel.FileCharacterDevice
	case entryBlockDev:
		return metamodel.FileBlockDevice
	case entryFifo:
		return metamodel.FileFifo
	case entrySocket:
		return metamodel.FileSocket
	default:
		return metamodel.FileUnknown
	}
}

// DB is a handle onto one Layout database.
type DB struct {
	sql *sql.DB
}

// Open opens or creates the Layout DB at path.
func Open(path string) (*DB, error) {
	conn, err := dbutil.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("layoutdb: migrate: %w", err)
	}
	return &DB{sql: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.sql.Close() }

// Query returns every Layout row for the given package ids.
func (d *DB) Query(ids []metamodel.ID) ([]metamodel.Layout, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var layouts []metamodel.Layout
	for _, rng := range dbutil.Chunk(len(ids), dbutil.ChunkSizeForColumns(1)) {
		batch := ids[rng[0]:rng[1]]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = string(id)
		}
		rows, err := d.sql.Query(`SELECT uid,gid,mode,tag,entry_type,entry_value1,entry_value2 FROM layouts WHERE package_id IN (`+placeholderList(len(batch))+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("layoutdb: query: %w", err)
		}
		if err := scanLayoutsInto(rows, &layouts); err != nil {
			return nil, err
		}
	}
	return layouts, nil
}

func placeholderList(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

// All returns every Layout row across every package.
func (d *DB) All() ([]metamodel.Layout, error) {
	rows, err := d.sql.Query(`SELECT uid,gid,mode,tag,entry_type,entry_value1,entry_value2 FROM layouts`)
	if err != nil {
		return nil, fmt.Errorf("layoutdb: all: %w", err)
	}
	var layouts []metamodel.Layout
	if err := scanLayoutsInto(rows, &layouts); err != nil {
		return nil, err
	}
	return layouts, nil
}

func scanLayoutsInto(rows *sql.Rows, out *[]metamodel.Layout) error {
	defer rows.Close()
	for rows.Next() {
		var l metamodel.Layout
		var entryType, v1, v2 string
		if err := rows.Scan(&l.UID, &l.GID, &l.Mode, &l.Tag, &entryType, &v1, &v2); err != nil {
			return fmt.Errorf("layoutdb: scan: %w", err)
		}
		kind := fileKindOf(entryType)
		l.File.Kind = kind
		l.File.TargetPath = v2
		switch kind {
		case metamodel.FileRegular:
			d, err := parseDigestDecimal(v1)
			if err != nil {
				return err
			}
			l.File.Digest = d
		case metamodel.FileSymlink, metamodel.FileUnknown:
			l.File.Source = v1
		}
		*out = append(*out, l)
	}
	return rows.Err()
}

// BatchAdd inserts (package_id, layout) pairs, assigning each layout the
// next inode_index within its package, chunked to stay under the
// bound-parameter limit.
func (d *DB) BatchAdd(entries []struct {
	ID     metamodel.ID
	Layout metamodel.Layout
}) error {
	const cols = 9
	chunkSize := dbutil.ChunkSizeForColumns(cols)

	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("layoutdb: batch_add begin: %w", err)
	}
	defer tx.Rollback()

	nextIndex := map[metamodel.ID]int{}
	for _, rng := range dbutil.Chunk(len(entries), chunkSize) {
		batch := entries[rng[0]:rng[1]]
		if err := insertLayoutBatch(tx, batch, nextIndex); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("layoutdb: batch_add commit: %w", err)
	}
	return nil
}

func insertLayoutBatch(tx *sql.Tx, batch []struct {
	ID     metamodel.ID
	Layout metamodel.Layout
}, nextIndex map[metamodel.ID]int) error {
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO layouts (package_id,inode_index,uid,gid,mode,tag,entry_type,entry_value1,entry_value2) VALUES (?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("layoutdb: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		idx := nextIndex[e.ID]
		nextIndex[e.ID] = idx + 1

		entryType := entryTypeOf(e.Layout.File.Kind)
		var v1 string
		switch e.Layout.File.Kind {
		case metamodel.FileRegular:
			v1 = digestDecimal(e.Layout.File.Digest)
		case metamodel.FileSymlink, metamodel.FileUnknown:
			v1 = e.Layout.File.Source
		}
		if _, err := stmt.Exec(string(e.ID), idx, e.Layout.UID, e.Layout.GID, e.Layout.Mode, e.Layout.Tag, entryType, v1, e.Layout.File.TargetPath); err != nil {
			return fmt.Errorf("layoutdb: insert: %w", err)
		}
	}
	return nil
}

// BatchRemove deletes every Layout row belonging to the given package ids,
// chunked to stay under the bound-parameter limit.
func (d *DB) BatchRemove(ids []metamodel.ID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rng := range dbutil.Chunk(len(ids), dbutil.ChunkSizeForColumns(1)) {
		batch := ids[rng[0]:rng[1]]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = string(id)
		}
		if _, err := tx.Exec(`DELETE FROM layouts WHERE package_id IN (`+placeholderList(len(batch))+`)`, args...); err != nil {
			return fmt.Errorf("layoutdb: batch_remove: %w", err)
		}
	}
	return tx.Commit()
}

// FileHashes returns the set of distinct Regular digests in hex form,
// across every package currently in the table; used by
// prune to validate/retain asset files.
func (d *DB) FileHashes() (map[string]struct{}, error) {
	rows, err := d.sql.Query(`SELECT DISTINCT entry_value1 FROM layouts WHERE entry_type = ?`, entryRegular)
	if err != nil {
		return nil, fmt.Errorf("layoutdb: file_hashes: %w", err)
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var v1 string
		if err := rows.Scan(&v1); err != nil {
			return nil, err
		}
		dg, err := parseDigestDecimal(v1)
		if err != nil {
			return nil, err
		}
		out[dg.String()] = struct{}{}
	}
	return out, rows.Err()
}

// digestDecimal stores a 128-bit digest as two base-10 uint64 halves
// joined by ':', avoiding sqlite's signed 64-bit INTEGER affinity while
// staying queryable/indexable as plain TEXT.
func digestDecimal(d digest.Digest) string {
	b := d.Bytes()
	hi := uint64(0)
	lo := uint64(0)
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(b[i])
	}
	for i := 8; i < 16; i++ {
		lo = lo<<8 | uint64(b[i])
	}
	return strconv.FormatUint(hi, 10) + ":" + strconv.FormatUint(lo, 10)
}

func parseDigestDecimal(s string) (digest.Digest, error) {
	sep := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return digest.Digest{}, fmt.Errorf("layoutdb: malformed digest %q", s)
	}
	hi, err := strconv.ParseUint(s[:sep], 10, 64)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("layoutdb: malformed digest %q: %w", s, err)
	}
	lo, err := strconv.ParseUint(s[sep+1:], 10, 64)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("layoutdb: malformed digest %q: %w", s, err)
	}
	var raw [16]byte
	for i := 0; i < 8; i++ {
		raw[7-i] = byte(hi >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		raw[15-i] = byte(lo >> (8 * i))
	}
	return digest.FromBytes(raw[:], true)
}

// OwnedLayout pairs a layout row with its owning package, for consumers
// that need ownership context (VFS conflict diagnostics).
type OwnedLayout struct {
	PackageID metamodel.ID
	Layout    metamodel.Layout
}

// QueryOwned returns every Layout row for the given package ids together
// with the owning package id.
func (d *DB) QueryOwned(ids []metamodel.ID) ([]OwnedLayout, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []OwnedLayout
	for _, rng := range dbutil.Chunk(len(ids), dbutil.ChunkSizeForColumns(1)) {
		batch := ids[rng[0]:rng[1]]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = string(id)
		}
		rows, err := d.sql.Query(`SELECT package_id,uid,gid,mode,tag,entry_type,entry_value1,entry_value2 FROM layouts WHERE package_id IN (`+placeholderList(len(batch))+`) ORDER BY package_id, inode_index`, args...)
		if err != nil {
			return nil, fmt.Errorf("layoutdb: query owned: %w", err)
		}
		if err := scanOwnedInto(rows, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanOwnedInto(rows *sql.Rows, out *[]OwnedLayout) error {
	defer rows.Close()
	for rows.Next() {
		var o OwnedLayout
		var id, entryType, v1, v2 string
		l := &o.Layout
		if err := rows.Scan(&id, &l.UID, &l.GID, &l.Mode, &l.Tag, &entryType, &v1, &v2); err != nil {
			return fmt.Errorf("layoutdb: scan owned: %w", err)
		}
		o.PackageID = metamodel.ID(id)
		kind := fileKindOf(entryType)
		l.File.Kind = kind
		l.File.TargetPath = v2
		switch kind {
		case metamodel.FileRegular:
			d, err := parseDigestDecimal(v1)
			if err != nil {
				return err
			}
			l.File.Digest = d
		case metamodel.FileSymlink, metamodel.FileUnknown:
			l.File.Source = v1
		}
		*out = append(*out, o)
	}
	return rows.Err()
}
