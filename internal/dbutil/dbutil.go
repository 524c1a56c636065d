// Package dbutil provides the embedded-SQL connection and batching helpers
// shared by the Meta, Layout, and State databases.
package dbutil

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// MaxBoundParams is the conservative bound-parameter ceiling batch writers
// chunk against. sqlite's real default is 32766 (SQLITE_MAX_VARIABLE_NUMBER
// since 3.32); this stays well under it so a batch transaction never
// approaches the limit even with wide rows.
const MaxBoundParams = 900

// Open opens (creating if absent) a single-file sqlite database at path,
// with the pragmas the core's write patterns rely on: WAL for concurrent
// readers during a writer's transaction so readers never observe a
// half-written state, foreign keys on, and a busy timeout so
// the advisory lock at root/.moss/lock — not sqlite's own locking — is the
// thing callers contend on.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbutil: open %s: %w", path, err)
	}
	// A single active writer at a time matches the "pool of short-lived
	// connections" model without fighting sqlite's own file
	// locking under WAL.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Chunk splits n items into index ranges of at most size, for batch writers
// that must stay under MaxBoundParams.
func Chunk(n, size int) [][2]int {
	if size <= 0 {
		size = n
	}
	var ranges [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		ranges = append(ranges, [2]int{start, end})
	}
	return ranges
}

// ChunkSizeForColumns returns how many rows of width columns can be bound
// in one statement without exceeding MaxBoundParams.
func ChunkSizeForColumns(columns int) int {
	if columns <= 0 {
		columns = 1
	}
	size := MaxBoundParams / columns
	if size < 1 {
		size = 1
	}
	return size
}

// Placeholders returns "(?,?,...)" repeated n times, comma-joined, for
// building multi-row INSERT statements.
func Placeholders(rows, columns int) string {
	one := "(" + repeatJoin("?", columns, ",") + ")"
	return repeatJoin(one, rows, ",")
}

func repeatJoin(s string, n int, sep string) string {
	if n <= 0 {
		return ""
	}
	out := s
	for i := 1; i < n; i++ {
		out += sep + s
	}
	return out
}
