// Package metadb is the per-package metadata store: name,
// versions, providers, dependencies, conflicts, hash, download size, uri.
package metadb

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/aerynos/moss/internal/dbutil"
	"github.com/aerynos/moss/internal/metamodel"
)

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	version_ident  TEXT NOT NULL,
	source_release INTEGER NOT NULL,
	build_release  INTEGER NOT NULL,
	architecture   TEXT NOT NULL,
	summary        TEXT NOT NULL,
	description    TEXT NOT NULL,
	source_id      TEXT NOT NULL,
	homepage       TEXT NOT NULL,
	uri            TEXT NOT NULL DEFAULT '',
	hash           TEXT NOT NULL DEFAULT '',
	download_size  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_packages_name ON packages(name);

CREATE TABLE IF NOT EXISTS licenses (
	package_id TEXT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
	license    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_licenses_package ON licenses(package_id);

-- relation in {'provider','dependency','conflict'}
CREATE TABLE IF NOT EXISTS provider_edges (
	package_id     TEXT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
	relation       TEXT NOT NULL,
	provider_kind  TEXT NOT NULL,
	provider_name  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_provider ON provider_edges(relation, provider_kind, provider_name);
CREATE INDEX IF NOT EXISTS idx_edges_package ON provider_edges(package_id);
`

// DB is a handle onto one Meta database (either the active installation's
// or one repository's).
type DB struct {
	sql *sql.DB
}

// Open opens or creates the Meta DB at path.
func Open(path string) (*DB, error) {
	conn, err := dbutil.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("metadb: migrate: %w", err)
	}
	return &DB{sql: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.sql.Close() }

// Get returns the Meta for id, or (zero, false) if absent.
func (d *DB) Get(id metamodel.ID) (metamodel.Meta, bool, error) {
	row := d.sql.QueryRow(`SELECT id,name,version_ident,source_release,build_release,architecture,summary,description,source_id,homepage,uri,hash,download_size FROM packages WHERE id = ?`, string(id))
	m, err := scanMeta(row)
	if err == sql.ErrNoRows {
		return metamodel.Meta{}, false, nil
	}
	if err != nil {
		return metamodel.Meta{}, false, fmt.Errorf("metadb: get %s: %w", id, err)
	}
	if err := d.fillEdgesAndLicenses(&m); err != nil {
		return metamodel.Meta{}, false, err
	}
	return m, true, nil
}

// List returns every package, in repository ordering.
func (d *DB) List() ([]metamodel.Meta, error) {
	rows, err := d.sql.Query(`SELECT id,name,version_ident,source_release,build_release,architecture,summary,description,source_id,homepage,uri,hash,download_size FROM packages`)
	if err != nil {
		return nil, fmt.Errorf("metadb: list: %w", err)
	}
	defer rows.Close()

	var metas []metamodel.Meta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("metadb: list scan: %w", err)
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range metas {
		if err := d.fillEdgesAndLicenses(&metas[i]); err != nil {
			return nil, err
		}
	}
	metamodel.SortMetas(metas)
	return metas, nil
}

// ByName returns every package whose name equals name, repository-ordered.
func (d *DB) ByName(name string) ([]metamodel.Meta, error) {
	rows, err := d.sql.Query(`SELECT id,name,version_ident,source_release,build_release,architecture,summary,description,source_id,homepage,uri,hash,download_size FROM packages WHERE name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("metadb: by_name %s: %w", name, err)
	}
	defer rows.Close()

	var metas []metamodel.Meta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range metas {
		if err := d.fillEdgesAndLicenses(&metas[i]); err != nil {
			return nil, err
		}
	}
	metamodel.SortMetas(metas)
	return metas, nil
}

// ByProvider returns every package advertising the given provider in
// relation "provider", repository-ordered (provider resolution relies
// on this for Lookup::Global).
func (d *DB) ByProvider(p metamodel.Provider) ([]metamodel.Meta, error) {
	ids, err := d.idsByEdge("provider", p)
	if err != nil {
		return nil, err
	}
	metas := make([]metamodel.Meta, 0, len(ids))
	for _, id := range ids {
		m, ok, err := d.Get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			metas = append(metas, m)
		}
	}
	metamodel.SortMetas(metas)
	return metas, nil
}

func (d *DB) idsByEdge(relation string, p metamodel.Provider) ([]metamodel.ID, error) {
	rows, err := d.sql.Query(`SELECT DISTINCT package_id FROM provider_edges WHERE relation = ? AND provider_kind = ? AND provider_name = ?`, relation, string(p.Kind), p.Name)
	if err != nil {
		return nil, fmt.Errorf("metadb: by_provider: %w", err)
	}
	defer rows.Close()
	var ids []metamodel.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, metamodel.ID(id))
	}
	return ids, rows.Err()
}

// BatchAdd inserts or replaces (id, meta) pairs, chunked to stay under the
// bound-parameter limit.
func (d *DB) BatchAdd(entries []struct {
	ID   metamodel.ID
	Meta metamodel.Meta
}) error {
	const packageCols = 13
	chunkSize := dbutil.ChunkSizeForColumns(packageCols)

	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("metadb: batch_add begin: %w", err)
	}
	defer tx.Rollback()

	for _, rng := range dbutil.Chunk(len(entries), chunkSize) {
		batch := entries[rng[0]:rng[1]]
		if err := insertPackageBatch(tx, batch); err != nil {
			return err
		}
		for _, e := range batch {
			if err := deleteEdgesAndLicenses(tx, e.ID); err != nil {
				return err
			}
			if err := insertLicenses(tx, e.ID, e.Meta.Licenses); err != nil {
				return err
			}
			if err := insertEdges(tx, e.ID, "dependency", e.Meta.Dependencies); err != nil {
				return err
			}
			if err := insertEdges(tx, e.ID, "provider", e.Meta.Providers); err != nil {
				return err
			}
			if err := insertEdges(tx, e.ID, "conflict", e.Meta.Conflicts); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metadb: batch_add commit: %w", err)
	}
	return nil
}

func insertPackageBatch(tx *sql.Tx, batch []struct {
	ID   metamodel.ID
	Meta metamodel.Meta
}) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO packages (id,name,version_ident,source_release,build_release,architecture,summary,description,source_id,homepage,uri,hash,download_size) VALUES `)
	sb.WriteString(dbutil.Placeholders(len(batch), 13))
	sb.WriteString(` ON CONFLICT(id) DO UPDATE SET name=excluded.name,version_ident=excluded.version_ident,source_release=excluded.source_release,build_release=excluded.build_release,architecture=excluded.architecture,summary=excluded.summary,description=excluded.description,source_id=excluded.source_id,homepage=excluded.homepage,uri=excluded.uri,hash=excluded.hash,download_size=excluded.download_size`)

	args := make([]any, 0, len(batch)*13)
	for _, e := range batch {
		m := e.Meta
		args = append(args, string(e.ID), m.Name, m.VersionIdent, m.SourceRelease, m.BuildRelease, m.Architecture, m.Summary, m.Description, m.SourceID, m.Homepage, m.URI, m.Hash, m.DownloadSize)
	}
	if _, err := tx.Exec(sb.String(), args...); err != nil {
		return fmt.Errorf("metadb: insert packages: %w", err)
	}
	return nil
}

func deleteEdgesAndLicenses(tx *sql.Tx, id metamodel.ID) error {
	if _, err := tx.Exec(`DELETE FROM provider_edges WHERE package_id = ?`, string(id)); err != nil {
		return fmt.Errorf("metadb: clear edges: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM licenses WHERE package_id = ?`, string(id)); err != nil {
		return fmt.Errorf("metadb: clear licenses: %w", err)
	}
	return nil
}

func insertLicenses(tx *sql.Tx, id metamodel.ID, licenses []string) error {
	for _, l := range licenses {
		if _, err := tx.Exec(`INSERT INTO licenses (package_id, license) VALUES (?, ?)`, string(id), l); err != nil {
			return fmt.Errorf("metadb: insert license: %w", err)
		}
	}
	return nil
}

func insertEdges(tx *sql.Tx, id metamodel.ID, relation string, providers []metamodel.Provider) error {
	for _, p := range providers {
		if _, err := tx.Exec(`INSERT INTO provider_edges (package_id, relation, provider_kind, provider_name) VALUES (?, ?, ?, ?)`, string(id), relation, string(p.Kind), p.Name); err != nil {
			return fmt.Errorf("metadb: insert edge: %w", err)
		}
	}
	return nil
}

// Remove deletes id's row and its associated licenses/edges.
func (d *DB) Remove(id metamodel.ID) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deleteEdgesAndLicenses(tx, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM packages WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("metadb: remove %s: %w", id, err)
	}
	return tx.Commit()
}

// Wipe deletes every row.
func (d *DB) Wipe() error {
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"provider_edges", "licenses", "packages"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("metadb: wipe %s: %w", table, err)
		}
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeta(row scanner) (metamodel.Meta, error) {
	var m metamodel.Meta
	var id string
	if err := row.Scan(&id, &m.Name, &m.VersionIdent, &m.SourceRelease, &m.BuildRelease, &m.Architecture, &m.Summary, &m.Description, &m.SourceID, &m.Homepage, &m.URI, &m.Hash, &m.DownloadSize); err != nil {
		return metamodel.Meta{}, err
	}
	m.ID = metamodel.ID(id)
	return m, nil
}

func (d *DB) fillEdgesAndLicenses(m *metamodel.Meta) error {
	licRows, err := d.sql.Query(`SELECT license FROM licenses WHERE package_id = ?`, string(m.ID))
	if err != nil {
		return fmt.Errorf("metadb: licenses for %s: %w", m.ID, err)
	}
	defer licRows.Close()
	for licRows.Next() {
		var l string
		if err := licRows.Scan(&l); err != nil {
			return err
		}
		m.Licenses = append(m.Licenses, l)
	}
	if err := licRows.Err(); err != nil {
		return err
	}

	edgeRows, err := d.sql.Query(`SELECT relation, provider_kind, provider_name FROM provider_edges WHERE package_id = ?`, string(m.ID))
	if err != nil {
		return fmt.Errorf("metadb: edges for %s: %w", m.ID, err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var relation, kind, name string
		if err := edgeRows.Scan(&relation, &kind, &name); err != nil {
			return err
		}
		p := metamodel.Provider{Kind: metamodel.ProviderKind(kind), Name: name}
		switch relation {
		case "dependency":
			m.Dependencies = append(m.Dependencies, p)
		case "provider":
			m.Providers = append(m.Providers, p)
		case "conflict":
			m.Conflicts = append(m.Conflicts, p)
		}
	}
	return edgeRows.Err()
}
