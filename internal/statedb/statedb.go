// Package statedb is the append-only state store: one row
// per state plus an ordered selections table.
package statedb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aerynos/moss/internal/dbutil"
	"github.com/aerynos/moss/internal/metamodel"
)

const schema = `
CREATE TABLE IF NOT EXISTS states (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	created     INTEGER NOT NULL,
	summary     TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS selections (
	state_id   INTEGER NOT NULL REFERENCES states(id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	package_id TEXT NOT NULL,
	explicit   INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (state_id, position)
);
`

// DB is a handle onto the State database.
type DB struct {
	sql *sql.DB
}

// Open opens or creates the State DB at path.
func Open(path string) (*DB, error) {
	conn, err := dbutil.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("statedb: migrate: %w", err)
	}
	return &DB{sql: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.sql.Close() }

// Add appends a new state with the given ordered selections, returning it
// with its assigned id and created timestamp. States are append-only
//; the insert and its selections run in one transaction so
// readers never observe a partially written state.
func (d *DB) Add(selections []metamodel.Selection, summary, description string) (metamodel.State, error) {
	tx, err := d.sql.Begin()
	if err != nil {
		return metamodel.State{}, fmt.Errorf("statedb: add begin: %w", err)
	}
	defer tx.Rollback()

	created := time.Now()
	res, err := tx.Exec(`INSERT INTO states (created, summary, description) VALUES (?, ?, ?)`, created.Unix(), summary, description)
	if err != nil {
		return metamodel.State{}, fmt.Errorf("statedb: insert state: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return metamodel.State{}, fmt.Errorf("statedb: last insert id: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO selections (state_id, position, package_id, explicit, reason) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return metamodel.State{}, fmt.Errorf("statedb: prepare selection insert: %w", err)
	}
	defer stmt.Close()
	for i, sel := range selections {
		explicit := 0
		if sel.Explicit {
			explicit = 1
		}
		if _, err := stmt.Exec(id, i, string(sel.PackageID), explicit, sel.Reason); err != nil {
			return metamodel.State{}, fmt.Errorf("statedb: insert selection: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return metamodel.State{}, fmt.Errorf("statedb: add commit: %w", err)
	}

	return metamodel.State{
		ID:          id,
		Created:     created,
		Summary:     summary,
		Description: description,
		Selections:  selections,
	}, nil
}

// Get returns the state with the given id, or (zero, false) if absent.
func (d *DB) Get(id int64) (metamodel.State, bool, error) {
	row := d.sql.QueryRow(`SELECT id, created, summary, description FROM states WHERE id = ?`, id)
	s, err := scanState(row)
	if err == sql.ErrNoRows {
		return metamodel.State{}, false, nil
	}
	if err != nil {
		return metamodel.State{}, false, fmt.Errorf("statedb: get %d: %w", id, err)
	}
	sels, err := d.selections(id)
	if err != nil {
		return metamodel.State{}, false, err
	}
	s.Selections = sels
	return s, true, nil
}

// ListIDs returns every state id, oldest first.
func (d *DB) ListIDs() ([]int64, error) {
	rows, err := d.sql.Query(`SELECT id FROM states ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("statedb: list_ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// All returns every state, with its selections, oldest first.
func (d *DB) All() ([]metamodel.State, error) {
	rows, err := d.sql.Query(`SELECT id, created, summary, description FROM states ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("statedb: all: %w", err)
	}
	defer rows.Close()

	var states []metamodel.State
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("statedb: all scan: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range states {
		sels, err := d.selections(states[i].ID)
		if err != nil {
			return nil, err
		}
		states[i].Selections = sels
	}
	return states, nil
}

// Remove deletes the state row with the given id and its selections.
func (d *DB) Remove(id int64) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM selections WHERE state_id = ?`, id); err != nil {
		return fmt.Errorf("statedb: remove selections %d: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM states WHERE id = ?`, id); err != nil {
		return fmt.Errorf("statedb: remove state %d: %w", id, err)
	}
	return tx.Commit()
}

func (d *DB) selections(stateID int64) ([]metamodel.Selection, error) {
	rows, err := d.sql.Query(`SELECT package_id, explicit, reason FROM selections WHERE state_id = ? ORDER BY position ASC`, stateID)
	if err != nil {
		return nil, fmt.Errorf("statedb: selections %d: %w", stateID, err)
	}
	defer rows.Close()

	var sels []metamodel.Selection
	for rows.Next() {
		var packageID, reason string
		var explicit int
		if err := rows.Scan(&packageID, &explicit, &reason); err != nil {
			return nil, err
		}
		sels = append(sels, metamodel.Selection{
			PackageID: metamodel.ID(packageID),
			Explicit:  explicit != 0,
			Reason:    reason,
		})
	}
	return sels, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (metamodel.State, error) {
	var s metamodel.State
	var created int64
	if err := row.Scan(&s.ID, &created, &s.Summary, &s.Description); err != nil {
		return metamodel.State{}, err
	}
	s.Created = time.Unix(created, 0).UTC()
	return s, nil
}
