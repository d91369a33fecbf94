package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteStore persists State as a single canonical-JSON blob in a
// WAL-mode SQLite database, using one write connection and an
// optimistic version counter so concurrent-save races surface as
// ErrConflict rather than silently clobbering state.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.Mutex
	state *State
}

// NewSQLiteStore opens (or initializes) path in WAL mode.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer per spec.md §5

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS marketplace_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		document TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	ss := &SQLiteStore{db: db}
	if err := ss.load(); err != nil {
		return nil, err
	}
	return ss, nil
}

func (ss *SQLiteStore) load() error {
	var version uint64
	var document string
	err := ss.db.QueryRow(`SELECT version, document FROM marketplace_state WHERE id = 1`).Scan(&version, &document)
	if err == sql.ErrNoRows {
		ss.state = NewState()
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: load state row: %w", err)
	}
	st := NewState()
	if err := json.Unmarshal([]byte(document), st); err != nil {
		return fmt.Errorf("store: decode state document: %w", err)
	}
	st.Version = version
	ss.state = st
	return nil
}

func (ss *SQLiteStore) save() error {
	data, err := json.Marshal(ss.state)
	if err != nil {
		return fmt.Errorf("store: encode state: %w", err)
	}

	res, err := ss.db.Exec(`
		INSERT INTO marketplace_state (id, version, document) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, document = excluded.document
		WHERE marketplace_state.version = ? - 1`,
		ss.state.Version, string(data), ss.state.Version)
	if err != nil {
		return fmt.Errorf("store: save state row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("store: %w: version %d already superseded", ErrConflict, ss.state.Version-1)
	}
	return nil
}

// WithLock implements Store.
func (ss *SQLiteStore) WithLock(fn func(*State) error) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if err := fn(ss.state); err != nil {
		return err
	}
	ss.state.Version++
	if err := ss.save(); err != nil {
		ss.state.Version--
		return err
	}
	return nil
}

// Snapshot implements Store.
func (ss *SQLiteStore) Snapshot() *State {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	data, err := json.Marshal(ss.state)
	if err != nil {
		panic(fmt.Sprintf("store: snapshot marshal: %v", err))
	}
	cp := NewState()
	if err := json.Unmarshal(data, cp); err != nil {
		panic(fmt.Sprintf("store: snapshot unmarshal: %v", err))
	}
	return cp
}

// Backend implements Store.
func (ss *SQLiteStore) Backend() string { return "sqlite" }

// Close releases the underlying database handle.
func (ss *SQLiteStore) Close() error {
	return ss.db.Close()
}
