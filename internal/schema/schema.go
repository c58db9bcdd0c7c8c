package schema

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// CurrentVersion is the current schema version.
const CurrentVersion = 2

// Pragmas applied to every connection opened by OpenDB.
const (
	BusyTimeoutMs     = 5000
	WALAutoCheckpoint = 1000
)

const (
	driverName        = "sqlite"
	inMemoryDSN       = ":memory:"
	singleWriterConns = 1
)

// InitDB initializes a new database with the current schema.
func InitDB(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createVersionTable(tx); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}
	if err := createTables(tx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if err := createIndexes(tx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	if err := setSchemaVersion(tx, CurrentVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

func createVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// createTables creates all ledger tables at the current version.
func createTables(tx *sql.Tx) error {
	tables := []string{
		// Normalized envelopes, one row per event id
		`CREATE TABLE IF NOT EXISTS ledger_events (
			event_id           TEXT PRIMARY KEY,
			trace_id           TEXT NOT NULL,
			span_id            TEXT,
			parent_event_id    TEXT,
			causation_id       TEXT,
			type               TEXT NOT NULL,
			stage              TEXT NOT NULL,
			source             TEXT NOT NULL,
			pane_id            TEXT NOT NULL,
			direction          TEXT,
			role               TEXT,
			ts_ms              INTEGER NOT NULL,
			seq                INTEGER NOT NULL DEFAULT 0,
			payload_json       TEXT NOT NULL DEFAULT '{}',
			payload_hash       TEXT NOT NULL,
			evidence_refs_json TEXT NOT NULL DEFAULT '[]',
			meta_json          TEXT NOT NULL DEFAULT '{}',
			ingested_at_ms     INTEGER NOT NULL
		)`,

		// Causal edges derived from parent/ack/retry links
		`CREATE TABLE IF NOT EXISTS ledger_edges (
			trace_id      TEXT NOT NULL,
			from_event_id TEXT NOT NULL,
			to_event_id   TEXT NOT NULL,
			edge_type     TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (trace_id, from_event_id, to_event_id, edge_type)
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_decisions (
			decision_id   TEXT PRIMARY KEY,
			session_id    TEXT,
			category      TEXT NOT NULL,
			title         TEXT NOT NULL,
			body          TEXT NOT NULL DEFAULT '',
			author        TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'active',
			superseded_by TEXT,
			incident_id   TEXT,
			tags_json     TEXT NOT NULL DEFAULT '[]',
			meta_json     TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_sessions (
			session_id     TEXT PRIMARY KEY,
			session_number INTEGER NOT NULL UNIQUE,
			mode           TEXT NOT NULL DEFAULT '',
			started_at_ms  INTEGER NOT NULL,
			ended_at_ms    INTEGER,
			summary        TEXT NOT NULL DEFAULT '',
			stats_json     TEXT NOT NULL DEFAULT '{}',
			team_json      TEXT NOT NULL DEFAULT '{}',
			meta_json      TEXT NOT NULL DEFAULT '{}'
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_context_snapshots (
			snapshot_id   TEXT PRIMARY KEY,
			session_id    TEXT,
			content_json  TEXT NOT NULL,
			trigger       TEXT NOT NULL,
			source        TEXT NOT NULL DEFAULT 'ledger',
			created_at_ms INTEGER NOT NULL
		)`,
	}

	for _, stmt := range tables {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func createIndexes(tx *sql.Tx) error {
	indexes := []string{
		// Event indexes
		"CREATE INDEX IF NOT EXISTS idx_ledger_events_trace ON ledger_events(trace_id, ts_ms)",
		"CREATE INDEX IF NOT EXISTS idx_ledger_events_type ON ledger_events(type)",
		"CREATE INDEX IF NOT EXISTS idx_ledger_events_pane ON ledger_events(pane_id, ts_ms)",
		"CREATE INDEX IF NOT EXISTS idx_ledger_events_ts ON ledger_events(ts_ms)",
		"CREATE INDEX IF NOT EXISTS idx_ledger_edges_to ON ledger_edges(to_event_id)",

		// Decision indexes
		"CREATE INDEX IF NOT EXISTS idx_ledger_decisions_category ON ledger_decisions(category, status)",
		"CREATE INDEX IF NOT EXISTS idx_ledger_decisions_session ON ledger_decisions(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_ledger_decisions_created ON ledger_decisions(created_at_ms)",

		// Session and snapshot indexes
		"CREATE INDEX IF NOT EXISTS idx_ledger_sessions_started ON ledger_sessions(started_at_ms)",
		"CREATE INDEX IF NOT EXISTS idx_ledger_snapshots_session ON ledger_context_snapshots(session_id, created_at_ms)",
	}

	for _, stmt := range indexes {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// OpenDB opens a SQLite database. The pool is pinned to one connection so
// every transaction is serialized and per-connection pragmas stick.
// An empty path opens a private in-memory database.
func OpenDB(path string) (*sql.DB, error) {
	if path == "" {
		path = inMemoryDSN
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(singleWriterConns)
	db.SetMaxIdleConns(singleWriterConns)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", BusyTimeoutMs),
	}
	if path != inMemoryDSN {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			fmt.Sprintf("PRAGMA wal_autocheckpoint = %d", WALAutoCheckpoint),
		)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

// Migrate migrates the database to the current schema version.
func Migrate(db *sql.DB) error {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return InitDB(db)
	}
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}
	if currentVersion == 0 {
		return InitDB(db)
	}
	if currentVersion > CurrentVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentVersion)
	}
	if currentVersion == CurrentVersion {
		return nil
	}
	if err := runMigrations(db, currentVersion, CurrentVersion); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// runMigrations runs all migrations from startVersion to endVersion.
func runMigrations(db *sql.DB, startVersion, endVersion int) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Migration from version 1 to 2: snapshot provenance
	if startVersion < 2 && endVersion >= 2 {
		_, err = tx.Exec(`ALTER TABLE ledger_context_snapshots ADD COLUMN source TEXT NOT NULL DEFAULT 'ledger'`)
		if err != nil {
			return fmt.Errorf("add snapshot source column: %w", err)
		}
	}

	// Indexes are idempotent and may reference columns added above.
	if err := createIndexes(tx); err != nil {
		return err
	}
	if err := setSchemaVersion(tx, endVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}
