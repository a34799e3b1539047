// Package ledger is the SQLite-backed problem registry, append-only usage log
// and holdout lock.
package ledger

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS problems (
	item_id       TEXT PRIMARY KEY,
	content_hash  TEXT NOT NULL,
	family_id     TEXT,
	confidence    REAL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id       TEXT NOT NULL,
	run_id        TEXT NOT NULL,
	split         TEXT NOT NULL CHECK (split IN ('train', 'probe_fixed', 'probe_extended', 'holdout')),
	assigned_at   TEXT NOT NULL,
	FOREIGN KEY (item_id) REFERENCES problems(item_id)
);
CREATE INDEX IF NOT EXISTS usage_log_run ON usage_log (run_id);

CREATE TABLE IF NOT EXISTS holdout_lock (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	locked_hash   TEXT NOT NULL,
	item_count    INTEGER NOT NULL,
	locked_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS holdout_items (
	item_id       TEXT PRIMARY KEY,
	FOREIGN KEY (item_id) REFERENCES problems(item_id)
);

CREATE TABLE IF NOT EXISTS run_admissions (
	run_id        TEXT NOT NULL,
	split         TEXT NOT NULL,
	proposal_hash TEXT NOT NULL,
	item_count    INTEGER NOT NULL,
	admitted_at   TEXT NOT NULL,
	PRIMARY KEY (run_id, split)
);

CREATE TABLE IF NOT EXISTS admitted_items (
	run_id        TEXT NOT NULL,
	split         TEXT NOT NULL,
	item_id       TEXT NOT NULL,
	PRIMARY KEY (run_id, split, item_id)
);

CREATE TABLE IF NOT EXISTS ledger_meta (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	version       INTEGER NOT NULL
);
INSERT OR IGNORE INTO ledger_meta (id, version) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS provenance_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT,
	split         TEXT,
	trigger_type  TEXT NOT NULL,
	proposal_hash TEXT,
	evidence_json TEXT,
	decision      TEXT NOT NULL,
	reason        TEXT,
	created_at    TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS usage_log_no_update BEFORE UPDATE ON usage_log
BEGIN SELECT RAISE(ABORT, 'usage_log is append-only'); END;
CREATE TRIGGER IF NOT EXISTS usage_log_no_delete BEFORE DELETE ON usage_log
BEGIN SELECT RAISE(ABORT, 'usage_log is append-only'); END;
CREATE TRIGGER IF NOT EXISTS problems_no_update BEFORE UPDATE ON problems
BEGIN SELECT RAISE(ABORT, 'problems are immutable'); END;
CREATE TRIGGER IF NOT EXISTS problems_no_delete BEFORE DELETE ON problems
BEGIN SELECT RAISE(ABORT, 'problems are immutable'); END;
CREATE TRIGGER IF NOT EXISTS holdout_lock_no_update BEFORE UPDATE ON holdout_lock
BEGIN SELECT RAISE(ABORT, 'holdout lock is write-once'); END;
CREATE TRIGGER IF NOT EXISTS holdout_lock_no_delete BEFORE DELETE ON holdout_lock
BEGIN SELECT RAISE(ABORT, 'holdout lock is write-once'); END;
CREATE TRIGGER IF NOT EXISTS holdout_items_no_delete BEFORE DELETE ON holdout_items
BEGIN SELECT RAISE(ABORT, 'holdout items are write-once'); END;
CREATE TRIGGER IF NOT EXISTS provenance_log_no_update BEFORE UPDATE ON provenance_log
BEGIN SELECT RAISE(ABORT, 'provenance_log is append-only'); END;
CREATE TRIGGER IF NOT EXISTS provenance_log_no_delete BEFORE DELETE ON provenance_log
BEGIN SELECT RAISE(ABORT, 'provenance_log is append-only'); END;
`

// #endregion schema

// #region open
// openDB opens the SQLite file with WAL, foreign keys and a busy timeout on every
// pooled connection, then runs migrations.
func openDB(path string) (*sql.DB, error) {
	if path == "" || strings.HasPrefix(path, ":memory:") {
		return nil, fmt.Errorf("%w: ledger needs a file path", ErrInvalidInput)
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// #endregion open
