package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nidhogg/warmth-engine/internal/alert"
	"github.com/nidhogg/warmth-engine/internal/warmth"
	_ "modernc.org/sqlite"
)

// SQLite is an embedded store for single-node deployments and tests.
// Timestamps are stored as unix nanoseconds.
type SQLite struct {
	db   *sql.DB
	Path string
}

type sqliteMigration struct {
	Version     int
	Description string
	SQL         string
}

var sqliteMigrations = []sqliteMigration{
	{
		Version:     1,
		Description: "warmth_states",
		SQL: `
CREATE TABLE warmth_states (
    contact_id          TEXT PRIMARY KEY,
    amplitude           REAL NOT NULL DEFAULT 0 CHECK (amplitude >= 0),
    anchor_score        REAL NOT NULL DEFAULT 0 CHECK (anchor_score BETWEEN 0 AND 100),
    anchor_at           INTEGER NOT NULL,
    mode                TEXT NOT NULL DEFAULT 'medium' CHECK (mode IN ('slow', 'medium', 'fast', 'test')),
    current_score       REAL NOT NULL DEFAULT 0 CHECK (current_score BETWEEN 0 AND 100),
    band                TEXT NOT NULL DEFAULT 'cold' CHECK (band IN ('hot', 'warm', 'cooling', 'cold')),
    last_interaction_at INTEGER,
    version             INTEGER NOT NULL DEFAULT 1,
    updated_at          INTEGER NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "snapshot and mode change history",
		SQL: `
CREATE TABLE warmth_snapshots (
    id          TEXT PRIMARY KEY,
    contact_id  TEXT NOT NULL,
    score       REAL NOT NULL,
    band        TEXT NOT NULL,
    recorded_at INTEGER NOT NULL
);
CREATE INDEX idx_warmth_snapshots_contact ON warmth_snapshots(contact_id, recorded_at DESC);

CREATE TABLE warmth_mode_changes (
    id           TEXT PRIMARY KEY,
    contact_id   TEXT NOT NULL,
    from_mode    TEXT NOT NULL,
    to_mode      TEXT NOT NULL,
    score_before REAL NOT NULL,
    score_after  REAL NOT NULL,
    changed_at   INTEGER NOT NULL
);
CREATE INDEX idx_warmth_mode_changes_contact ON warmth_mode_changes(contact_id, changed_at DESC);
`,
	},
	{
		Version:     3,
		Description: "alert decisions",
		SQL: `
CREATE TABLE warmth_alert_decisions (
    id         TEXT PRIMARY KEY,
    contact_id TEXT NOT NULL,
    from_band  TEXT NOT NULL,
    to_band    TEXT NOT NULL,
    score      REAL NOT NULL,
    fire       INTEGER NOT NULL,
    reason     TEXT NOT NULL,
    decided_at INTEGER NOT NULL
);
CREATE INDEX idx_warmth_alert_decisions_decided ON warmth_alert_decisions(decided_at DESC);
`,
	},
	{
		Version:     4,
		Description: "contact watches",
		SQL: `
CREATE TABLE warmth_watches (
    contact_id TEXT PRIMARY KEY,
    status     TEXT NOT NULL CHECK (status IN ('watch', 'important', 'vip')),
    threshold  REAL NOT NULL DEFAULT 0 CHECK (threshold BETWEEN 0 AND 100),
    updated_at INTEGER NOT NULL
);
`,
	},
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return initSQLite(db, path)
}

// OpenSQLiteMemory opens a private in-memory database for testing.
func OpenSQLiteMemory() (*SQLite, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return initSQLite(db, ":memory:")
}

func initSQLite(db *sql.DB, path string) (*SQLite, error) {
	s := &SQLite{db: db, Path: path}
	if err := s.configurePragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}
	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	for _, m := range sqliteMigrations {
		if m.Version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_versions (version, description, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Description, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLite) SchemaVersion() (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_versions`).Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const sqliteStateColumns = `contact_id, amplitude, anchor_score, anchor_at, mode, current_score,
	band, last_interaction_at, version, updated_at`

func (s *SQLite) CreateWarmthState(ctx context.Context, st warmth.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warmth_states (`+sqliteStateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ContactID, st.Amplitude, st.AnchorScore, toNanos(st.AnchorAt), string(st.Mode),
		st.CurrentScore, string(st.Band), nullableNanos(st.LastInteractionAt), st.Version, toNanos(st.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("create warmth state %s: %w", st.ContactID, warmth.ErrAlreadyExists)
		}
		return fmt.Errorf("create warmth state %s: %w", st.ContactID, err)
	}
	return nil
}

func (s *SQLite) GetWarmthState(ctx context.Context, contactID string) (warmth.State, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteStateColumns+` FROM warmth_states WHERE contact_id = ?`, contactID)
	st, err := scanSQLiteState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return warmth.State{}, fmt.Errorf("get warmth state %s: %w", contactID, warmth.ErrNotFound)
	}
	if err != nil {
		return warmth.State{}, fmt.Errorf("get warmth state %s: %w", contactID, err)
	}
	return st, nil
}

func (s *SQLite) ListWarmthStatesPage(ctx context.Context, cursor string, pageSize int) ([]warmth.State, string, error) {
	if pageSize <= 0 {
		return nil, "", fmt.Errorf("list warmth states: page size must be positive")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteStateColumns+`
		FROM warmth_states
		WHERE contact_id > ?
		ORDER BY contact_id
		LIMIT ?`, cursor, pageSize)
	if err != nil {
		return nil, "", fmt.Errorf("list warmth states: %w", err)
	}
	defer rows.Close()

	var page []warmth.State
	for rows.Next() {
		st, err := scanSQLiteState(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan warmth state: %w", err)
		}
		page = append(page, st)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list warmth states: %w", err)
	}
	return page, nextCursor(page, pageSize), nil
}

// sqlExecer is satisfied by *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) SaveWarmthState(ctx context.Context, st warmth.State, expectedVersion int64) error {
	return saveSQLiteState(ctx, s.db, st, expectedVersion)
}

// SaveWarmthStateWithModeChange saves st and inserts r in one transaction.
func (s *SQLite) SaveWarmthStateWithModeChange(ctx context.Context, st warmth.State, expectedVersion int64, r warmth.ModeChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save warmth state %s: begin: %w", st.ContactID, err)
	}
	if err := saveSQLiteState(ctx, tx, st, expectedVersion); err != nil {
		tx.Rollback()
		return err
	}
	if err := insertSQLiteModeChange(ctx, tx, r); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save warmth state %s: commit: %w", st.ContactID, err)
	}
	return nil
}

func saveSQLiteState(ctx context.Context, q sqlExecer, st warmth.State, expectedVersion int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE warmth_states SET
			amplitude = ?,
			anchor_score = ?,
			anchor_at = ?,
			mode = ?,
			current_score = ?,
			band = ?,
			last_interaction_at = ?,
			updated_at = ?,
			version = version + 1
		WHERE contact_id = ? AND version = ?`,
		st.Amplitude, st.AnchorScore, toNanos(st.AnchorAt), string(st.Mode), st.CurrentScore,
		string(st.Band), nullableNanos(st.LastInteractionAt), toNanos(st.UpdatedAt),
		st.ContactID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("save warmth state %s: %w", st.ContactID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save warmth state %s: %w", st.ContactID, err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM warmth_states WHERE contact_id = ?`, st.ContactID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("save warmth state %s: %w", st.ContactID, err)
	}
	if exists == 0 {
		return fmt.Errorf("save warmth state %s: %w", st.ContactID, warmth.ErrNotFound)
	}
	return fmt.Errorf("save warmth state %s (expected v%d): %w", st.ContactID, expectedVersion, warmth.ErrVersionConflict)
}

func (s *SQLite) AppendSnapshot(ctx context.Context, snap warmth.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO warmth_snapshots (id, contact_id, score, band, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.ContactID, snap.Score, string(snap.Band), toNanos(snap.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("append snapshot %s: %w", snap.ContactID, err)
	}
	return nil
}

func (s *SQLite) AppendModeChangeRecord(ctx context.Context, r warmth.ModeChange) error {
	return insertSQLiteModeChange(ctx, s.db, r)
}

func insertSQLiteModeChange(ctx context.Context, q sqlExecer, r warmth.ModeChange) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO warmth_mode_changes (id, contact_id, from_mode, to_mode, score_before, score_after, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ContactID, string(r.FromMode), string(r.ToMode), r.ScoreBefore, r.ScoreAfter, toNanos(r.ChangedAt),
	)
	if err != nil {
		return fmt.Errorf("append mode change %s: %w", r.ContactID, err)
	}
	return nil
}

func (s *SQLite) AppendDecision(ctx context.Context, d alert.Decision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warmth_alert_decisions (id, contact_id, from_band, to_band, score, fire, reason, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ContactID, string(d.FromBand), string(d.ToBand), d.Score, boolToInt(d.Fire), d.Reason, toNanos(d.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("append alert decision %s: %w", d.ContactID, err)
	}
	return nil
}

func (s *SQLite) ListSnapshots(ctx context.Context, contactID string, limit int) ([]warmth.Snapshot, error) {
	if limit <= 0 {
		limit = 90
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contact_id, score, band, recorded_at
		FROM warmth_snapshots
		WHERE contact_id = ?
		ORDER BY recorded_at DESC
		LIMIT ?`, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots %s: %w", contactID, err)
	}
	defer rows.Close()

	var out []warmth.Snapshot
	for rows.Next() {
		var snap warmth.Snapshot
		var band string
		var recorded int64
		if err := rows.Scan(&snap.ID, &snap.ContactID, &snap.Score, &band, &recorded); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Band, snap.RecordedAt = warmth.Band(band), fromNanos(recorded)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLite) ListModeChanges(ctx context.Context, contactID string, limit int) ([]warmth.ModeChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contact_id, from_mode, to_mode, score_before, score_after, changed_at
		FROM warmth_mode_changes
		WHERE contact_id = ?
		ORDER BY changed_at DESC
		LIMIT ?`, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("list mode changes %s: %w", contactID, err)
	}
	defer rows.Close()

	var out []warmth.ModeChange
	for rows.Next() {
		var r warmth.ModeChange
		var from, to string
		var changed int64
		if err := rows.Scan(&r.ID, &r.ContactID, &from, &to, &r.ScoreBefore, &r.ScoreAfter, &changed); err != nil {
			return nil, fmt.Errorf("scan mode change: %w", err)
		}
		r.FromMode, r.ToMode, r.ChangedAt = warmth.Mode(from), warmth.Mode(to), fromNanos(changed)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) ListDecisions(ctx context.Context, limit int) ([]alert.Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contact_id, from_band, to_band, score, fire, reason, decided_at
		FROM warmth_alert_decisions
		ORDER BY decided_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alert decisions: %w", err)
	}
	defer rows.Close()

	var out []alert.Decision
	for rows.Next() {
		var d alert.Decision
		var from, to string
		var fire int
		var decided int64
		if err := rows.Scan(&d.ID, &d.ContactID, &from, &to, &d.Score, &fire, &d.Reason, &decided); err != nil {
			return nil, fmt.Errorf("scan alert decision: %w", err)
		}
		d.FromBand, d.ToBand = warmth.Band(from), warmth.Band(to)
		d.Fire, d.DecidedAt = fire != 0, fromNanos(decided)
		out = append(out, d)
	}
	return out, rows.Err()
}

// PutWatch creates or replaces a contact's watch.
func (s *SQLite) PutWatch(ctx context.Context, w alert.Watch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warmth_watches (contact_id, status, threshold, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (contact_id) DO UPDATE SET
			status = excluded.status,
			threshold = excluded.threshold,
			updated_at = excluded.updated_at`,
		w.ContactID, string(w.Status), w.Threshold, toNanos(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put watch %s: %w", w.ContactID, err)
	}
	return nil
}

func (s *SQLite) GetWatch(ctx context.Context, contactID string) (alert.Watch, error) {
	var w alert.Watch
	var status string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT contact_id, status, threshold, updated_at FROM warmth_watches WHERE contact_id = ?`, contactID,
	).Scan(&w.ContactID, &status, &w.Threshold, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.Watch{}, fmt.Errorf("get watch %s: %w", contactID, alert.ErrNotWatched)
	}
	if err != nil {
		return alert.Watch{}, fmt.Errorf("get watch %s: %w", contactID, err)
	}
	w.Status, w.UpdatedAt = alert.WatchStatus(status), fromNanos(updated)
	return w, nil
}

func (s *SQLite) DeleteWatch(ctx context.Context, contactID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM warmth_watches WHERE contact_id = ?`, contactID)
	if err != nil {
		return fmt.Errorf("delete watch %s: %w", contactID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("delete watch %s: %w", contactID, alert.ErrNotWatched)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteState(row rowScanner) (warmth.State, error) {
	var st warmth.State
	var mode, band string
	var anchorAt, updatedAt int64
	var lastInteraction sql.NullInt64
	err := row.Scan(
		&st.ContactID, &st.Amplitude, &st.AnchorScore, &anchorAt, &mode,
		&st.CurrentScore, &band, &lastInteraction, &st.Version, &updatedAt,
	)
	if err != nil {
		return warmth.State{}, err
	}
	st.Mode, st.Band = warmth.Mode(mode), warmth.Band(band)
	st.AnchorAt, st.UpdatedAt = fromNanos(anchorAt), fromNanos(updatedAt)
	if lastInteraction.Valid {
		t := fromNanos(lastInteraction.Int64)
		st.LastInteractionAt = &t
	}
	return st, nil
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
