package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nidhogg/warmth-engine/internal/alert"
	"github.com/nidhogg/warmth-engine/internal/warmth"
)

const stateColumns = `contact_id, amplitude, anchor_score, anchor_at, mode, current_score,
	band, last_interaction_at, version, updated_at`

// CreateWarmthState inserts a new state row.
func (s *Store) CreateWarmthState(ctx context.Context, st warmth.State) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO warmth_states (`+stateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		st.ContactID, st.Amplitude, st.AnchorScore, st.AnchorAt, string(st.Mode),
		st.CurrentScore, string(st.Band), st.LastInteractionAt, st.Version, st.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create warmth state %s: %w", st.ContactID, warmth.ErrAlreadyExists)
		}
		return fmt.Errorf("create warmth state %s: %w", st.ContactID, err)
	}
	return nil
}

// GetWarmthState loads one contact's state.
func (s *Store) GetWarmthState(ctx context.Context, contactID string) (warmth.State, error) {
	row := s.db.QueryRow(ctx, `SELECT `+stateColumns+` FROM warmth_states WHERE contact_id = $1`, contactID)
	st, err := scanState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return warmth.State{}, fmt.Errorf("get warmth state %s: %w", contactID, warmth.ErrNotFound)
	}
	if err != nil {
		return warmth.State{}, fmt.Errorf("get warmth state %s: %w", contactID, err)
	}
	return st, nil
}

// ListWarmthStatesPage returns up to pageSize states after cursor, keyed by contact id.
func (s *Store) ListWarmthStatesPage(ctx context.Context, cursor string, pageSize int) ([]warmth.State, string, error) {
	if pageSize <= 0 {
		return nil, "", fmt.Errorf("list warmth states: page size must be positive")
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+stateColumns+`
		FROM warmth_states
		WHERE contact_id > $1
		ORDER BY contact_id
		LIMIT $2`, cursor, pageSize)
	if err != nil {
		return nil, "", fmt.Errorf("list warmth states: %w", err)
	}
	defer rows.Close()

	var page []warmth.State
	for rows.Next() {
		st, err := scanState(rows)
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

// pgExecer is satisfied by the pool and by a transaction.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SaveWarmthState writes st if the stored version still equals expectedVersion.
func (s *Store) SaveWarmthState(ctx context.Context, st warmth.State, expectedVersion int64) error {
	return saveState(ctx, s.db, st, expectedVersion)
}

// SaveWarmthStateWithModeChange saves st and inserts r in one transaction.
func (s *Store) SaveWarmthStateWithModeChange(ctx context.Context, st warmth.State, expectedVersion int64, r warmth.ModeChange) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := saveState(ctx, tx, st, expectedVersion); err != nil {
			return err
		}
		return insertModeChange(ctx, tx, r)
	})
}

func saveState(ctx context.Context, q pgExecer, st warmth.State, expectedVersion int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE warmth_states SET
			amplitude = $2,
			anchor_score = $3,
			anchor_at = $4,
			mode = $5,
			current_score = $6,
			band = $7,
			last_interaction_at = $8,
			updated_at = $9,
			version = version + 1
		WHERE contact_id = $1 AND version = $10`,
		st.ContactID, st.Amplitude, st.AnchorScore, st.AnchorAt, string(st.Mode),
		st.CurrentScore, string(st.Band), st.LastInteractionAt, st.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("save warmth state %s: %w", st.ContactID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM warmth_states WHERE contact_id = $1)`, st.ContactID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("save warmth state %s: %w", st.ContactID, err)
	}
	if !exists {
		return fmt.Errorf("save warmth state %s: %w", st.ContactID, warmth.ErrNotFound)
	}
	return fmt.Errorf("save warmth state %s (expected v%d): %w", st.ContactID, expectedVersion, warmth.ErrVersionConflict)
}

// AppendSnapshot stores one history row.
func (s *Store) AppendSnapshot(ctx context.Context, snap warmth.Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO warmth_snapshots (id, contact_id, score, band, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.ID, snap.ContactID, snap.Score, string(snap.Band), snap.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("append snapshot %s: %w", snap.ContactID, err)
	}
	return nil
}

// AppendModeChangeRecord stores one mode switch audit row.
func (s *Store) AppendModeChangeRecord(ctx context.Context, r warmth.ModeChange) error {
	return insertModeChange(ctx, s.db, r)
}

func insertModeChange(ctx context.Context, q pgExecer, r warmth.ModeChange) error {
	_, err := q.Exec(ctx, `
		INSERT INTO warmth_mode_changes (id, contact_id, from_mode, to_mode, score_before, score_after, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ContactID, string(r.FromMode), string(r.ToMode), r.ScoreBefore, r.ScoreAfter, r.ChangedAt,
	)
	if err != nil {
		return fmt.Errorf("append mode change %s: %w", r.ContactID, err)
	}
	return nil
}

// AppendDecision stores one alert decision.
func (s *Store) AppendDecision(ctx context.Context, d alert.Decision) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO warmth_alert_decisions (id, contact_id, from_band, to_band, score, fire, reason, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.ContactID, string(d.FromBand), string(d.ToBand), d.Score, d.Fire, d.Reason, d.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("append alert decision %s: %w", d.ContactID, err)
	}
	return nil
}

// ListSnapshots returns a contact's snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, contactID string, limit int) ([]warmth.Snapshot, error) {
	if limit <= 0 {
		limit = 90
	}
	rows, err := s.db.Query(ctx, `
		SELECT id::text, contact_id, score, band, recorded_at
		FROM warmth_snapshots
		WHERE contact_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2`, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots %s: %w", contactID, err)
	}
	defer rows.Close()

	var out []warmth.Snapshot
	for rows.Next() {
		var snap warmth.Snapshot
		var band string
		if err := rows.Scan(&snap.ID, &snap.ContactID, &snap.Score, &band, &snap.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Band = warmth.Band(band)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ListModeChanges returns a contact's mode changes, newest first.
func (s *Store) ListModeChanges(ctx context.Context, contactID string, limit int) ([]warmth.ModeChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id::text, contact_id, from_mode, to_mode, score_before, score_after, changed_at
		FROM warmth_mode_changes
		WHERE contact_id = $1
		ORDER BY changed_at DESC
		LIMIT $2`, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("list mode changes %s: %w", contactID, err)
	}
	defer rows.Close()

	var out []warmth.ModeChange
	for rows.Next() {
		var r warmth.ModeChange
		var from, to string
		if err := rows.Scan(&r.ID, &r.ContactID, &from, &to, &r.ScoreBefore, &r.ScoreAfter, &r.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan mode change: %w", err)
		}
		r.FromMode, r.ToMode = warmth.Mode(from), warmth.Mode(to)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListDecisions returns alert decisions, newest first.
func (s *Store) ListDecisions(ctx context.Context, limit int) ([]alert.Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id::text, contact_id, from_band, to_band, score, fire, reason, decided_at
		FROM warmth_alert_decisions
		ORDER BY decided_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alert decisions: %w", err)
	}
	defer rows.Close()

	var out []alert.Decision
	for rows.Next() {
		var d alert.Decision
		var from, to string
		if err := rows.Scan(&d.ID, &d.ContactID, &from, &to, &d.Score, &d.Fire, &d.Reason, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan alert decision: %w", err)
		}
		d.FromBand, d.ToBand = warmth.Band(from), warmth.Band(to)
		out = append(out, d)
	}
	return out, rows.Err()
}

// PutWatch creates or replaces a contact's watch.
func (s *Store) PutWatch(ctx context.Context, w alert.Watch) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO warmth_watches (contact_id, status, threshold, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (contact_id) DO UPDATE SET
			status = EXCLUDED.status,
			threshold = EXCLUDED.threshold,
			updated_at = EXCLUDED.updated_at`,
		w.ContactID, string(w.Status), w.Threshold, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put watch %s: %w", w.ContactID, err)
	}
	return nil
}

// GetWatch loads a contact's watch.
func (s *Store) GetWatch(ctx context.Context, contactID string) (alert.Watch, error) {
	var w alert.Watch
	var status string
	err := s.db.QueryRow(ctx,
		`SELECT contact_id, status, threshold, updated_at FROM warmth_watches WHERE contact_id = $1`, contactID,
	).Scan(&w.ContactID, &status, &w.Threshold, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Watch{}, fmt.Errorf("get watch %s: %w", contactID, alert.ErrNotWatched)
	}
	if err != nil {
		return alert.Watch{}, fmt.Errorf("get watch %s: %w", contactID, err)
	}
	w.Status = alert.WatchStatus(status)
	return w, nil
}

// DeleteWatch removes a contact's watch.
func (s *Store) DeleteWatch(ctx context.Context, contactID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM warmth_watches WHERE contact_id = $1`, contactID)
	if err != nil {
		return fmt.Errorf("delete watch %s: %w", contactID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete watch %s: %w", contactID, alert.ErrNotWatched)
	}
	return nil
}

func scanState(row pgx.Row) (warmth.State, error) {
	var st warmth.State
	var mode, band string
	err := row.Scan(
		&st.ContactID, &st.Amplitude, &st.AnchorScore, &st.AnchorAt, &mode,
		&st.CurrentScore, &band, &st.LastInteractionAt, &st.Version, &st.UpdatedAt,
	)
	if err != nil {
		return warmth.State{}, err
	}
	st.Mode, st.Band = warmth.Mode(mode), warmth.Band(band)
	return st, nil
}
