package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/warmth-engine/internal/alert"
	"github.com/nidhogg/warmth-engine/internal/warmth"
)

// repository is everything the service layer expects from a store.
type repository interface {
	warmth.Repository
	alert.DecisionSink
	alert.Watchlist
	SaveWarmthStateWithModeChange(ctx context.Context, s warmth.State, expectedVersion int64, r warmth.ModeChange) error
	PutWatch(ctx context.Context, w alert.Watch) error
	DeleteWatch(ctx context.Context, contactID string) error
	CreateWarmthState(ctx context.Context, s warmth.State) error
	ListSnapshots(ctx context.Context, contactID string, limit int) ([]warmth.Snapshot, error)
	ListModeChanges(ctx context.Context, contactID string, limit int) ([]warmth.ModeChange, error)
	ListDecisions(ctx context.Context, limit int) ([]alert.Decision, error)
}

var (
	_ repository = (*Memory)(nil)
	_ repository = (*SQLite)(nil)
	_ repository = (*Store)(nil)
)

// Postgres keeps microseconds, so fixtures avoid sub-microsecond parts.
var base = time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)

func runRepositoryContract(t *testing.T, repo repository) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		st := warmth.NewState("contract-a", base)
		if err := repo.CreateWarmthState(ctx, st); err != nil {
			t.Fatalf("CreateWarmthState: %v", err)
		}
		if err := repo.CreateWarmthState(ctx, st); !errors.Is(err, warmth.ErrAlreadyExists) {
			t.Errorf("duplicate create: expected ErrAlreadyExists, got %v", err)
		}
		got, err := repo.GetWarmthState(ctx, "contract-a")
		if err != nil {
			t.Fatalf("GetWarmthState: %v", err)
		}
		if got.Mode != warmth.ModeMedium || got.Band != warmth.BandCold || got.Version != 1 {
			t.Errorf("unexpected defaults: %+v", got)
		}
		if !got.AnchorAt.Equal(base) {
			t.Errorf("anchor_at = %v, want %v", got.AnchorAt, base)
		}
		if got.LastInteractionAt != nil {
			t.Errorf("last_interaction_at should be nil, got %v", got.LastInteractionAt)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := repo.GetWarmthState(ctx, "contract-missing"); !errors.Is(err, warmth.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveWithVersion", func(t *testing.T) {
		st, err := repo.GetWarmthState(ctx, "contract-a")
		if err != nil {
			t.Fatalf("GetWarmthState: %v", err)
		}
		at := base.Add(time.Hour)
		st.AnchorScore, st.CurrentScore, st.Band = 72.5, 72.5, warmth.BandHot
		st.Amplitude = 12
		st.LastInteractionAt = &at
		if err := repo.SaveWarmthState(ctx, st, st.Version); err != nil {
			t.Fatalf("SaveWarmthState: %v", err)
		}
		if err := repo.SaveWarmthState(ctx, st, st.Version); !errors.Is(err, warmth.ErrVersionConflict) {
			t.Errorf("stale save: expected ErrVersionConflict, got %v", err)
		}

		got, _ := repo.GetWarmthState(ctx, "contract-a")
		if got.Version != st.Version+1 {
			t.Errorf("version = %d, want %d", got.Version, st.Version+1)
		}
		if got.AnchorScore != 72.5 || got.Band != warmth.BandHot || got.Amplitude != 12 {
			t.Errorf("save not persisted: %+v", got)
		}
		if got.LastInteractionAt == nil || !got.LastInteractionAt.Equal(at) {
			t.Errorf("last_interaction_at = %v, want %v", got.LastInteractionAt, at)
		}

		missing := warmth.NewState("contract-ghost", base)
		if err := repo.SaveWarmthState(ctx, missing, 1); !errors.Is(err, warmth.ErrNotFound) {
			t.Errorf("save missing: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Paging", func(t *testing.T) {
		for i := 0; i < 7; i++ {
			if err := repo.CreateWarmthState(ctx, warmth.NewState(fmt.Sprintf("page-%02d", i), base)); err != nil {
				t.Fatalf("create: %v", err)
			}
		}
		seen := map[string]bool{}
		cursor := ""
		pages := 0
		for {
			page, next, err := repo.ListWarmthStatesPage(ctx, cursor, 3)
			if err != nil {
				t.Fatalf("ListWarmthStatesPage: %v", err)
			}
			pages++
			for _, st := range page {
				if seen[st.ContactID] {
					t.Fatalf("contact %s listed twice", st.ContactID)
				}
				seen[st.ContactID] = true
			}
			if next == "" {
				break
			}
			cursor = next
			if pages > 10 {
				t.Fatal("paging did not terminate")
			}
		}
		// 7 page-* rows plus contract-a.
		if len(seen) != 8 {
			t.Errorf("saw %d contacts, want 8", len(seen))
		}
		if _, _, err := repo.ListWarmthStatesPage(ctx, "", 0); err == nil {
			t.Error("expected error for zero page size")
		}
	})

	t.Run("History", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			snap := warmth.Snapshot{
				ID:         uuid.New().String(),
				ContactID:  "contract-a",
				Score:      float64(60 - i*10),
				Band:       warmth.BandWarm,
				RecordedAt: base.Add(time.Duration(i) * 24 * time.Hour),
			}
			if err := repo.AppendSnapshot(ctx, snap); err != nil {
				t.Fatalf("AppendSnapshot: %v", err)
			}
		}
		snaps, err := repo.ListSnapshots(ctx, "contract-a", 2)
		if err != nil {
			t.Fatalf("ListSnapshots: %v", err)
		}
		if len(snaps) != 2 || snaps[0].Score != 40 {
			t.Errorf("expected newest-first 2 snapshots, got %+v", snaps)
		}

		rec := warmth.ModeChange{
			ID: uuid.New().String(), ContactID: "contract-a",
			FromMode: warmth.ModeMedium, ToMode: warmth.ModeFast,
			ScoreBefore: 50, ScoreAfter: 50, ChangedAt: base,
		}
		if err := repo.AppendModeChangeRecord(ctx, rec); err != nil {
			t.Fatalf("AppendModeChangeRecord: %v", err)
		}
		changes, err := repo.ListModeChanges(ctx, "contract-a", 10)
		if err != nil {
			t.Fatalf("ListModeChanges: %v", err)
		}
		if len(changes) != 1 || changes[0].ToMode != warmth.ModeFast || changes[0].ScoreAfter != 50 {
			t.Errorf("unexpected mode changes: %+v", changes)
		}
	})

	t.Run("SaveWithModeChange", func(t *testing.T) {
		if err := repo.CreateWarmthState(ctx, warmth.NewState("contract-switch", base)); err != nil {
			t.Fatalf("create: %v", err)
		}
		st, _ := repo.GetWarmthState(ctx, "contract-switch")
		st.Mode = warmth.ModeFast
		rec := warmth.ModeChange{
			ID: uuid.New().String(), ContactID: "contract-switch",
			FromMode: warmth.ModeMedium, ToMode: warmth.ModeFast, ChangedAt: base,
		}
		if err := repo.SaveWarmthStateWithModeChange(ctx, st, st.Version, rec); err != nil {
			t.Fatalf("SaveWarmthStateWithModeChange: %v", err)
		}

		// A stale version writes neither the state nor the record.
		stale := st
		stale.Mode = warmth.ModeSlow
		other := rec
		other.ID, other.FromMode, other.ToMode = uuid.New().String(), warmth.ModeFast, warmth.ModeSlow
		if err := repo.SaveWarmthStateWithModeChange(ctx, stale, st.Version, other); !errors.Is(err, warmth.ErrVersionConflict) {
			t.Errorf("stale switch: expected ErrVersionConflict, got %v", err)
		}

		// A failing record insert rolls the state back.
		cur, _ := repo.GetWarmthState(ctx, "contract-switch")
		cur.Mode = warmth.ModeSlow
		dup := rec
		dup.FromMode, dup.ToMode = warmth.ModeFast, warmth.ModeSlow
		if err := repo.SaveWarmthStateWithModeChange(ctx, cur, cur.Version, dup); err == nil {
			t.Error("duplicate record id: expected an error")
		}

		got, _ := repo.GetWarmthState(ctx, "contract-switch")
		if got.Mode != warmth.ModeFast || got.Version != 2 {
			t.Errorf("state = %+v, want mode fast at v2", got)
		}
		changes, err := repo.ListModeChanges(ctx, "contract-switch", 10)
		if err != nil {
			t.Fatalf("ListModeChanges: %v", err)
		}
		if len(changes) != 1 || changes[0].ID != rec.ID {
			t.Errorf("mode changes = %+v, want only %s", changes, rec.ID)
		}
	})

	t.Run("Watches", func(t *testing.T) {
		if _, err := repo.GetWatch(ctx, "contract-a"); !errors.Is(err, alert.ErrNotWatched) {
			t.Errorf("expected ErrNotWatched, got %v", err)
		}
		w := alert.Watch{ContactID: "contract-a", Status: alert.WatchVIP, Threshold: 45, UpdatedAt: base}
		if err := repo.PutWatch(ctx, w); err != nil {
			t.Fatalf("PutWatch: %v", err)
		}
		w.Status, w.Threshold = alert.WatchImportant, 25
		if err := repo.PutWatch(ctx, w); err != nil {
			t.Fatalf("PutWatch replace: %v", err)
		}
		got, err := repo.GetWatch(ctx, "contract-a")
		if err != nil {
			t.Fatalf("GetWatch: %v", err)
		}
		if got.Status != alert.WatchImportant || got.Threshold != 25 || !got.UpdatedAt.Equal(base) {
			t.Errorf("watch = %+v", got)
		}
		if err := repo.DeleteWatch(ctx, "contract-a"); err != nil {
			t.Fatalf("DeleteWatch: %v", err)
		}
		if err := repo.DeleteWatch(ctx, "contract-a"); !errors.Is(err, alert.ErrNotWatched) {
			t.Errorf("second delete: expected ErrNotWatched, got %v", err)
		}
	})

	t.Run("Decisions", func(t *testing.T) {
		d := alert.Decision{
			ID: uuid.New().String(), ContactID: "contract-a",
			FromBand: warmth.BandWarm, ToBand: warmth.BandCooling,
			Score: 38, Fire: true, Reason: alert.ReasonFired, DecidedAt: base,
		}
		if err := repo.AppendDecision(ctx, d); err != nil {
			t.Fatalf("AppendDecision: %v", err)
		}
		got, err := repo.ListDecisions(ctx, 10)
		if err != nil {
			t.Fatalf("ListDecisions: %v", err)
		}
		if len(got) != 1 || !got[0].Fire || got[0].ToBand != warmth.BandCooling {
			t.Errorf("unexpected decisions: %+v", got)
		}
	})
}

func TestMemoryRepository(t *testing.T) {
	runRepositoryContract(t, NewMemory())
}

func TestSQLiteRepository(t *testing.T) {
	db, err := OpenSQLiteMemory()
	if err != nil {
		t.Fatalf("OpenSQLiteMemory: %v", err)
	}
	defer db.Close()
	runRepositoryContract(t, db)
}

func TestSQLiteSchemaVersion(t *testing.T) {
	db, err := OpenSQLiteMemory()
	if err != nil {
		t.Fatalf("OpenSQLiteMemory: %v", err)
	}
	defer db.Close()

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(sqliteMigrations) {
		t.Errorf("SchemaVersion = %d, want %d", v, len(sqliteMigrations))
	}
	if err := db.migrate(); err != nil {
		t.Errorf("re-running migrations should be a no-op: %v", err)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	at := base
	st := warmth.NewState("copy", base)
	st.LastInteractionAt = &at
	if err := m.CreateWarmthState(ctx, st); err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetWarmthState(ctx, "copy")
	*got.LastInteractionAt = base.Add(time.Hour)
	again, _ := m.GetWarmthState(ctx, "copy")
	if !again.LastInteractionAt.Equal(base) {
		t.Error("caller mutation leaked into the store")
	}
}
