package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nidhogg/warmth-engine/internal/alert"
	"github.com/nidhogg/warmth-engine/internal/warmth"
)

// Memory is an in-process store used in tests and when no database is
// configured. It honours the same version semantics as the SQL stores.
type Memory struct {
	mu        sync.RWMutex
	states    map[string]warmth.State
	snapshots []warmth.Snapshot
	changes   []warmth.ModeChange
	decisions []alert.Decision
	watches   map[string]alert.Watch
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]warmth.State), watches: make(map[string]alert.Watch)}
}

func (m *Memory) CreateWarmthState(_ context.Context, s warmth.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[s.ContactID]; ok {
		return fmt.Errorf("create warmth state %s: %w", s.ContactID, warmth.ErrAlreadyExists)
	}
	m.states[s.ContactID] = cloneState(s)
	return nil
}

func (m *Memory) GetWarmthState(_ context.Context, contactID string) (warmth.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[contactID]
	if !ok {
		return warmth.State{}, fmt.Errorf("get warmth state %s: %w", contactID, warmth.ErrNotFound)
	}
	return cloneState(s), nil
}

func (m *Memory) ListWarmthStatesPage(_ context.Context, cursor string, pageSize int) ([]warmth.State, string, error) {
	if pageSize <= 0 {
		return nil, "", fmt.Errorf("list warmth states: page size must be positive")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > pageSize {
		ids = ids[:pageSize]
	}

	page := make([]warmth.State, 0, len(ids))
	for _, id := range ids {
		page = append(page, cloneState(m.states[id]))
	}
	return page, nextCursor(page, pageSize), nil
}

func (m *Memory) SaveWarmthState(_ context.Context, s warmth.State, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(s, expectedVersion)
}

// SaveWarmthStateWithModeChange saves s and appends r atomically.
func (m *Memory) SaveWarmthStateWithModeChange(_ context.Context, s warmth.State, expectedVersion int64, r warmth.ModeChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkModeChangeLocked(r); err != nil {
		return err
	}
	if err := m.saveLocked(s, expectedVersion); err != nil {
		return err
	}
	m.changes = append(m.changes, r)
	return nil
}

func (m *Memory) saveLocked(s warmth.State, expectedVersion int64) error {
	cur, ok := m.states[s.ContactID]
	if !ok {
		return fmt.Errorf("save warmth state %s: %w", s.ContactID, warmth.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("save warmth state %s (have v%d, expected v%d): %w",
			s.ContactID, cur.Version, expectedVersion, warmth.ErrVersionConflict)
	}
	s.Version = expectedVersion + 1
	m.states[s.ContactID] = cloneState(s)
	return nil
}

func (m *Memory) checkModeChangeLocked(r warmth.ModeChange) error {
	for _, c := range m.changes {
		if c.ID == r.ID {
			return fmt.Errorf("append mode change %s: duplicate id %s", r.ContactID, r.ID)
		}
	}
	return nil
}

func (m *Memory) AppendSnapshot(_ context.Context, s warmth.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, s)
	return nil
}

func (m *Memory) AppendModeChangeRecord(_ context.Context, r warmth.ModeChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkModeChangeLocked(r); err != nil {
		return err
	}
	m.changes = append(m.changes, r)
	return nil
}

func (m *Memory) AppendDecision(_ context.Context, d alert.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	return nil
}

// ListSnapshots returns a contact's snapshots, newest first.
func (m *Memory) ListSnapshots(_ context.Context, contactID string, limit int) ([]warmth.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []warmth.Snapshot
	for i := len(m.snapshots) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.snapshots[i].ContactID == contactID {
			out = append(out, m.snapshots[i])
		}
	}
	return out, nil
}

// ListModeChanges returns a contact's mode changes, newest first.
func (m *Memory) ListModeChanges(_ context.Context, contactID string, limit int) ([]warmth.ModeChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []warmth.ModeChange
	for i := len(m.changes) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.changes[i].ContactID == contactID {
			out = append(out, m.changes[i])
		}
	}
	return out, nil
}

// ListDecisions returns alert decisions, newest first.
func (m *Memory) ListDecisions(_ context.Context, limit int) ([]alert.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []alert.Decision
	for i := len(m.decisions) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.decisions[i])
	}
	return out, nil
}

func cloneState(s warmth.State) warmth.State {
	if s.LastInteractionAt != nil {
		t := *s.LastInteractionAt
		s.LastInteractionAt = &t
	}
	return s
}

// nextCursor returns the last contact id of a full page, or "" for the last page.
func nextCursor(page []warmth.State, pageSize int) string {
	if len(page) < pageSize || len(page) == 0 {
		return ""
	}
	return page[len(page)-1].ContactID
}

// PutWatch creates or replaces a contact's watch.
func (m *Memory) PutWatch(_ context.Context, w alert.Watch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watches[w.ContactID] = w
	return nil
}

func (m *Memory) GetWatch(_ context.Context, contactID string) (alert.Watch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watches[contactID]
	if !ok {
		return alert.Watch{}, fmt.Errorf("get watch %s: %w", contactID, alert.ErrNotWatched)
	}
	return w, nil
}

func (m *Memory) DeleteWatch(_ context.Context, contactID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[contactID]; !ok {
		return fmt.Errorf("delete watch %s: %w", contactID, alert.ErrNotWatched)
	}
	delete(m.watches, contactID)
	return nil
}
