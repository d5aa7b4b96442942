package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/warmth-engine/internal/warmth"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	decisions []Decision
}

func (s *recordingSink) AppendDecision(_ context.Context, d Decision) error {
	s.decisions = append(s.decisions, d)
	return nil
}

type recordingNotifier struct {
	sent []Decision
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, d Decision) error {
	n.sent = append(n.sent, d)
	return n.err
}

type brokenDedup struct{}

func (brokenDedup) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func newTestEvaluator(clock *fakeClock) (*Evaluator, *recordingSink, *recordingNotifier) {
	sink := &recordingSink{}
	notifier := &recordingNotifier{}
	e := NewEvaluator(NewMemoryDedup(clock), sink, notifier, 24*time.Hour, clock, zap.NewNop())
	return e, sink, notifier
}

func transition(id string, from, to warmth.Band) warmth.Transition {
	return warmth.Transition{ContactID: id, From: from, To: to, Score: 12}
}

func TestEvaluateFiresOnWorsening(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	e, sink, notifier := newTestEvaluator(clock)

	d, err := e.Evaluate(context.Background(), transition("c1", warmth.BandWarm, warmth.BandCooling))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Fire || d.Reason != ReasonFired {
		t.Fatalf("expected fired decision, got %+v", d)
	}
	if len(sink.decisions) != 1 || len(notifier.sent) != 1 {
		t.Errorf("expected 1 record and 1 notification, got %d/%d", len(sink.decisions), len(notifier.sent))
	}
}

func TestEvaluateIgnoresImprovement(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	e, sink, notifier := newTestEvaluator(clock)

	for _, tr := range []warmth.Transition{
		transition("c1", warmth.BandCold, warmth.BandCooling),
		transition("c1", warmth.BandWarm, warmth.BandHot),
		transition("c1", warmth.BandWarm, warmth.BandWarm),
	} {
		d, err := e.Evaluate(context.Background(), tr)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if d.Fire || d.Reason != ReasonNotWorse {
			t.Errorf("%s->%s: expected not_worse, got %+v", tr.From, tr.To, d)
		}
	}
	if len(sink.decisions) != 0 || len(notifier.sent) != 0 {
		t.Error("improvements must not be recorded or delivered")
	}
}

func TestEvaluateCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	e, sink, notifier := newTestEvaluator(clock)
	ctx := context.Background()
	tr := transition("c1", warmth.BandCooling, warmth.BandCold)

	first, _ := e.Evaluate(ctx, tr)
	clock.Advance(time.Hour)
	second, _ := e.Evaluate(ctx, tr)
	if !first.Fire || second.Fire || second.Reason != ReasonCooldown {
		t.Fatalf("expected fire then cooldown, got %+v / %+v", first, second)
	}

	// A different target band has its own key.
	other, _ := e.Evaluate(ctx, transition("c1", warmth.BandWarm, warmth.BandCooling))
	if !other.Fire {
		t.Errorf("different band should fire, got %+v", other)
	}

	clock.Advance(24 * time.Hour)
	third, _ := e.Evaluate(ctx, tr)
	if !third.Fire {
		t.Errorf("expected fire after cooldown, got %+v", third)
	}
	if len(notifier.sent) != 3 || len(sink.decisions) != 4 {
		t.Errorf("sent=%d decisions=%d, want 3 and 4", len(notifier.sent), len(sink.decisions))
	}
}

func TestEvaluateDeliveryFailureKeepsDecision(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	e, _, notifier := newTestEvaluator(clock)
	notifier.err = errors.New("slack unavailable")

	d, err := e.Evaluate(context.Background(), transition("c2", warmth.BandHot, warmth.BandWarm))
	if err != nil {
		t.Fatalf("delivery failure must not surface: %v", err)
	}
	if !d.Fire {
		t.Errorf("decision should still fire: %+v", d)
	}
}

func TestEvaluateDedupError(t *testing.T) {
	e := NewEvaluator(brokenDedup{}, nil, nil, time.Hour, nil, zap.NewNop())
	if _, err := e.Evaluate(context.Background(), transition("c3", warmth.BandWarm, warmth.BandCold)); err == nil {
		t.Fatal("expected dedup error")
	}
}

type mapWatchlist map[string]Watch

func (m mapWatchlist) GetWatch(_ context.Context, contactID string) (Watch, error) {
	w, ok := m[contactID]
	if !ok {
		return Watch{}, ErrNotWatched
	}
	return w, nil
}

func TestEvaluateWatchlist(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	e, sink, notifier := newTestEvaluator(clock)
	e.SetWatchlist(mapWatchlist{
		"vip":     {ContactID: "vip", Status: WatchVIP, Threshold: 40},
		"default": {ContactID: "default", Status: WatchNormal},
	})
	ctx := context.Background()

	tests := []struct {
		name   string
		tr     warmth.Transition
		fire   bool
		reason string
	}{
		{"unwatched", warmth.Transition{ContactID: "stranger", From: warmth.BandWarm, To: warmth.BandCooling, Score: 20}, false, ReasonNotWatched},
		{"above own threshold", warmth.Transition{ContactID: "vip", From: warmth.BandHot, To: warmth.BandWarm, Score: 55}, false, ReasonAboveThreshold},
		{"below own threshold", warmth.Transition{ContactID: "vip", From: warmth.BandWarm, To: warmth.BandCooling, Score: 38}, true, ReasonFired},
		{"above default threshold", warmth.Transition{ContactID: "default", From: warmth.BandWarm, To: warmth.BandCooling, Score: 35}, false, ReasonAboveThreshold},
		{"below default threshold", warmth.Transition{ContactID: "default", From: warmth.BandCooling, To: warmth.BandCold, Score: 14}, true, ReasonFired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.Evaluate(ctx, tt.tr)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if d.Fire != tt.fire || d.Reason != tt.reason {
				t.Errorf("decision = %+v, want fire=%v reason=%s", d, tt.fire, tt.reason)
			}
		})
	}
	if len(notifier.sent) != 2 || len(sink.decisions) != 2 {
		t.Errorf("sent=%d decisions=%d, want 2 and 2", len(notifier.sent), len(sink.decisions))
	}
}

func TestMemoryDedupSweepsExpiredWindows(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	d := NewMemoryDedup(clock)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		if ok, _ := d.Acquire(ctx, key, time.Minute); !ok {
			t.Fatalf("acquire %s refused", key)
		}
	}

	clock.Advance(2 * sweepEvery)
	if ok, _ := d.Acquire(ctx, "d", time.Minute); !ok {
		t.Fatal("acquire d refused")
	}
	if n := d.Len(); n != 1 {
		t.Errorf("tracked windows = %d, want 1 after sweep", n)
	}
	if ok, _ := d.Acquire(ctx, "d", time.Minute); ok {
		t.Error("live window was swept")
	}
}

func TestWatchValidate(t *testing.T) {
	if err := (Watch{ContactID: "c1", Status: WatchImportant, Threshold: 25}).Validate(); err != nil {
		t.Errorf("valid watch rejected: %v", err)
	}
	for _, w := range []Watch{
		{ContactID: "", Status: WatchNormal},
		{ContactID: "c1", Status: "lukewarm"},
		{ContactID: "c1"},
		{ContactID: "c1", Status: WatchVIP, Threshold: 101},
	} {
		if err := w.Validate(); err == nil {
			t.Errorf("expected %+v to be rejected", w)
		}
	}
	if st, err := ParseWatchStatus(""); err != nil || st != WatchNormal {
		t.Errorf("ParseWatchStatus(\"\") = %q, %v", st, err)
	}
}
