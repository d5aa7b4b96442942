package warmth

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestDecay(t *testing.T) *Decay {
	t.Helper()
	d, err := NewDecay(DefaultDecayConfig())
	if err != nil {
		t.Fatalf("NewDecay: %v", err)
	}
	return d
}

func TestScoreAtOneTimeConstant(t *testing.T) {
	d := newTestDecay(t)
	tau, _ := d.Tau(ModeMedium)

	got := d.ScoreAt(80, t0, ModeMedium, t0.Add(tau))
	want := 80 / math.E
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("ScoreAt after one tau = %v, want %v", got, want)
	}
	if math.Abs(got-29.43) > 0.01 {
		t.Errorf("expected ~29.43, got %.4f", got)
	}
}

func TestScoreAtClockSkew(t *testing.T) {
	d := newTestDecay(t)
	got := d.ScoreAt(55, t0, ModeFast, t0.Add(-time.Minute))
	if got != 55 {
		t.Errorf("now before anchor should return anchor score, got %v", got)
	}
}

func TestScoreAtZeroIsAbsorbing(t *testing.T) {
	d := newTestDecay(t)
	for _, m := range Modes {
		for _, dt := range []time.Duration{0, time.Second, 30 * day, 100000 * day} {
			if got := d.ScoreAt(0, t0, m, t0.Add(dt)); got != 0 {
				t.Errorf("mode %s dt %v: got %v, want 0", m, dt, got)
			}
		}
	}
}

func TestScoreAtHugeElapsedSaturates(t *testing.T) {
	d := newTestDecay(t)
	far := t0.Add(time.Duration(math.MaxInt64))
	got := d.ScoreAt(100, t0, ModeTest, far)
	if got != 0 || math.IsNaN(got) {
		t.Errorf("expected saturation at 0, got %v", got)
	}
}

func TestScoreAtClampsInput(t *testing.T) {
	d := newTestDecay(t)
	if got := d.ScoreAt(250, t0, ModeSlow, t0); got != 100 {
		t.Errorf("anchor above range: got %v, want 100", got)
	}
	if got := d.ScoreAt(math.NaN(), t0, ModeSlow, t0); got != 0 {
		t.Errorf("NaN anchor: got %v, want 0", got)
	}
}

func TestScoreAtBoundedAndMonotonic(t *testing.T) {
	d := newTestDecay(t)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		anchor := rng.Float64() * 100
		mode := Modes[rng.Intn(len(Modes))]
		t1 := t0.Add(time.Duration(rng.Int63n(int64(90 * day))))
		t2 := t1.Add(time.Duration(rng.Int63n(int64(90*day)) + 1))

		s1 := d.ScoreAt(anchor, t0, mode, t1)
		s2 := d.ScoreAt(anchor, t0, mode, t2)
		if s1 < 0 || s1 > 100 || s2 < 0 || s2 > 100 {
			t.Fatalf("out of range: s1=%v s2=%v", s1, s2)
		}
		if s2 > s1 {
			t.Fatalf("score increased without input: mode=%s anchor=%v s1=%v s2=%v", mode, anchor, s1, s2)
		}
	}
}

func TestModeOrdering(t *testing.T) {
	d := newTestDecay(t)
	at := t0.Add(10 * day)
	slow := d.ScoreAt(80, t0, ModeSlow, at)
	medium := d.ScoreAt(80, t0, ModeMedium, at)
	fast := d.ScoreAt(80, t0, ModeFast, at)
	if !(slow > medium && medium > fast) {
		t.Errorf("expected slow > medium > fast, got %v %v %v", slow, medium, fast)
	}
}

func TestNewDecayRequiresEveryMode(t *testing.T) {
	cfg := DefaultDecayConfig()
	delete(cfg.Tau, ModeTest)
	if _, err := NewDecay(cfg); err == nil {
		t.Fatal("expected error for missing test mode")
	}

	cfg = DefaultDecayConfig()
	cfg.Tau[Mode("glacial")] = day
	if _, err := NewDecay(cfg); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestDecayInfo(t *testing.T) {
	d := newTestDecay(t)
	info := d.Info()
	if len(info) != 4 {
		t.Fatalf("got %d modes, want 4", len(info))
	}
	for _, mi := range info {
		if mi.Mode != ModeMedium {
			continue
		}
		if math.Abs(mi.Lambda-0.085998) > 1e-6 {
			t.Errorf("medium lambda = %v", mi.Lambda)
		}
		if math.Abs(mi.HalfLifeDays-8.06) > 0.05 {
			t.Errorf("medium half-life = %v", mi.HalfLifeDays)
		}
		if math.Abs(mi.DaysToReachout-14.0) > 0.1 {
			t.Errorf("medium days to reachout = %v", mi.DaysToReachout)
		}
	}
}
