package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nidhogg/warmth-engine/internal/alert"
	"github.com/nidhogg/warmth-engine/internal/jobs"
	"github.com/nidhogg/warmth-engine/internal/service"
	"github.com/nidhogg/warmth-engine/internal/warmth"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "warmth.json")
	raw := fmt.Sprintf(`{
		"server": {"log_level": "error"},
		"database": {"driver": "sqlite", "sqlite": {"path": %q}}
	}`, filepath.Join(dir, "warmth.db"))
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "warmthctl dev") {
		t.Errorf("output = %q", out)
	}
}

func TestModeCommands(t *testing.T) {
	cfg := writeConfig(t)

	if _, err := run(t, "--config", cfg, "create", "frank"); err != nil {
		t.Fatalf("create: %v", err)
	}

	out, err := run(t, "--config", cfg, "switch", "frank", "slow")
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	var sw service.SwitchResult
	if err := json.Unmarshal([]byte(out), &sw); err != nil {
		t.Fatalf("decode switch output %q: %v", out, err)
	}
	if sw.ModeBefore != warmth.ModeMedium || sw.ModeAfter != warmth.ModeSlow || !sw.Changed {
		t.Errorf("switch = %+v", sw)
	}

	out, err = run(t, "--config", cfg, "mode", "frank")
	if err != nil {
		t.Fatalf("mode: %v", err)
	}
	var view service.ModeView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode mode output %q: %v", out, err)
	}
	if view.CurrentMode != warmth.ModeSlow || view.CurrentBand != warmth.BandCold {
		t.Errorf("mode = %+v", view)
	}

	if _, err := run(t, "--config", cfg, "switch", "frank", "glacial"); err == nil {
		t.Error("expected an error for an unknown mode")
	}
	if _, err := run(t, "--config", cfg, "mode", "nobody"); err == nil {
		t.Error("expected an error for an unknown contact")
	}
}

func TestBatchCommands(t *testing.T) {
	cfg := writeConfig(t)
	for _, id := range []string{"g1", "g2", "g3"} {
		if _, err := run(t, "--config", cfg, "create", id); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	out, err := run(t, "--config", cfg, "recompute")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	var rep jobs.RecomputeReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if rep.Checked != 3 || rep.Checked != rep.Recomputed+rep.Unchanged+rep.Errors {
		t.Errorf("recompute = %+v", rep)
	}

	out, err = run(t, "--config", cfg, "snapshot")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var snap jobs.SnapshotReport
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if snap.Total != 3 || snap.Success != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMissingConfig(t *testing.T) {
	if _, err := run(t, "--config", filepath.Join(t.TempDir(), "absent.json"), "recompute"); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestWatchCommands(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := run(t, "--config", cfg, "create", "hana"); err != nil {
		t.Fatalf("create: %v", err)
	}

	out, err := run(t, "--config", cfg, "watch", "hana", "--status", "vip", "--threshold", "40")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	var w alert.Watch
	if err := json.Unmarshal([]byte(out), &w); err != nil {
		t.Fatalf("decode watch output %q: %v", out, err)
	}
	if w.ContactID != "hana" || w.Status != alert.WatchVIP || w.Threshold != 40 {
		t.Errorf("watch = %+v", w)
	}

	if _, err := run(t, "--config", cfg, "watch", "hana", "--status", "lukewarm"); err == nil {
		t.Error("expected an error for an unknown status")
	}
	if _, err := run(t, "--config", cfg, "unwatch", "hana"); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, err := run(t, "--config", cfg, "unwatch", "hana"); err == nil {
		t.Error("expected an error for a contact that is not watched")
	}
}
