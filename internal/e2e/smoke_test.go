//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

var (
	baseURL    string
	cronSecret string
)

func TestMain(m *testing.M) {
	baseURL = os.Getenv("WARMTH_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	cronSecret = os.Getenv("CRON_SECRET")

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, baseURL+path, r)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cronSecret != "" {
		req.Header.Set("X-Cron-Secret", cronSecret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var out map[string]interface{}
	json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestSmokeContactFlow(t *testing.T) {
	id := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	if code, body := do(t, http.MethodPost, "/api/contacts/"+id+"/warmth", nil); code != http.StatusCreated {
		t.Fatalf("create: %d %v", code, body)
	}

	code, body := do(t, http.MethodPost, "/api/contacts/"+id+"/interactions", map[string]string{"kind": "call"})
	if code != http.StatusOK {
		t.Fatalf("interaction: %d %v", code, body)
	}
	score, _ := body["score"].(float64)
	if score <= 0 {
		t.Errorf("interaction did not raise the score: %v", body)
	}

	code, body = do(t, http.MethodPatch, "/api/contacts/"+id+"/warmth/mode", map[string]string{"mode": "slow"})
	if code != http.StatusOK {
		t.Fatalf("switch: %d %v", code, body)
	}
	if body["score_before"] != body["score_after"] {
		t.Errorf("mode switch changed the score: %v", body)
	}

	code, body = do(t, http.MethodGet, "/api/contacts/"+id+"/warmth/mode", nil)
	if code != http.StatusOK || body["current_mode"] != "slow" {
		t.Errorf("mode: %d %v", code, body)
	}
}

func TestSmokeCron(t *testing.T) {
	code, body := do(t, http.MethodPost, "/api/cron/recompute", nil)
	if code != http.StatusOK {
		t.Fatalf("recompute: %d %v", code, body)
	}
	checked, _ := body["checked"].(float64)
	parts := body["recomputed"].(float64) + body["unchanged"].(float64) + body["errors"].(float64)
	if checked != parts {
		t.Errorf("report does not add up: %v", body)
	}

	if code, body := do(t, http.MethodPost, "/api/cron/snapshot", nil); code != http.StatusOK {
		t.Fatalf("snapshot: %d %v", code, body)
	}
}

func TestSmokeUnknownMode(t *testing.T) {
	code, _ := do(t, http.MethodPatch, "/api/contacts/nobody/warmth/mode", map[string]string{"mode": "glacial"})
	if code != http.StatusBadRequest {
		t.Errorf("unknown mode: got %d, want 400", code)
	}
}
