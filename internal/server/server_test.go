package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sondeworks/sonde/internal/runcfg"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newServer(t *testing.T) (*Server, *runstore.Store) {
	t.Helper()
	res, err := runstore.Init(runstore.InitRequest{
		Query:    "test query",
		Mode:     runcfg.ModeQuick,
		RunsRoot: t.TempDir(),
		Now:      func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	st, err := runstore.Open(res.ManifestPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := New(st, Config{Addr: "127.0.0.1:0"}, nil)
	t.Cleanup(s.Shutdown)
	return s, st
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v\n%s", err, rec.Body.String())
	}
	return body
}

func TestHealthz(t *testing.T) {
	s, st := newServer(t)
	rec := get(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["ok"] != true || body["run_id"] != st.RunID {
		t.Fatalf("body = %v", body)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	s, st := newServer(t)
	rec := get(t, s, "/api/run")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	manifest, ok := body["manifest"].(map[string]any)
	if !ok {
		t.Fatalf("no manifest in snapshot: %v", body)
	}
	if manifest["run_id"] != st.RunID {
		t.Fatalf("run_id = %v", manifest["run_id"])
	}
	if _, ok := body["gates"]; !ok {
		t.Fatalf("no gates in snapshot")
	}
	if _, ok := body["audit"]; !ok {
		t.Fatalf("no audit tail in snapshot")
	}
}

func TestGatesEndpoint(t *testing.T) {
	s, _ := newServer(t)
	rec := get(t, s, "/api/run/gates")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	gates, ok := body["gates"].(map[string]any)
	if !ok || len(gates) != 6 {
		t.Fatalf("gates = %v", body["gates"])
	}
	for id, g := range gates {
		if g.(map[string]any)["status"] != runstore.GateNotRun {
			t.Fatalf("gate %s = %v on a fresh run", id, g)
		}
	}
}

func TestTicksEndpoint(t *testing.T) {
	s, st := newServer(t)

	rec := get(t, s, "/api/run/ticks")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if ticks := body["ticks"].([]any); len(ticks) != 0 {
		t.Fatalf("ticks on a fresh run = %v", ticks)
	}

	path, err := st.Abs(runstore.TicksLog)
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	if err := runfs.AppendJSONL(path, map[string]any{"seq": 1, "outcome": "advanced"}); err != nil {
		t.Fatalf("append tick: %v", err)
	}
	body = decode(t, get(t, s, "/api/run/ticks"))
	ticks := body["ticks"].([]any)
	if len(ticks) != 1 {
		t.Fatalf("ticks = %v", ticks)
	}
	if ticks[0].(map[string]any)["outcome"] != "advanced" {
		t.Fatalf("tick record = %v", ticks[0])
	}
}

func TestArtifactListing(t *testing.T) {
	s, _ := newServer(t)

	body := decode(t, get(t, s, "/api/run/artifacts"))
	arts := body["artifacts"].([]any)
	paths := map[string]bool{}
	for _, a := range arts {
		p := a.(map[string]any)["path"].(string)
		paths[p] = true
		if p == runstore.LockFile || strings.HasPrefix(p, "logs/") {
			t.Fatalf("volatile file listed: %s", p)
		}
	}
	for _, want := range []string{"manifest.json", "gates.json", "perspectives.json"} {
		if !paths[want] {
			t.Fatalf("%s not listed: %v", want, paths)
		}
	}

	body = decode(t, get(t, s, "/api/run/artifacts?glob=gates.json"))
	arts = body["artifacts"].([]any)
	if len(arts) != 1 || arts[0].(map[string]any)["path"] != "gates.json" {
		t.Fatalf("filtered listing = %v", arts)
	}

	if rec := get(t, s, "/api/run/artifacts?glob=%5Bbad"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad glob status = %d", rec.Code)
	}
}

func TestGetArtifact(t *testing.T) {
	s, st := newServer(t)

	rec := get(t, s, "/api/run/artifacts/manifest.json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("artifact body: %v", err)
	}
	if m["run_id"] != st.RunID {
		t.Fatalf("served the wrong manifest: %v", m["run_id"])
	}

	if rec := get(t, s, "/api/run/artifacts/nope.md"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing artifact status = %d", rec.Code)
	}

	// A file outside the run root stays unreachable.
	outside := filepath.Join(filepath.Dir(st.RunRoot), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	rec = get(t, s, "/api/run/artifacts/%2e%2e/secret.txt")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("traversal status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestBroadcasterReplayAndClose(t *testing.T) {
	b := NewBroadcaster()
	b.Send(map[string]any{"kind": "first"})
	b.Send(map[string]any{"kind": "second"})

	events, doneCh, unsub := b.Subscribe()
	defer unsub()
	for _, want := range []string{"first", "second"} {
		ev := <-events
		if ev["kind"] != want {
			t.Fatalf("replayed %v, want %q", ev, want)
		}
	}

	b.Send(map[string]any{"kind": "live"})
	if ev := <-events; ev["kind"] != "live" {
		t.Fatalf("live event = %v", ev)
	}

	b.Close()
	select {
	case <-doneCh:
	default:
		t.Fatalf("done channel open after Close")
	}
	if _, ok := <-events; ok {
		t.Fatalf("events channel open after Close")
	}
	if got := len(b.History()); got != 3 {
		t.Fatalf("history = %d events, want 3", got)
	}
}

func TestWriteSSEStreamsHistoryThenDone(t *testing.T) {
	b := NewBroadcaster()
	b.Send(map[string]any{"kind": "stage_advance"})
	b.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/run/events", nil)
	rec := httptest.NewRecorder()
	WriteSSE(rec, req, b)

	body := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(body, `data: {"kind":"stage_advance"}`) {
		t.Fatalf("history event not streamed:\n%s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Fatalf("done event not streamed:\n%s", body)
	}
}

func TestAuditTailerDrain(t *testing.T) {
	s, st := newServer(t)
	tailer := s.tailer
	path, err := st.Abs(runstore.AuditLog)
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}

	// Init already audited; the first drain replays it.
	if err := tailer.drain(path); err != nil {
		t.Fatalf("drain: %v", err)
	}
	history := tailer.b.History()
	if len(history) == 0 {
		t.Fatalf("no events after the first drain")
	}
	if history[0]["kind"] != "run_init" {
		t.Fatalf("first event = %v", history[0])
	}

	// Appended records drain incrementally, not from the start.
	if err := st.AppendAudit("test_event", "probe", nil); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := tailer.drain(path); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	grown := tailer.b.History()
	if len(grown) != len(history)+1 {
		t.Fatalf("history grew from %d to %d, want +1", len(history), len(grown))
	}
	if grown[len(grown)-1]["kind"] != "test_event" {
		t.Fatalf("last event = %v", grown[len(grown)-1])
	}
}
