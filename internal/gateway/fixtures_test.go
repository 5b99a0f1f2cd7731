package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/crewdash/internal/changeset"
	"github.com/basket/crewdash/internal/events"
	"github.com/basket/crewdash/internal/gateway"
	"github.com/basket/crewdash/internal/hub"
	"github.com/basket/crewdash/internal/transcript"
)

type testEnv struct {
	ts         *httptest.Server
	srv        *gateway.Server
	hub        *hub.Hub
	store      *events.Store
	tracker    *changeset.Tracker
	reconciler *changeset.Reconciler
	tailer     *transcript.Tailer
	project    string
	logDir     string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv wires a full gateway over an empty project and claude home.
func newTestEnv(t *testing.T, opts ...func(*gateway.Config)) *testEnv {
	t.Helper()
	logger := quietLogger()
	project := t.TempDir()
	claudeHome := t.TempDir()
	logDir := filepath.Join(claudeHome, "projects", transcript.EscapeProjectPath(project))
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	h := hub.New(hub.Config{QueueSize: 64, Heartbeat: time.Minute, Logger: logger})
	store := events.New(100, logger)
	store.AddListener(h.EventListener())
	tracker := changeset.NewTracker([]string{project}, logger)
	tracker.Scan(context.Background())
	rec := changeset.NewReconciler(changeset.ReconcilerConfig{Tracker: tracker, Broadcaster: h, Logger: logger})
	tailer := transcript.NewTailer(transcript.Config{
		Locator:     transcript.NewLocator(claudeHome),
		Broadcaster: h,
		Logger:      logger,
	})

	cfg := gateway.Config{
		Store:             store,
		Hub:               h,
		Tracker:           tracker,
		Reconciler:        rec,
		Tailer:            tailer,
		ConfigFingerprint: "cfg-test",
		Logger:            logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := gateway.New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		ts:         ts,
		srv:        srv,
		hub:        h,
		store:      store,
		tracker:    tracker,
		reconciler: rec,
		tailer:     tailer,
		project:    project,
		logDir:     logDir,
	}
}

func (e *testEnv) writeManifest(t *testing.T, id, body string) {
	t.Helper()
	dir := filepath.Join(changeset.ChangesetsDir(e.project), id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, changeset.ManifestName), []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func (e *testEnv) appendLog(t *testing.T, rel, s string) {
	t.Helper()
	path := filepath.Join(e.logDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(s); err != nil {
		t.Fatalf("append log: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request %s %s: %v", method, path, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s body %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, out
}

type frame struct {
	Type        string         `json:"type"`
	Data        map[string]any `json:"data"`
	Timestamp   float64        `json:"timestamp"`
	ClientCount int            `json:"client_count"`
}

// subscribe opens the SSE stream and returns its decoded frames once the
// connected frame has arrived.
func (e *testEnv) subscribe(t *testing.T) <-chan frame {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/api/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/stream: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	out := make(chan frame, 64)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		br := bufio.NewReader(resp.Body)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			payload, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: ")
			if !ok {
				continue
			}
			var f frame
			if json.Unmarshal([]byte(payload), &f) == nil {
				out <- f
			}
		}
	}()

	select {
	case f := <-out:
		if f.Type != hub.TypeConnected {
			t.Fatalf("first frame = %+v, want connected", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connected frame")
	}
	return out
}

// next returns the next frame of type typ, skipping others.
func next(t *testing.T, frames <-chan frame, typ string) frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed waiting for %s", typ)
			}
			if f.Type == typ {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func assistantLine(text string) string {
	return `{"type":"assistant","uuid":"u-` + text + `","timestamp":"2026-01-02T03:04:05Z","sessionId":"s1","message":{"content":[{"type":"text","text":"` + text + `"}]}}` + "\n"
}
