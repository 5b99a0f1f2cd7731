package gateway_test

import (
	"net/http"
	"testing"

	"github.com/basket/crewdash/internal/hub"
)

// TestScenario_ManifestToLiveTranscript drives one changeset from discovery
// through live transcript tailing to a handoff phase change.
func TestScenario_ManifestToLiveTranscript(t *testing.T) {
	env := newTestEnv(t)
	frames := env.subscribe(t)

	env.writeManifest(t, "c1", `{"phase":"active","domains_involved":["frontend","backend"],"session_id":"s1"}`)
	if code, body := env.do(t, http.MethodPost, "/api/rescan", ""); code != http.StatusOK || body["created"] != float64(1) {
		t.Fatalf("rescan = %d %v", code, body)
	}
	if f := next(t, frames, hub.TypeChangesetCreated); f.Data["changeset_id"] != "c1" {
		t.Fatalf("changeset_created = %+v", f)
	}

	env.appendLog(t, "s1.jsonl", assistantLine("before-watch"))
	if code, body := env.do(t, http.MethodPost, "/api/changesets/c1/watch", ""); code != http.StatusOK || body["sse_clients"] != float64(1) {
		t.Fatalf("watch = %d %v", code, body)
	}

	env.appendLog(t, "s1.jsonl", assistantLine("hello"))
	env.tailer.Poll()
	f := next(t, frames, hub.TypeTranscriptMessage)
	if f.Data["changeset_id"] != "c1" || f.Data["source"] != "main" {
		t.Fatalf("transcript_message = %+v", f)
	}
	if msg, _ := f.Data["message"].(map[string]any); msg["text"] != "hello" {
		t.Fatalf("message = %v, want only the line appended after watch", f.Data["message"])
	}

	code, body := env.do(t, http.MethodPost, "/api/events",
		`{"changeset_id":"c1","event_type":"handoff_started","domain":"frontend","handoff":{"source":"frontend","target":"backend"}}`)
	if code != http.StatusOK {
		t.Fatalf("ingest = %d %v", code, body)
	}
	next(t, frames, hub.TypeGraphHandoff)

	_, body = env.do(t, http.MethodGet, "/api/changesets/c1", "")
	if body["phase"] != "handoff" {
		t.Fatalf("phase = %v, want handoff", body["phase"])
	}
	if hs, _ := body["handoffs"].([]any); len(hs) != 1 {
		t.Fatalf("handoffs = %v", body["handoffs"])
	}

	_, body = env.do(t, http.MethodGet, "/api/changesets/c1/conversation", "")
	if body["event_count"] != float64(1) {
		t.Fatalf("conversation = %v", body)
	}
}
