package gateway_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/crewdash/internal/changeset"
	"github.com/basket/crewdash/internal/hub"
)

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.do(t, http.MethodGet, "/healthz", "")
	if code != http.StatusOK || body["healthy"] != true || body["config_hash"] != "cfg-test" {
		t.Fatalf("healthz = %d %v", code, body)
	}
}

func TestUnknownMethodIsRejected(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.do(t, http.MethodPut, "/api/changesets", "")
	if code != http.StatusMethodNotAllowed {
		t.Fatalf("PUT /api/changesets = %d, want 405", code)
	}
}

func TestChangesets_ListAndGet(t *testing.T) {
	env := newTestEnv(t)
	env.writeManifest(t, "c1", `{"phase":"active","domains_involved":["ui"],"session_id":"s1"}`)
	env.reconciler.Reconcile(context.Background())

	code, body := env.do(t, http.MethodGet, "/api/changesets", "")
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("list = %d %v", code, body)
	}

	code, body = env.do(t, http.MethodGet, "/api/changesets/c1", "")
	if code != http.StatusOK {
		t.Fatalf("get = %d %v", code, body)
	}
	if body["id"] != "c1" || body["session_id"] != "s1" || body["project_path"] != env.project {
		t.Fatalf("view = %v", body)
	}
	if hs, ok := body["handoffs"].([]any); !ok || len(hs) != 0 {
		t.Fatalf("handoffs = %#v, want empty list", body["handoffs"])
	}

	code, body = env.do(t, http.MethodGet, "/api/changesets/missing", "")
	if code != http.StatusNotFound || body["error"] == nil {
		t.Fatalf("missing = %d %v", code, body)
	}
}

func TestChangesets_DeleteRemovesDirAndBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	env.writeManifest(t, "c1", `{}`)
	env.reconciler.Reconcile(context.Background())
	frames := env.subscribe(t)

	code, body := env.do(t, http.MethodDelete, "/api/changesets/c1", "")
	if code != http.StatusOK || body["status"] != "deleted" {
		t.Fatalf("delete = %d %v", code, body)
	}
	dir := filepath.Join(changeset.ChangesetsDir(env.project), "c1")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("changeset dir still present: %v", err)
	}
	f := next(t, frames, hub.TypeChangesetDeleted)
	if f.Data["changeset_id"] != "c1" {
		t.Fatalf("deleted frame = %+v", f)
	}
	if _, ok := env.tracker.Get("c1"); ok {
		t.Fatal("changeset still tracked")
	}

	if code, _ := env.do(t, http.MethodDelete, "/api/changesets/c1", ""); code != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", code)
	}
}

func TestChangesets_DeleteIngestedOnlyChangeset(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/events", `{"changeset_id":"live","event_type":"tool_called"}`)
	code, body := env.do(t, http.MethodDelete, "/api/changesets/live", "")
	if code != http.StatusOK || body["deleted_path"] != "" {
		t.Fatalf("delete = %d %v", code, body)
	}
}

func TestWatchUnwatchAndTasks(t *testing.T) {
	env := newTestEnv(t)
	env.writeManifest(t, "c1", `{"session_id":"s1"}`)
	env.reconciler.Reconcile(context.Background())

	code, body := env.do(t, http.MethodPost, "/api/changesets/c1/watch", "")
	if code != http.StatusNotFound {
		t.Fatalf("watch without log = %d %v, want 404", code, body)
	}

	env.appendLog(t, "s1.jsonl", "")
	code, body = env.do(t, http.MethodPost, "/api/changesets/c1/watch", "")
	if code != http.StatusOK || body["status"] != "watching" || body["session_id"] != "s1" {
		t.Fatalf("watch = %d %v", code, body)
	}

	env.appendLog(t, "s1.jsonl", `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"TaskCreate","input":{"subject":"Ship it"}}]}}`+"\n")
	env.tailer.Poll()

	code, body = env.do(t, http.MethodGet, "/api/changesets/c1/tasks", "")
	if code != http.StatusOK || body["watching"] != true {
		t.Fatalf("tasks = %d %v", code, body)
	}
	list, _ := body["tasks"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["subject"] != "Ship it" {
		t.Fatalf("tasks list = %v", body["tasks"])
	}

	code, body = env.do(t, http.MethodGet, "/api/debug/sse-status", "")
	if code != http.StatusOK || body["watched_count"] != float64(1) {
		t.Fatalf("sse-status = %d %v", code, body)
	}

	_, body = env.do(t, http.MethodPost, "/api/changesets/c1/unwatch", "")
	if body["status"] != "unwatched" {
		t.Fatalf("unwatch = %v", body)
	}
	_, body = env.do(t, http.MethodPost, "/api/changesets/c1/unwatch", "")
	if body["status"] != "not_watching" {
		t.Fatalf("second unwatch = %v", body)
	}
	_, body = env.do(t, http.MethodGet, "/api/changesets/c1/tasks", "")
	if body["watching"] != false {
		t.Fatalf("tasks after unwatch = %v", body)
	}
}

func TestWatch_UnknownChangeset(t *testing.T) {
	env := newTestEnv(t)
	if code, _ := env.do(t, http.MethodPost, "/api/changesets/nope/watch", ""); code != http.StatusNotFound {
		t.Fatalf("watch unknown = %d, want 404", code)
	}
}

func TestTranscript(t *testing.T) {
	env := newTestEnv(t)
	env.writeManifest(t, "c1", `{"session_id":"s1"}`)
	env.reconciler.Reconcile(context.Background())
	env.appendLog(t, "s1.jsonl",
		`{"type":"assistant","timestamp":"2026-01-02T03:04:00Z","message":{"content":[{"type":"tool_use","id":"t1","name":"Task","input":{"subagent_type":"frontend:lead","description":"UI"}}]}}`+"\n"+
			`{"type":"progress","message":{"content":"x"}}`+"\n")
	env.appendLog(t, "s1/subagents/agent-a1.jsonl", assistantLine("child"))

	code, body := env.do(t, http.MethodGet, "/api/changesets/c1/transcript?merge_timeline=true", "")
	if code != http.StatusOK {
		t.Fatalf("transcript = %d %v", code, body)
	}
	if body["session_id"] != "s1" || body["message_count"] != float64(1) || body["subagent_count"] != float64(1) {
		t.Fatalf("transcript = %v", body)
	}
	meta, _ := body["agent_metadata"].(map[string]any)
	want := map[string]any{"a1": map[string]any{"type": "frontend:lead", "name": "lead", "domain": "frontend", "description": "UI"}}
	if diff := cmp.Diff(want, meta); diff != "" {
		t.Fatalf("agent_metadata (-want +got):\n%s", diff)
	}
	timeline, _ := body["merged_timeline"].([]any)
	if len(timeline) != 2 || timeline[0].(map[string]any)["source"] != "main" {
		t.Fatalf("merged_timeline = %v", body["merged_timeline"])
	}

	_, body = env.do(t, http.MethodGet, "/api/changesets/c1/transcript?include_subagents=false", "")
	if body["subagent_count"] != float64(0) || body["merged_timeline"] != nil {
		t.Fatalf("transcript without subagents = %v", body)
	}
}

func TestListTranscripts(t *testing.T) {
	env := newTestEnv(t)
	env.appendLog(t, "s1.jsonl", assistantLine("a"))
	env.appendLog(t, "s2.jsonl", assistantLine("b"))
	code, body := env.do(t, http.MethodGet, "/api/transcripts?limit=1", "")
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("transcripts = %d %v", code, body)
	}
}

func TestRescan(t *testing.T) {
	env := newTestEnv(t)
	frames := env.subscribe(t)
	env.writeManifest(t, "c9", `{"domains_involved":["api"]}`)

	code, body := env.do(t, http.MethodPost, "/api/rescan", "")
	if code != http.StatusOK || body["created"] != float64(1) || body["changesets"] != float64(1) {
		t.Fatalf("rescan = %d %v", code, body)
	}
	f := next(t, frames, hub.TypeChangesetCreated)
	if f.Data["changeset_id"] != "c9" {
		t.Fatalf("created frame = %+v", f)
	}

	_, body = env.do(t, http.MethodPost, "/api/rescan", "")
	if body["created"] != float64(0) || body["updated"] != float64(0) {
		t.Fatalf("second rescan = %v", body)
	}
}
