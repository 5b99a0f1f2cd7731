package changeset

import (
	"testing"
	"time"
)

func TestDecodeHandoff_Shapes(t *testing.T) {
	mod := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		raw  map[string]any
		want handoffFields
	}{
		{
			name: "flat",
			raw:  map[string]any{"source_domain": "frontend", "target_domain": "backend", "source_agent": "ui", "target_agent": "api"},
			want: handoffFields{"frontend", "backend", "ui", "api"},
		},
		{
			name: "nested",
			raw: map[string]any{
				"source": map[string]any{"plugin": "pm", "skill": "planner"},
				"target": map[string]any{"plugin": "data", "skill": "modeler"},
			},
			want: handoffFields{"pm", "data", "planner", "modeler"},
		},
		{
			name: "legacy",
			raw:  map[string]any{"from_domain": "qa", "to_domain": "ops"},
			want: handoffFields{"qa", "ops", "", ""},
		},
		{
			name: "flat wins over nested",
			raw: map[string]any{
				"source_domain": "flat-src",
				"source":        map[string]any{"plugin": "nested-src", "skill": "nested-skill"},
				"to_domain":     "legacy-dst",
			},
			want: handoffFields{"flat-src", "legacy-dst", "nested-skill", ""},
		},
		{
			name: "defaults",
			raw:  map[string]any{"source": "not-an-object"},
			want: handoffFields{"pm", "unknown", "", ""},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := decodeHandoff(tc.raw, "handoff_x.json", "dir", mod)
			if err != nil {
				t.Fatalf("decodeHandoff: %v", err)
			}
			got := handoffFields{h.SourceDomain, h.TargetDomain, h.SourceAgent, h.TargetAgent}
			if got != tc.want {
				t.Fatalf("fields = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDecodeHandoff_Defaults(t *testing.T) {
	mod := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	h, err := decodeHandoff(map[string]any{}, "handoff_7.json", "dir-id", mod)
	if err != nil {
		t.Fatalf("decodeHandoff: %v", err)
	}
	if h.ID != "handoff_7.json" || h.ChangesetID != "dir-id" || h.Status != HandoffCompleted || !h.Timestamp.Equal(mod) {
		t.Fatalf("defaults = %+v", h)
	}

	h, err = decodeHandoff(map[string]any{
		"id":         "h1",
		"session_id": "sess",
		"status":     "pending",
		"timestamp":  "2026-01-01T10:00:00.123456",
		"context":    map[string]any{"k": "v"},
	}, "handoff_7.json", "dir-id", mod)
	if err != nil {
		t.Fatalf("decodeHandoff: %v", err)
	}
	if h.ID != "h1" || h.ChangesetID != "sess" || h.Status != HandoffPending || h.Context["k"] != "v" {
		t.Fatalf("explicit = %+v", h)
	}
	if h.Timestamp.Year() != 2026 || h.Timestamp.Hour() != 10 {
		t.Fatalf("timestamp = %v", h.Timestamp)
	}
}

func TestDecodeHandoff_BadTimestamp(t *testing.T) {
	if _, err := decodeHandoff(map[string]any{"timestamp": "yesterday"}, "h.json", "d", time.Now()); err == nil {
		t.Fatal("expected error for unparseable timestamp")
	}
}
