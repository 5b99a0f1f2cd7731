package changeset

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/crewdash/internal/events"
)

func TestDiff_ArtifactsOnly(t *testing.T) {
	cs := &Changeset{ID: "c1", Phase: PhaseActive, DomainsInvolved: []string{"b", "a"}, Artifacts: []string{"x"}}
	before := cs.snapshot()
	cs.Artifacts = append(cs.Artifacts, "a")
	after := cs.snapshot()

	want := map[string]any{"artifacts": []string{"a", "x"}}
	if diff := cmp.Diff(want, Diff(before, after)); diff != "" {
		t.Fatalf("Diff (-want +got):\n%s", diff)
	}
}

func TestDiff_NoChangeAndOrderInsensitive(t *testing.T) {
	a := (&Changeset{ID: "c", DomainsInvolved: []string{"x", "y"}, Artifacts: []string{"2", "1"}}).snapshot()
	b := (&Changeset{ID: "c", DomainsInvolved: []string{"y", "x"}, Artifacts: []string{"1", "2"}}).snapshot()
	if d := Diff(a, b); len(d) != 0 {
		t.Fatalf("Diff = %v, want empty", d)
	}
}

func TestDiff_ReportsEachField(t *testing.T) {
	a := (&Changeset{ID: "c", Phase: PhaseActive}).snapshot()
	b := (&Changeset{
		ID:              "c",
		Phase:           PhaseHandoff,
		HandoffCount:    2,
		CurrentDomain:   "ui",
		CurrentAgent:    "dev",
		DomainsInvolved: []string{"ui"},
		Events:          make([]events.Event, 3),
	}).snapshot()

	want := map[string]any{
		"phase":            PhaseHandoff,
		"event_count":      3,
		"handoff_count":    2,
		"domains_involved": []string{"ui"},
		"current_domain":   "ui",
		"current_agent":    "dev",
	}
	if diff := cmp.Diff(want, Diff(a, b)); diff != "" {
		t.Fatalf("Diff (-want +got):\n%s", diff)
	}
}
