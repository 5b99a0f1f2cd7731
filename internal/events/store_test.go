package events

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStore_IndexesByChangesetAgentSkill(t *testing.T) {
	s := New(100, quietLogger())
	s.Create(KindSkillInvoked, "c1", "frontend", "", "ui-review", nil)
	s.Create(KindAgentActivated, "c1", "frontend", "lead", "", nil)
	s.Create(KindToolCalled, "c2", "backend", "lead", "", nil)

	if got := len(s.ByChangeset("c1")); got != 2 {
		t.Fatalf("ByChangeset(c1) = %d, want 2", got)
	}
	if got := len(s.ByAgent("lead", 0)); got != 2 {
		t.Fatalf("ByAgent(lead) = %d, want 2", got)
	}
	if got := len(s.BySkill("ui-review", 0)); got != 1 {
		t.Fatalf("BySkill(ui-review) = %d, want 1", got)
	}
	byCS := s.RecentByChangeset("c1", 1)
	if len(byCS) != 1 || byCS[0].Kind != KindAgentActivated {
		t.Fatalf("RecentByChangeset(c1, 1) = %+v, want newest c1 event", byCS)
	}
	recent := s.Recent(1)
	if len(recent) != 1 || recent[0].ChangesetID != "c2" {
		t.Fatalf("Recent(1) = %+v, want newest event from c2", recent)
	}
}

func TestStore_BoundTrimsMasterAndIndices(t *testing.T) {
	const max, extra = 10, 7
	s := New(max, quietLogger())
	for i := 0; i < max+extra; i++ {
		s.Create(KindToolCalled, fmt.Sprintf("c%d", i%3), "d", fmt.Sprintf("a%d", i%2), "skill", nil)
	}

	if got := s.Len(); got != max {
		t.Fatalf("Len = %d, want %d", got, max)
	}

	master := make(map[string]struct{})
	for _, ev := range s.Recent(0) {
		master[ev.ID] = struct{}{}
	}
	check := func(name string, evs []Event) {
		t.Helper()
		for _, ev := range evs {
			if _, ok := master[ev.ID]; !ok {
				t.Fatalf("%s index holds trimmed event %s", name, ev.ID)
			}
		}
	}
	total := 0
	for _, id := range s.Changesets() {
		evs := s.ByChangeset(id)
		check("changeset "+id, evs)
		total += len(evs)
	}
	if total != max {
		t.Fatalf("changeset index total = %d, want %d", total, max)
	}
	check("agent a0", s.ByAgent("a0", 0))
	check("agent a1", s.ByAgent("a1", 0))
	if got := len(s.BySkill("skill", 0)); got != max {
		t.Fatalf("skill index = %d, want %d", got, max)
	}
}

func TestStore_ListenerPanicIsIsolated(t *testing.T) {
	s := New(10, quietLogger())
	var calls []string
	s.AddListener(func(Event) { calls = append(calls, "first") })
	s.AddListener(func(Event) { panic("boom") })
	s.AddListener(func(Event) { calls = append(calls, "third") })

	s.Create(KindDecisionMade, "c1", "pm", "", "", nil)

	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "third" {
		t.Fatalf("calls = %v, want [first third]", calls)
	}
}

func TestStore_RemoveListener(t *testing.T) {
	s := New(10, quietLogger())
	n := 0
	id := s.AddListener(func(Event) { n++ })
	s.Create(KindToolCalled, "c1", "d", "", "", nil)
	s.RemoveListener(id)
	s.Create(KindToolCalled, "c1", "d", "", "", nil)
	if n != 1 {
		t.Fatalf("listener calls = %d, want 1", n)
	}
}

func TestParseKind(t *testing.T) {
	if _, err := ParseKind("handoff_started"); err != nil {
		t.Fatalf("ParseKind(handoff_started): %v", err)
	}
	if _, err := ParseKind("teleported"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
