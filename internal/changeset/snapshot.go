package changeset

import (
	"slices"
	"sort"
)

// Snapshot holds the fields compared between reconciliation passes.
type Snapshot struct {
	ID              string
	Phase           Phase
	EventCount      int
	HandoffCount    int
	DomainsInvolved []string
	CurrentDomain   string
	CurrentAgent    string
	Artifacts       []string
}

func (c *Changeset) snapshot() Snapshot {
	return Snapshot{
		ID:              c.ID,
		Phase:           c.Phase,
		EventCount:      len(c.Events),
		HandoffCount:    c.handoffCount(),
		DomainsInvolved: sortedCopy(c.DomainsInvolved),
		CurrentDomain:   c.CurrentDomain,
		CurrentAgent:    c.CurrentAgent,
		Artifacts:       sortedCopy(c.Artifacts),
	}
}

func sortedCopy(s []string) []string {
	out := append([]string{}, s...)
	sort.Strings(out)
	return out
}

// Diff returns the fields of next that differ from prev, keyed by their
// JSON names. An empty map means no change.
func Diff(prev, next Snapshot) map[string]any {
	changes := map[string]any{}
	if prev.Phase != next.Phase {
		changes["phase"] = next.Phase
	}
	if prev.EventCount != next.EventCount {
		changes["event_count"] = next.EventCount
	}
	if prev.HandoffCount != next.HandoffCount {
		changes["handoff_count"] = next.HandoffCount
	}
	if !slices.Equal(prev.DomainsInvolved, next.DomainsInvolved) {
		changes["domains_involved"] = next.DomainsInvolved
	}
	if prev.CurrentDomain != next.CurrentDomain {
		changes["current_domain"] = next.CurrentDomain
	}
	if prev.CurrentAgent != next.CurrentAgent {
		changes["current_agent"] = next.CurrentAgent
	}
	if !slices.Equal(prev.Artifacts, next.Artifacts) {
		changes["artifacts"] = next.Artifacts
	}
	return changes
}
