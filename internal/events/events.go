// Package events holds the bounded, indexed log of conversation events
// observed across all changesets.
package events

import (
	"fmt"
	"time"
)

// Kind identifies what happened in a conversation event.
type Kind string

const (
	KindSkillInvoked     Kind = "skill_invoked"
	KindAgentActivated   Kind = "agent_activated"
	KindToolCalled       Kind = "tool_called"
	KindUserResponse     Kind = "user_response"
	KindHandoffStarted   Kind = "handoff_started"
	KindHandoffCompleted Kind = "handoff_completed"
	KindTeamSession      Kind = "team_session"
	KindArtifactCreated  Kind = "artifact_created"
	KindDecisionMade     Kind = "decision_made"
)

var knownKinds = map[Kind]struct{}{
	KindSkillInvoked:     {},
	KindAgentActivated:   {},
	KindToolCalled:       {},
	KindUserResponse:     {},
	KindHandoffStarted:   {},
	KindHandoffCompleted: {},
	KindTeamSession:      {},
	KindArtifactCreated:  {},
	KindDecisionMade:     {},
}

// Valid reports whether k is one of the recognized kinds.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// ParseKind converts a wire string into a Kind.
func ParseKind(raw string) (Kind, error) {
	k := Kind(raw)
	if !k.Valid() {
		return "", fmt.Errorf("unknown event kind %q", raw)
	}
	return k, nil
}

// Event is a single immutable conversation event.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	ChangesetID string         `json:"changeset_id"`
	Kind        Kind           `json:"event_type"`
	Domain      string         `json:"domain"`
	AgentID     string         `json:"agent_id,omitempty"`
	SkillID     string         `json:"skill_id,omitempty"`
	Content     map[string]any `json:"content"`
}
