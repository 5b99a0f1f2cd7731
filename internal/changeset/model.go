// Package changeset reconciles the on-disk changeset directories of one or
// more projects into an in-memory model and reports what changed.
//
// Layout consumed, per project:
//
//	<project>/.claude/changesets/<id>/changeset.json
//	<project>/.claude/changesets/<id>/handoff_*.json
//	<project>/.claude/changesets/<id>/artifacts/*
package changeset

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/basket/crewdash/internal/events"
)

// ErrNotFound is returned when a changeset id is unknown.
var ErrNotFound = errors.New("changeset not found")

const (
	ManifestName    = "changeset.json"
	artifactsDir    = "artifacts"
	handoffPrefix   = "handoff_"
	handoffSuffix   = ".json"
	defaultIDLength = 8
)

// ChangesetsDir returns <project>/.claude/changesets.
func ChangesetsDir(projectPath string) string {
	return filepath.Join(projectPath, ".claude", "changesets")
}

type Phase string

const (
	PhaseActive  Phase = "active"
	PhaseHandoff Phase = "handoff"
)

type HandoffStatus string

const (
	HandoffPending    HandoffStatus = "pending"
	HandoffInProgress HandoffStatus = "in_progress"
	HandoffCompleted  HandoffStatus = "completed"
)

// Changeset is one unit of tracked multi-agent work.
type Changeset struct {
	ID              string
	StartedAt       time.Time
	Phase           Phase
	CurrentDomain   string
	CurrentAgent    string
	Events          []events.Event
	Handoffs        []HandoffRef
	Artifacts       []string
	ProjectPath     string
	DomainsInvolved []string
	OriginalRequest string
	HandoffCount    int
	SessionID       string
}

// HandoffRef is the lightweight handoff record kept on the changeset.
type HandoffRef struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

// Handoff is a recorded transfer of control between two domains.
type Handoff struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	ChangesetID  string         `json:"changeset_id"`
	SourceDomain string         `json:"source_domain"`
	TargetDomain string         `json:"target_domain"`
	SourceAgent  string         `json:"source_agent,omitempty"`
	TargetAgent  string         `json:"target_agent,omitempty"`
	Context      map[string]any `json:"context"`
	Status       HandoffStatus  `json:"status"`
}

// View is the fully materialized JSON form of a changeset.
type View struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	Phase           Phase     `json:"phase"`
	CurrentDomain   string    `json:"current_domain"`
	CurrentAgent    string    `json:"current_agent"`
	EventCount      int       `json:"event_count"`
	HandoffCount    int       `json:"handoff_count"`
	Artifacts       []string  `json:"artifacts"`
	ProjectPath     string    `json:"project_path"`
	DomainsInvolved []string  `json:"domains_involved"`
	OriginalRequest string    `json:"original_request"`
	SessionID       string    `json:"session_id"`
}

func (c *Changeset) handoffCount() int {
	if c.HandoffCount > 0 {
		return c.HandoffCount
	}
	return len(c.Handoffs)
}

func (c *Changeset) view() View {
	return View{
		ID:              c.ID,
		StartedAt:       c.StartedAt,
		Phase:           c.Phase,
		CurrentDomain:   c.CurrentDomain,
		CurrentAgent:    c.CurrentAgent,
		EventCount:      len(c.Events),
		HandoffCount:    c.handoffCount(),
		Artifacts:       append([]string{}, c.Artifacts...),
		ProjectPath:     c.ProjectPath,
		DomainsInvolved: append([]string{}, c.DomainsInvolved...),
		OriginalRequest: c.OriginalRequest,
		SessionID:       c.SessionID,
	}
}

func (c *Changeset) clone() Changeset {
	out := *c
	out.Events = append([]events.Event(nil), c.Events...)
	out.Handoffs = append([]HandoffRef(nil), c.Handoffs...)
	out.Artifacts = append([]string(nil), c.Artifacts...)
	out.DomainsInvolved = append([]string(nil), c.DomainsInvolved...)
	return out
}

func (c *Changeset) addArtifact(name string) {
	if name == "" {
		return
	}
	for _, a := range c.Artifacts {
		if a == name {
			return
		}
	}
	c.Artifacts = append(c.Artifacts, name)
}
