package changeset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/crewdash/internal/events"
)

// Tracker holds the changesets and handoffs of a set of project paths.
// One mutex serializes scanning, mutation, and reads.
type Tracker struct {
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	paths      []string
	changesets map[string]*Changeset
	handoffs   []Handoff
}

// NewTracker creates a Tracker over projectPaths. Call Scan to load them.
func NewTracker(projectPaths []string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		logger:     logger.With("component", "changeset_tracker"),
		now:        time.Now,
		changesets: make(map[string]*Changeset),
	}
	for _, p := range projectPaths {
		t.AddProjectPath(p)
	}
	return t
}

// AddProjectPath registers p for future scans. It reports whether p was new.
func (t *Tracker) AddProjectPath(p string) bool {
	p = filepath.Clean(p)
	t.mu.Lock()
	defer t.mu.Unlock()
	if slices.Contains(t.paths, p) {
		return false
	}
	t.paths = append(t.paths, p)
	return true
}

func (t *Tracker) ProjectPaths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.paths...)
}

// Scan rebuilds the model from disk. Per-file failures are logged and
// skipped. The only error is ctx's, in which case the previous model is kept.
func (t *Tracker) Scan(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevChangesets, prevHandoffs := t.changesets, t.handoffs
	t.changesets = make(map[string]*Changeset)
	t.handoffs = nil
	for _, project := range t.paths {
		if err := ctx.Err(); err != nil {
			t.changesets, t.handoffs = prevChangesets, prevHandoffs
			return err
		}
		t.scanProjectLocked(project)
	}
	return nil
}

func (t *Tracker) scanProjectLocked(project string) {
	root := ChangesetsDir(project)
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("list changesets dir failed", "path", root, "error", err)
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		id := e.Name()
		if cid, ok := t.loadManifestLocked(dir, id, project); ok {
			id = cid
		}
		t.loadHandoffsLocked(dir, e.Name())
		t.loadArtifactsLocked(dir, id)
	}
}

// loadManifestLocked applies dir's changeset.json and returns the changeset
// id it declared.
func (t *Tracker) loadManifestLocked(dir, dirID, project string) (string, bool) {
	path := filepath.Join(dir, ManifestName)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.logger.Warn("read manifest failed", "path", path, "error", err)
		return "", false
	}
	m, err := decodeManifest(data)
	if err != nil {
		t.logger.Warn("skipping invalid manifest", "path", path, "error", err)
		return "", false
	}

	id := m.ChangesetID
	if id == "" {
		id = dirID
	}
	cs := t.getOrCreateLocked(id)
	cs.StartedAt = info.ModTime()
	if m.StartedAt != "" {
		if ts, err := parseTimestamp(m.StartedAt); err == nil {
			cs.StartedAt = ts
		}
	}
	cs.Phase = m.phase()
	cs.CurrentDomain = m.CurrentDomain
	cs.ProjectPath = project
	for _, a := range m.Artifacts {
		cs.addArtifact(a.Name)
	}
	for i, d := range m.Decisions {
		if d == nil {
			continue
		}
		evID := d.ID
		if evID == "" {
			evID = fmt.Sprintf("%s-decision-%d", id, i)
		}
		cs.Events = append(cs.Events, events.Event{
			ID:          evID,
			Timestamp:   cs.StartedAt,
			ChangesetID: id,
			Kind:        events.KindDecisionMade,
			Domain:      d.Domain,
			Content:     map[string]any{"decision": d.Decision, "rationale": d.Rationale},
		})
	}
	cs.DomainsInvolved = nil
	for _, d := range m.DomainsInvolved {
		if d != "" {
			cs.DomainsInvolved = append(cs.DomainsInvolved, d)
		}
	}
	cs.OriginalRequest = m.OriginalRequest
	cs.HandoffCount = m.HandoffCount
	cs.SessionID = m.SessionID
	return id, true
}

func (t *Tracker) loadHandoffsLocked(dir, dirID string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.logger.Warn("list changeset dir failed", "path", dir, "error", err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, handoffPrefix) || !strings.HasSuffix(name, handoffSuffix) {
			continue
		}
		h, err := readHandoffFile(filepath.Join(dir, name), name, dirID)
		if err != nil {
			t.logger.Warn("skipping handoff file", "path", filepath.Join(dir, name), "error", err)
			continue
		}
		t.handoffs = append(t.handoffs, h)
	}
}

func (t *Tracker) loadArtifactsLocked(dir, id string) {
	cs, ok := t.changesets[id]
	if !ok {
		return
	}
	path := filepath.Join(dir, artifactsDir)
	entries, err := os.ReadDir(path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("list artifacts failed", "path", path, "error", err)
		}
		return
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			cs.addArtifact(e.Name())
		}
	}
}

// GetOrCreate returns the changeset with id, creating it in phase active if
// absent. An empty id generates a fresh short id.
func (t *Tracker) GetOrCreate(id string) Changeset {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getOrCreateLocked(id).clone()
}

func (t *Tracker) getOrCreateLocked(id string) *Changeset {
	if id != "" {
		if cs, ok := t.changesets[id]; ok {
			return cs
		}
	} else {
		id = uuid.NewString()[:defaultIDLength]
	}
	cs := &Changeset{ID: id, StartedAt: t.now(), Phase: PhaseActive}
	t.changesets[id] = cs
	return cs
}

type transition func(cs *Changeset, ev events.Event)

var transitions = map[events.Kind]transition{
	events.KindAgentActivated: func(cs *Changeset, ev events.Event) {
		cs.CurrentAgent = ev.AgentID
		cs.CurrentDomain = ev.Domain
	},
	events.KindHandoffStarted: func(cs *Changeset, _ events.Event) {
		cs.Phase = PhaseHandoff
	},
	events.KindHandoffCompleted: func(cs *Changeset, _ events.Event) {
		cs.Phase = PhaseActive
	},
	events.KindArtifactCreated: func(cs *Changeset, ev events.Event) {
		name, _ := ev.Content["name"].(string)
		cs.addArtifact(name)
	},
}

// AddEvent appends ev to its changeset, creating the changeset if needed,
// and applies the state transition for ev's kind.
func (t *Tracker) AddEvent(ev events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs := t.getOrCreateLocked(ev.ChangesetID)
	cs.Events = append(cs.Events, ev)
	if apply, ok := transitions[ev.Kind]; ok {
		apply(cs, ev)
	}
}

// RecordHandoff appends an in-progress handoff and a reference to it on the
// owning changeset.
func (t *Tracker) RecordHandoff(changesetID, source, target, sourceAgent, targetAgent string, payload map[string]any) Handoff {
	if payload == nil {
		payload = map[string]any{}
	}
	h := Handoff{
		ID:           uuid.NewString(),
		Timestamp:    t.now(),
		ChangesetID:  changesetID,
		SourceDomain: source,
		TargetDomain: target,
		SourceAgent:  sourceAgent,
		TargetAgent:  targetAgent,
		Context:      payload,
		Status:       HandoffInProgress,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handoffs = append(t.handoffs, h)
	cs := t.getOrCreateLocked(changesetID)
	cs.Handoffs = append(cs.Handoffs, HandoffRef{ID: h.ID, Source: source, Target: target, Timestamp: h.Timestamp})
	return h
}

// CompleteHandoff marks the handoff with id completed.
func (t *Tracker) CompleteHandoff(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.handoffs {
		if t.handoffs[i].ID == id {
			t.handoffs[i].Status = HandoffCompleted
			return true
		}
	}
	return false
}

// RecentHandoffs returns up to limit handoffs, newest first.
func (t *Tracker) RecentHandoffs(limit int) []Handoff {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.handoffs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Handoff, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, t.handoffs[i])
	}
	return out
}

func (t *Tracker) HandoffsFor(changesetID string) []Handoff {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Handoff
	for _, h := range t.handoffs {
		if h.ChangesetID == changesetID {
			out = append(out, h)
		}
	}
	return out
}

func (t *Tracker) Get(id string) (Changeset, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.changesets[id]
	if !ok {
		return Changeset{}, false
	}
	return cs.clone(), true
}

// View returns the materialized form of id.
func (t *Tracker) View(id string) (View, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.changesets[id]
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cs.view(), nil
}

// All returns every changeset, newest first.
func (t *Tracker) All() []Changeset {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Changeset, 0, len(t.changesets))
	for _, cs := range t.changesets {
		out = append(out, cs.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Views returns the materialized form of every changeset, newest first.
func (t *Tracker) Views() []View {
	all := t.All()
	out := make([]View, len(all))
	for i := range all {
		out[i] = all[i].view()
	}
	return out
}

// Delete removes id and reports whether it existed. Handoffs referencing
// it are kept.
func (t *Tracker) Delete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.changesets[id]; !ok {
		return false
	}
	delete(t.changesets, id)
	return true
}

// Snapshots captures the comparable state of every changeset.
func (t *Tracker) Snapshots() map[string]Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Snapshot, len(t.changesets))
	for id, cs := range t.changesets {
		out[id] = cs.snapshot()
	}
	return out
}
