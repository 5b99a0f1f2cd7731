package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/basket/crewdash/internal/events"
	"github.com/basket/crewdash/internal/hub"
)

const defaultIngestChangeset = "default"

// handoffRequest is the optional handoff carried by an ingested event.
type handoffRequest struct {
	Source      string         `json:"source"`
	Target      string         `json:"target"`
	SourceAgent string         `json:"source_agent"`
	TargetAgent string         `json:"target_agent"`
	Context     map[string]any `json:"context"`
}

// ingestRequest is the body of POST /api/events.
type ingestRequest struct {
	ChangesetID string          `json:"changeset_id"`
	EventType   string          `json:"event_type"`
	Domain      string          `json:"domain"`
	AgentID     string          `json:"agent_id"`
	SkillID     string          `json:"skill_id"`
	Content     map[string]any  `json:"content"`
	Handoff     *handoffRequest `json:"handoff,omitempty"`
}

// handleIngestEvent records one live conversation event. The store listener
// broadcasts it as conversation_event; skill and agent events also pulse the
// graph, and a handoff is recorded and broadcast when present.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: %v", err)
		return
	}
	kind, err := events.ParseKind(req.EventType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.ChangesetID == "" {
		req.ChangesetID = defaultIngestChangeset
	}
	if req.Domain == "" {
		req.Domain = "unknown"
	}
	if req.Handoff != nil && (req.Handoff.Source == "" || req.Handoff.Target == "") {
		writeError(w, http.StatusBadRequest, "handoff requires source and target")
		return
	}

	ev := s.cfg.Store.Create(kind, req.ChangesetID, req.Domain, req.AgentID, req.SkillID, req.Content)
	s.cfg.Tracker.AddEvent(ev)

	switch kind {
	case events.KindSkillInvoked:
		s.cfg.Hub.BroadcastActivity(req.Domain, req.AgentID, req.SkillID, hub.ActivitySkill)
	case events.KindAgentActivated:
		s.cfg.Hub.BroadcastActivity(req.Domain, req.AgentID, "", hub.ActivityAgent)
	}

	resp := map[string]any{
		"status":     "received",
		"event_id":   ev.ID,
		"event_type": ev.Kind,
	}
	if h := req.Handoff; h != nil {
		rec := s.cfg.Tracker.RecordHandoff(req.ChangesetID, h.Source, h.Target, h.SourceAgent, h.TargetAgent, h.Context)
		s.cfg.Hub.BroadcastHandoff(h.Source, h.Target, h.SourceAgent, h.TargetAgent)
		resp["handoff_id"] = rec.ID
	}
	s.logger.Debug("event ingested", "changeset_id", ev.ChangesetID, "event_type", ev.Kind, "event_id", ev.ID)
	writeJSON(w, http.StatusOK, resp)
}

// handleRecentEvents returns stored events newest first. Query: limit
// (default 100) and at most one of changeset_id, agent_id, skill_id.
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	q := r.URL.Query()
	var out []events.Event
	switch {
	case q.Get("changeset_id") != "":
		out = s.cfg.Store.RecentByChangeset(q.Get("changeset_id"), limit)
	case q.Get("agent_id") != "":
		out = s.cfg.Store.ByAgent(q.Get("agent_id"), limit)
	case q.Get("skill_id") != "":
		out = s.cfg.Store.BySkill(q.Get("skill_id"), limit)
	default:
		out = s.cfg.Store.Recent(limit)
	}
	if out == nil {
		out = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "count": len(out)})
}
