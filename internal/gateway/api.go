package gateway

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/basket/crewdash/internal/audit"
	"github.com/basket/crewdash/internal/changeset"
	"github.com/basket/crewdash/internal/events"
	"github.com/basket/crewdash/internal/tasks"
	"github.com/basket/crewdash/internal/transcript"
)

// transcriptMatchWindow bounds the mtime search used when a changeset has no
// recorded session id.
const transcriptMatchWindow = 10 * time.Minute

type changesetDetail struct {
	changeset.View
	Handoffs []changeset.Handoff `json:"handoffs"`
}

func (s *Server) handleListChangesets(w http.ResponseWriter, _ *http.Request) {
	views := s.cfg.Tracker.Views()
	writeJSON(w, http.StatusOK, map[string]any{"changesets": views, "count": len(views)})
}

func (s *Server) handleGetChangeset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v, err := s.cfg.Tracker.View(id)
	if errors.Is(err, changeset.ErrNotFound) {
		writeError(w, http.StatusNotFound, "changeset not found: %s", id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	handoffs := s.cfg.Tracker.HandoffsFor(id)
	if handoffs == nil {
		handoffs = []changeset.Handoff{}
	}
	writeJSON(w, http.StatusOK, changesetDetail{View: v, Handoffs: handoffs})
}

// handleDeleteChangeset removes the changeset directory from disk, when it
// has one, and drops the changeset from memory.
func (s *Server) handleDeleteChangeset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cs, ok := s.cfg.Tracker.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "changeset not found: %s", id)
		return
	}

	deletedPath := ""
	if cs.ProjectPath != "" && validID(id) {
		dir := filepath.Join(changeset.ChangesetsDir(cs.ProjectPath), id)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			if err := os.RemoveAll(dir); err != nil {
				s.logger.Error("delete changeset dir", "changeset_id", id, "path", dir, "error", err)
				audit.Record("changeset.delete", audit.OutcomeFailed, id, err.Error(), clientKey(r))
				writeError(w, http.StatusInternalServerError, "failed to delete changeset: %v", err)
				return
			}
			deletedPath = dir
		}
	}
	s.cfg.Tailer.Unwatch(id)
	s.cfg.Reconciler.Delete(id)
	s.logger.Info("changeset deleted", "changeset_id", id, "path", deletedPath)
	audit.Record("changeset.delete", audit.OutcomeOK, id, deletedPath, clientKey(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "deleted",
		"changeset_id": id,
		"deleted_path": deletedPath,
	})
}

// validID rejects ids that would escape the changesets directory.
func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// handleConversation returns the changeset's events merged with live
// ingested events for it, deduplicated by id and ordered by time.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cs, ok := s.cfg.Tracker.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "changeset not found: %s", id)
		return
	}
	seen := make(map[string]bool)
	var all []events.Event
	for _, ev := range slices.Concat(cs.Events, s.cfg.Store.ByChangeset(id)) {
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		all = append(all, ev)
	}
	slices.SortStableFunc(all, func(a, b events.Event) int { return a.Timestamp.Compare(b.Timestamp) })
	if all == nil {
		all = []events.Event{}
	}
	v, _ := s.cfg.Tracker.View(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"changeset":   v,
		"events":      all,
		"event_count": len(all),
	})
}

func (s *Server) handleHandoffs(w http.ResponseWriter, r *http.Request) {
	handoffs := s.cfg.Tracker.RecentHandoffs(queryInt(r, "limit", 20))
	writeJSON(w, http.StatusOK, map[string]any{"handoffs": handoffs, "count": len(handoffs)})
}

// resolveSession returns the log session bound to cs: the recorded session
// id, else the main log whose mtime is closest to the start time.
func (s *Server) resolveSession(cs changeset.Changeset) (string, error) {
	if cs.SessionID != "" {
		return cs.SessionID, nil
	}
	info, err := s.cfg.Tailer.Locator().FindByTimestamp(cs.ProjectPath, cs.StartedAt, transcriptMatchWindow)
	if err != nil {
		return "", err
	}
	return info.SessionID, nil
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cs, ok := s.cfg.Tracker.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "changeset not found: %s", id)
		return
	}
	if cs.ProjectPath == "" {
		writeError(w, http.StatusBadRequest, "no project path for changeset %s", id)
		return
	}
	sessionID, err := s.resolveSession(cs)
	if err != nil {
		s.logger.Debug("watch: no transcript", "changeset_id", id, "error", err)
		audit.Record("changeset.watch", audit.OutcomeRejected, id, err.Error(), clientKey(r))
		writeError(w, http.StatusNotFound, "could not find transcript")
		return
	}
	if err := s.cfg.Tailer.Watch(id, cs.ProjectPath, sessionID); err != nil {
		audit.Record("changeset.watch", audit.OutcomeFailed, id, err.Error(), clientKey(r))
		if errors.Is(err, transcript.ErrTranscriptNotFound) || errors.Is(err, transcript.ErrTranscriptsDirNotFound) {
			writeError(w, http.StatusNotFound, "%v", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to start watching: %v", err)
		return
	}
	audit.Record("changeset.watch", audit.OutcomeOK, id, "session "+sessionID, clientKey(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "watching",
		"changeset_id": id,
		"session_id":   sessionID,
		"sse_clients":  s.cfg.Hub.ClientCount(),
	})
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status := "not_watching"
	if s.cfg.Tailer.Unwatch(id) {
		status = "unwatched"
	}
	audit.Record("changeset.unwatch", audit.OutcomeOK, id, status, clientKey(r))
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "changeset_id": id})
}

// handleTranscript returns the full conversation of the changeset's session.
// Query: include_subagents (default true), merge_timeline (default false).
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cs, ok := s.cfg.Tracker.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "changeset not found: %s", id)
		return
	}
	if cs.ProjectPath == "" {
		writeError(w, http.StatusNotFound, "no project path for changeset %s", id)
		return
	}
	includeSubagents := queryBool(r, "include_subagents", true)
	mergeTimeline := queryBool(r, "merge_timeline", false)

	conv := transcript.Conversation{Main: []transcript.Message{}, Subagents: map[string][]transcript.Message{}}
	if sessionID, err := s.resolveSession(cs); err == nil {
		conv, err = transcript.ReadConversation(s.cfg.Tailer.Locator(), cs.ProjectPath, sessionID, s.cfg.Tailer.ToolResultLimit())
		if err != nil && !errors.Is(err, transcript.ErrTranscriptsDirNotFound) {
			writeError(w, http.StatusInternalServerError, "%v", err)
			return
		}
	}
	if !includeSubagents {
		conv.Subagents = map[string][]transcript.Message{}
	}

	childIDs := make([]string, 0, len(conv.Subagents))
	for aid := range conv.Subagents {
		childIDs = append(childIDs, aid)
	}
	slices.Sort(childIDs)

	var session any
	if conv.SessionID != "" {
		session = conv.SessionID
	}
	resp := map[string]any{
		"changeset_id":   id,
		"session_id":     session,
		"project_path":   cs.ProjectPath,
		"messages":       conv.Main,
		"subagents":      conv.Subagents,
		"message_count":  len(conv.Main),
		"subagent_count": len(conv.Subagents),
		"agent_metadata": transcript.ExtractAgentTypes(conv.Main, childIDs),
	}
	if mergeTimeline && includeSubagents {
		resp["merged_timeline"] = conv.Timeline()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ex, ok := s.cfg.Tailer.Tasks(id)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"changeset_id": id,
			"watching":     false,
			"tasks":        []tasks.Task{},
			"stats":        tasks.Stats{},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changeset_id": id,
		"watching":     true,
		"tasks":        ex.Tasks(),
		"stats":        ex.Stats(),
	})
}

type transcriptListing struct {
	SessionID   string    `json:"session_id"`
	ProjectPath string    `json:"project_path"`
	Modified    time.Time `json:"modified"`
	Size        int64     `json:"size"`
}

// handleListTranscripts lists the most recent main logs of every tracked
// project, newest first. Query: limit per project (default 10).
func (s *Server) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)
	out := []transcriptListing{}
	for _, p := range s.cfg.Tracker.ProjectPaths() {
		recent, err := s.cfg.Tailer.Locator().Recent(p, limit)
		if err != nil {
			continue
		}
		for _, t := range recent {
			out = append(out, transcriptListing{SessionID: t.SessionID, ProjectPath: p, Modified: t.Modified, Size: t.Size})
		}
	}
	slices.SortStableFunc(out, func(a, b transcriptListing) int { return b.Modified.Compare(a.Modified) })
	if len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": out, "count": len(out)})
}
