package transcript

import (
	"errors"
	"io/fs"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// SourceMain labels messages from the session's main log.
const SourceMain = "main"

// Conversation is a session's main log plus its child logs keyed by agent id.
type Conversation struct {
	SessionID string               `json:"session_id"`
	Main      []Message            `json:"main"`
	Subagents map[string][]Message `json:"subagents"`
}

// ReadConversation reads the main log of sessionID and every child log.
// A missing main log yields an empty Main rather than an error.
func ReadConversation(loc *Locator, projectPath, sessionID string, toolResultLimit int) (Conversation, error) {
	conv := Conversation{SessionID: sessionID, Main: []Message{}, Subagents: map[string][]Message{}}
	dir, err := loc.Dir(projectPath)
	if err != nil {
		return conv, err
	}
	main, err := ReadTranscript(filepath.Join(dir, sessionID+logExt), toolResultLimit)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return conv, err
	}
	if main != nil {
		conv.Main = main
	}
	children, _ := listChildren(filepath.Join(dir, sessionID, childDirName))
	for id, path := range children {
		msgs, err := ReadTranscript(path, toolResultLimit)
		if err != nil {
			continue
		}
		conv.Subagents[id] = msgs
	}
	return conv, nil
}

// TimelineEntry is one message tagged with the log it came from.
type TimelineEntry struct {
	Message   Message   `json:"message"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// MergeChronologically interleaves main and child messages by timestamp.
// Equal timestamps keep main first, then children in agent id order, each
// in file order.
func MergeChronologically(main []Message, children map[string][]Message) []TimelineEntry {
	out := make([]TimelineEntry, 0, len(main))
	for _, m := range main {
		out = append(out, TimelineEntry{Message: m, Source: SourceMain, Timestamp: m.Timestamp})
	}
	for _, id := range slices.Sorted(maps.Keys(children)) {
		for _, m := range children[id] {
			out = append(out, TimelineEntry{Message: m, Source: id, Timestamp: m.Timestamp})
		}
	}
	slices.SortStableFunc(out, func(a, b TimelineEntry) int { return a.Timestamp.Compare(b.Timestamp) })
	return out
}

// Timeline merges the conversation's logs.
func (c Conversation) Timeline() []TimelineEntry {
	return MergeChronologically(c.Main, c.Subagents)
}

// AgentType describes the delegated agent behind a child log.
type AgentType struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Domain      string `json:"domain,omitempty"`
	Description string `json:"description"`
}

// ExtractAgentTypes pairs Task tool calls in the main log, in order, with
// childIDs in the given order. A subagent_type of "domain:name" is split.
func ExtractAgentTypes(main []Message, childIDs []string) map[string]AgentType {
	var calls []AgentType
	for _, m := range main {
		if m.Role != RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.Name != "Task" {
				continue
			}
			typ, _ := tc.Input["subagent_type"].(string)
			desc, _ := tc.Input["description"].(string)
			at := AgentType{Type: typ, Name: typ, Description: desc}
			if domain, name, ok := strings.Cut(typ, ":"); ok {
				at.Domain, at.Name = domain, name
			}
			calls = append(calls, at)
		}
	}
	out := make(map[string]AgentType)
	for i, id := range childIDs {
		if i >= len(calls) {
			break
		}
		out[id] = calls[i]
	}
	return out
}
