// Package transcript reads and tails the append-only JSONL conversation logs
// written for each session, including the child logs of delegated agents.
package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/crewdash/internal/tasks"
)

// DefaultToolResultLimit is the rune count past which tool_result content
// is truncated.
const DefaultToolResultLimit = 2000

const truncatedSuffix = "... [truncated]"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one surfaced user or assistant record.
type Message struct {
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	Role      Role             `json:"role"`
	SessionID string           `json:"session_id"`
	AgentID   string           `json:"agent_id,omitempty"`
	Text      string           `json:"text"`
	ToolCalls []tasks.ToolCall `json:"tool_calls"`
	Content   []map[string]any `json:"content"`
}

type record struct {
	Type      string `json:"type"`
	UUID      string `json:"uuid"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	Message   struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// ParseLine decodes one log line. It returns ok=false without error for
// records that are valid but not surfaced: other types such as progress,
// and messages with neither text nor tool calls.
func ParseLine(line []byte, toolResultLimit int) (Message, bool, error) {
	if toolResultLimit <= 0 {
		toolResultLimit = DefaultToolResultLimit
	}
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Message{}, false, fmt.Errorf("decode line: %w", err)
	}
	role := Role(rec.Type)
	if role != RoleUser && role != RoleAssistant {
		return Message{}, false, nil
	}

	msg := Message{
		ID:        rec.UUID,
		Timestamp: parseTimestamp(rec.Timestamp),
		Role:      role,
		SessionID: rec.SessionID,
		AgentID:   rec.AgentID,
		ToolCalls: []tasks.ToolCall{},
		Content:   []map[string]any{},
	}

	raw := bytes.TrimSpace(rec.Message.Content)
	if len(raw) > 0 && raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return Message{}, false, fmt.Errorf("decode content: %w", err)
		}
		msg.Text = text
		msg.Content = append(msg.Content, map[string]any{"type": "text", "text": text})
		return msg, true, nil
	}

	var blocks []json.RawMessage
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return Message{}, false, fmt.Errorf("decode content blocks: %w", err)
		}
	}
	var texts []string
	for _, rb := range blocks {
		var block map[string]any
		if json.Unmarshal(rb, &block) != nil || block == nil {
			continue
		}
		switch block["type"] {
		case "text":
			if t, _ := block["text"].(string); t != "" {
				texts = append(texts, t)
				msg.Content = append(msg.Content, block)
			}
		case "tool_use":
			call := tasks.ToolCall{}
			call.ID, _ = block["id"].(string)
			call.Name, _ = block["name"].(string)
			call.Input, _ = block["input"].(map[string]any)
			if call.Input == nil {
				call.Input = map[string]any{}
			}
			msg.ToolCalls = append(msg.ToolCalls, call)
			msg.Content = append(msg.Content, block)
		case "tool_result":
			if s, ok := block["content"].(string); ok {
				block["content"] = truncate(s, toolResultLimit)
			}
			msg.Content = append(msg.Content, block)
		}
	}
	if len(texts) == 0 && len(msg.ToolCalls) == 0 {
		return Message{}, false, nil
	}
	msg.Text = strings.Join(texts, "\n")
	return msg, true, nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + truncatedSuffix
		}
		n++
	}
	return s
}

// parseTimestamp accepts RFC 3339 with or without a zone. Unparseable
// values fall back to now.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now()
}

// ReadTranscript parses a whole log file with the same filter the tailer
// applies. Malformed lines are skipped.
func ReadTranscript(path string, toolResultLimit int) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var out []Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, ok, err := ParseLine(line, toolResultLimit)
		if err != nil || !ok {
			continue
		}
		out = append(out, msg)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read transcript: %w", err)
	}
	return out, nil
}
