package changeset

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const (
	defaultSourceDomain = "pm"
	defaultTargetDomain = "unknown"
)

// handoffFields is the normalized endpoint data of a handoff file.
type handoffFields struct {
	SourceDomain string
	TargetDomain string
	SourceAgent  string
	TargetAgent  string
}

// fillFrom copies every field of o into the empty fields of f.
func (f *handoffFields) fillFrom(o handoffFields) {
	first := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	first(&f.SourceDomain, o.SourceDomain)
	first(&f.TargetDomain, o.TargetDomain)
	first(&f.SourceAgent, o.SourceAgent)
	first(&f.TargetAgent, o.TargetAgent)
}

// shapeDecoder extracts whatever endpoint fields one historical handoff
// layout carries.
type shapeDecoder struct {
	name   string
	decode func(raw map[string]any) handoffFields
}

// handoffShapes is consulted in order; the first non-empty value of each
// field wins.
var handoffShapes = []shapeDecoder{
	{name: "flat", decode: func(raw map[string]any) handoffFields {
		return handoffFields{
			SourceDomain: str(raw["source_domain"]),
			TargetDomain: str(raw["target_domain"]),
			SourceAgent:  str(raw["source_agent"]),
			TargetAgent:  str(raw["target_agent"]),
		}
	}},
	{name: "nested", decode: func(raw map[string]any) handoffFields {
		src, _ := raw["source"].(map[string]any)
		dst, _ := raw["target"].(map[string]any)
		return handoffFields{
			SourceDomain: str(src["plugin"]),
			TargetDomain: str(dst["plugin"]),
			SourceAgent:  str(src["skill"]),
			TargetAgent:  str(dst["skill"]),
		}
	}},
	{name: "legacy", decode: func(raw map[string]any) handoffFields {
		return handoffFields{
			SourceDomain: str(raw["from_domain"]),
			TargetDomain: str(raw["to_domain"]),
		}
	}},
}

func normalizeHandoffFields(raw map[string]any) handoffFields {
	var f handoffFields
	for _, shape := range handoffShapes {
		f.fillFrom(shape.decode(raw))
	}
	if f.SourceDomain == "" {
		f.SourceDomain = defaultSourceDomain
	}
	if f.TargetDomain == "" {
		f.TargetDomain = defaultTargetDomain
	}
	return f
}

// readHandoffFile decodes one handoff_*.json file. dirID is the changeset
// directory name.
func readHandoffFile(path, name, dirID string) (Handoff, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Handoff{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Handoff{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Handoff{}, fmt.Errorf("parse handoff: %w", err)
	}
	if raw == nil {
		return Handoff{}, fmt.Errorf("parse handoff: not an object")
	}
	return decodeHandoff(raw, name, dirID, info.ModTime())
}

func decodeHandoff(raw map[string]any, name, dirID string, modTime time.Time) (Handoff, error) {
	f := normalizeHandoffFields(raw)
	h := Handoff{
		ID:           str(raw["id"]),
		Timestamp:    modTime,
		ChangesetID:  str(raw["session_id"]),
		SourceDomain: f.SourceDomain,
		TargetDomain: f.TargetDomain,
		SourceAgent:  f.SourceAgent,
		TargetAgent:  f.TargetAgent,
		Status:       HandoffStatus(str(raw["status"])),
	}
	if h.ID == "" {
		h.ID = name
	}
	if h.ChangesetID == "" {
		h.ChangesetID = dirID
	}
	if h.Status == "" {
		h.Status = HandoffCompleted
	}
	if ts := str(raw["timestamp"]); ts != "" {
		t, err := parseTimestamp(ts)
		if err != nil {
			return Handoff{}, fmt.Errorf("parse handoff timestamp %q: %w", ts, err)
		}
		h.Timestamp = t
	}
	if ctx, ok := raw["context"].(map[string]any); ok {
		h.Context = ctx
	} else {
		h.Context = map[string]any{}
	}
	return h, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
