package changeset

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed manifest.schema.json
var manifestSchemaJSON string

var compileManifestSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal manifest schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add manifest schema: %w", err)
	}
	return c.Compile("manifest.schema.json")
})

// manifestArtifact is one artifacts[] entry, written either as
// {"name": "..."} or as a bare name.
type manifestArtifact struct {
	Name string `json:"name"`
}

func (a *manifestArtifact) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		a.Name = name
		return nil
	}
	type plain manifestArtifact
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = manifestArtifact(p)
	return nil
}

type manifestDecision struct {
	ID        string `json:"id"`
	Domain    string `json:"domain"`
	Decision  any    `json:"decision"`
	Rationale any    `json:"rationale"`
}

// manifest is the decoded changeset.json.
type manifest struct {
	ChangesetID     string              `json:"changeset_id"`
	Phase           string              `json:"phase"`
	CurrentPhase    string              `json:"current_phase"`
	CurrentDomain   string              `json:"current_domain"`
	DomainsInvolved []string            `json:"domains_involved"`
	OriginalRequest string              `json:"original_request"`
	HandoffCount    int                 `json:"handoff_count"`
	SessionID       string              `json:"session_id"`
	StartedAt       string              `json:"started_at"`
	Artifacts       []manifestArtifact  `json:"artifacts"`
	Decisions       []*manifestDecision `json:"decisions"`
}

func (m manifest) phase() Phase {
	switch {
	case m.CurrentPhase != "":
		return Phase(m.CurrentPhase)
	case m.Phase != "":
		return Phase(m.Phase)
	default:
		return PhaseActive
	}
}

// decodeManifest validates data against the manifest schema and decodes it.
// A null field decodes to its zero value.
func decodeManifest(data []byte) (manifest, error) {
	schema, err := compileManifestSchema()
	if err != nil {
		return manifest{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return manifest{}, fmt.Errorf("validate manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// ValidateManifest reports whether data is a changeset.json the tracker
// would accept.
func ValidateManifest(data []byte) error {
	_, err := decodeManifest(data)
	return err
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339 and zone-less ISO 8601 timestamps, the
// latter interpreted as local time.
func parseTimestamp(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
