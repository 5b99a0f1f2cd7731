// Command runtime_smoke checks a running crewdash end to end: it subscribes
// over /ws, ingests events over HTTP and waits for them to come back as
// push envelopes.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

type envelope struct {
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	Timestamp   float64         `json:"timestamp"`
	ClientCount int             `json:"client_count"`
}

func main() {
	base := flag.String("url", "http://127.0.0.1:5050", "crewdash base URL")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	changesetID := flag.String("changeset-id", "smoke-"+uuid.NewString()[:8], "changeset id used for ingested events")
	flag.Parse()

	baseURL := strings.TrimRight(strings.TrimSpace(*base), "/")
	wsURL, err := websocketURL(baseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid url: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	health, err := getJSON(ctx, baseURL+"/healthz")
	if err != nil {
		fatal("healthz", err)
	}
	if health["healthy"] != true {
		fatalf("healthz not healthy: %v", health)
	}
	fmt.Printf("CHECK healthz ok config_hash=%v\n", health["config_hash"])

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "runtime smoke done")

	hello, err := readEnvelope(ctx, conn)
	if err != nil {
		fatal("read connected", err)
	}
	if hello.Type != "connected" {
		fatalf("first envelope type %q, want connected", hello.Type)
	}
	fmt.Printf("CHECK connected client_count=%d\n", hello.ClientCount)

	resp, err := postJSON(ctx, baseURL+"/api/events", map[string]any{
		"changeset_id": *changesetID,
		"event_type":   "skill_invoked",
		"domain":       "smoke",
		"agent_id":     "runtime-smoke",
		"skill_id":     "ping",
		"content":      map[string]any{"note": "runtime smoke"},
	})
	if err != nil {
		fatal("ingest skill_invoked", err)
	}
	eventID, _ := resp["event_id"].(string)
	if eventID == "" {
		fatalf("ingest response missing event_id: %v", resp)
	}
	if err := waitFor(ctx, conn, func(env envelope) bool {
		id, err := extractField(env.Data, "id")
		return env.Type == "conversation_event" && err == nil && id == eventID
	}); err != nil {
		fatal("conversation_event", err)
	}
	fmt.Printf("CHECK conversation_event event_id=%s\n", eventID)

	resp, err = postJSON(ctx, baseURL+"/api/events", map[string]any{
		"changeset_id": *changesetID,
		"event_type":   "handoff_started",
		"domain":       "smoke",
		"handoff":      map[string]any{"source": "smoke", "target": "smoke-review"},
	})
	if err != nil {
		fatal("ingest handoff_started", err)
	}
	if err := waitFor(ctx, conn, func(env envelope) bool {
		target, err := extractField(env.Data, "target")
		return env.Type == "graph_handoff" && err == nil && target == "smoke-review"
	}); err != nil {
		fatal("graph_handoff", err)
	}
	fmt.Printf("CHECK graph_handoff handoff_id=%v\n", resp["handoff_id"])

	detail, err := getJSON(ctx, baseURL+"/api/changesets/"+url.PathEscape(*changesetID))
	if err != nil {
		fatal("get changeset", err)
	}
	if detail["phase"] != "handoff" {
		fatalf("changeset phase %v, want handoff", detail["phase"])
	}
	fmt.Println("CHECK changeset phase=handoff")

	fmt.Println("VERDICT PASS")
}

// websocketURL maps an http(s) base URL to its /ws endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func waitFor(ctx context.Context, conn *websocket.Conn, match func(envelope) bool) error {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return err
		}
		if match(env) {
			return nil
		}
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (envelope, error) {
	var env envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

func getJSON(ctx context.Context, target string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return doJSON(req)
}

func postJSON(ctx context.Context, target string, body any) (map[string]any, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(req)
}

func doJSON(req *http.Request) (map[string]any, error) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func extractField(raw json.RawMessage, field string) (string, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	val, ok := payload[field]
	if !ok {
		return "", fmt.Errorf("missing field %q", field)
	}
	asString, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("field %q is not string", field)
	}
	return asString, nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
