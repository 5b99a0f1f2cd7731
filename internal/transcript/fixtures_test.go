package transcript

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

const testProject = "/work/proj"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHome creates a claude home with an empty log dir for testProject.
func newHome(t *testing.T) (string, string) {
	t.Helper()
	home := t.TempDir()
	dir := filepath.Join(home, "projects", EscapeProjectPath(testProject))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return home, dir
}

func appendFile(t *testing.T, path, s string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(s); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func assistantLine(text string) string {
	return fmt.Sprintf(`{"type":"assistant","uuid":"u-%s","timestamp":"2026-01-02T03:04:05Z","sessionId":"s1","message":{"content":[{"type":"text","text":%q}]}}`+"\n", text, text)
}

type sent struct {
	Type string
	Data map[string]any
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recorder) Broadcast(data any, eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, _ := data.(map[string]any)
	r.msgs = append(r.msgs, sent{Type: eventType, Data: m})
	return 1
}

func (r *recorder) take() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

// texts returns the message text of every transcript_message in msgs.
func texts(msgs []sent) []string {
	var out []string
	for _, m := range msgs {
		if msg, ok := m.Data["message"].(Message); ok {
			out = append(out, msg.Text)
		}
	}
	return out
}
