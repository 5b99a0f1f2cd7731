package transcript

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/basket/crewdash/internal/hub"
	"github.com/basket/crewdash/internal/otel"
	"github.com/basket/crewdash/internal/tasks"
)

const (
	defaultTailInterval = 500 * time.Millisecond
	tailerStopTimeout   = 2 * time.Second
)

// Broadcaster delivers a payload to every live subscriber.
type Broadcaster interface {
	Broadcast(data any, eventType string) int
}

// Config wires a Tailer. Zero values use the defaults.
type Config struct {
	Locator         *Locator
	Broadcaster     Broadcaster
	Logger          *slog.Logger
	Metrics         *otel.Metrics
	Interval        time.Duration
	ToolResultLimit int
}

type cursor struct {
	path   string
	offset int64
	shrunk bool
}

type watch struct {
	changesetID string
	projectPath string
	sessionID   string
	dir         string
	main        *cursor
	children    map[string]*cursor
	extractor   *tasks.Extractor
}

// Tailer follows the logs of watched changesets and broadcasts every new
// complete line exactly once.
type Tailer struct {
	loc     *Locator
	out     Broadcaster
	logger  *slog.Logger
	metrics *otel.Metrics
	every   time.Duration
	limit   int

	mu      sync.Mutex
	watches map[string]*watch

	// pollMu serialises passes; cursors are only touched under it.
	pollMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTailer creates a Tailer.
func NewTailer(cfg Config) *Tailer {
	if cfg.Locator == nil {
		cfg.Locator = NewLocator("")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultTailInterval
	}
	if cfg.ToolResultLimit <= 0 {
		cfg.ToolResultLimit = DefaultToolResultLimit
	}
	return &Tailer{
		loc:     cfg.Locator,
		out:     cfg.Broadcaster,
		logger:  cfg.Logger.With("component", "transcript_tailer"),
		metrics: cfg.Metrics,
		every:   cfg.Interval,
		limit:   cfg.ToolResultLimit,
		watches: make(map[string]*watch),
	}
}

// Locator returns the locator the tailer resolves logs with.
func (t *Tailer) Locator() *Locator { return t.loc }

// ToolResultLimit returns the truncation limit applied to tool results.
func (t *Tailer) ToolResultLimit() int { return t.limit }

// Watch starts following the logs of sessionID for changesetID, from their
// current end. Watching an id again replaces its registration.
func (t *Tailer) Watch(changesetID, projectPath, sessionID string) error {
	mainPath, err := t.loc.FindBySession(projectPath, sessionID)
	if err != nil {
		t.logger.Debug("watch failed", "changeset_id", changesetID, "session_id", sessionID, "error", err)
		return err
	}
	info, err := os.Stat(mainPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTranscriptNotFound, err)
	}
	w := &watch{
		changesetID: changesetID,
		projectPath: projectPath,
		sessionID:   sessionID,
		dir:         filepath.Dir(mainPath),
		main:        &cursor{path: mainPath, offset: info.Size()},
		children:    make(map[string]*cursor),
		extractor:   tasks.New(),
	}
	children, _ := listChildren(w.childDir())
	for id, path := range children {
		var size int64
		if ci, err := os.Stat(path); err == nil {
			size = ci.Size()
		}
		w.children[id] = &cursor{path: path, offset: size}
	}

	t.mu.Lock()
	t.watches[changesetID] = w
	n := len(t.watches)
	t.mu.Unlock()

	t.logger.Info("watching transcript",
		"changeset_id", changesetID,
		"session_id", sessionID,
		"offset", w.main.offset,
		"children", len(w.children),
		"watches", n,
	)
	return nil
}

// Unwatch stops following changesetID. It reports whether a watch existed.
func (t *Tailer) Unwatch(changesetID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.watches[changesetID]; !ok {
		return false
	}
	delete(t.watches, changesetID)
	return true
}

// Watched returns the watched changeset ids, sorted.
func (t *Tailer) Watched() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.watches))
	for id := range t.watches {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// IsWatching reports whether changesetID is watched.
func (t *Tailer) IsWatching(changesetID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.watches[changesetID]
	return ok
}

// SessionID returns the session a watched changeset is bound to.
func (t *Tailer) SessionID(changesetID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.watches[changesetID]
	if !ok {
		return "", false
	}
	return w.sessionID, true
}

// Tasks returns the task extractor of a watched changeset.
func (t *Tailer) Tasks(changesetID string) (*tasks.Extractor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.watches[changesetID]
	if !ok {
		return nil, false
	}
	return w.extractor, true
}

// Start polls every interval until ctx is cancelled or Stop is called.
func (t *Tailer) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.loop(ctx)
	t.logger.Info("transcript tailer started", "interval", t.every)
}

// Stop cancels the loop and waits up to two seconds for it to exit.
func (t *Tailer) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(tailerStopTimeout):
		t.logger.Warn("transcript tailer did not stop in time")
	}
}

func (t *Tailer) loop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Poll()
		}
	}
}

// Poll runs one pass over every watch.
func (t *Tailer) Poll() {
	t.pollMu.Lock()
	defer t.pollMu.Unlock()

	t.mu.Lock()
	list := make([]*watch, 0, len(t.watches))
	for _, w := range t.watches {
		list = append(list, w)
	}
	t.mu.Unlock()
	slices.SortFunc(list, func(a, b *watch) int {
		if a.changesetID < b.changesetID {
			return -1
		}
		if a.changesetID > b.changesetID {
			return 1
		}
		return 0
	})

	for _, w := range list {
		if !t.current(w) {
			continue
		}
		t.pollWatch(w)
	}
}

// current reports whether w is still the registered watch for its id.
func (t *Tailer) current(w *watch) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watches[w.changesetID] == w
}

func (t *Tailer) pollWatch(w *watch) {
	for _, line := range t.readNew(w.main) {
		t.handleLine(w, SourceMain, line)
	}

	if found, err := listChildren(w.childDir()); err == nil {
		for id, path := range found {
			if _, ok := w.children[id]; !ok {
				w.children[id] = &cursor{path: path}
				t.logger.Debug("child transcript discovered", "changeset_id", w.changesetID, "agent_id", id)
			}
		}
	}
	ids := make([]string, 0, len(w.children))
	for id := range w.children {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		for _, line := range t.readNew(w.children[id]) {
			t.handleLine(w, id, line)
		}
	}
}

// readNew returns the complete lines in [offset, size) and advances the
// offset past the last newline. A trailing partial line stays unread.
func (t *Tailer) readNew(c *cursor) [][]byte {
	info, err := os.Stat(c.path)
	if err != nil {
		return nil
	}
	size := info.Size()
	if size < c.offset {
		if !c.shrunk {
			t.logger.Warn("transcript shrank; keeping offset", "path", c.path, "offset", c.offset, "size", size)
			c.shrunk = true
		}
		return nil
	}
	c.shrunk = false
	if size == c.offset {
		return nil
	}

	f, err := os.Open(c.path)
	if err != nil {
		t.logger.Warn("open transcript", "path", c.path, "error", err)
		return nil
	}
	defer f.Close()

	buf := make([]byte, size-c.offset)
	n, err := io.ReadFull(io.NewSectionReader(f, c.offset, size-c.offset), buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		t.logger.Warn("read transcript", "path", c.path, "error", err)
		return nil
	}
	buf = buf[:n]
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		return nil
	}
	c.offset += int64(end + 1)

	var lines [][]byte
	for _, line := range bytes.Split(buf[:end], []byte{'\n'}) {
		if line = bytes.TrimSpace(line); len(line) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}

func (t *Tailer) handleLine(w *watch, source string, line []byte) {
	ctx := context.Background()
	if t.metrics != nil {
		t.metrics.TranscriptLines.Add(ctx, 1)
	}
	msg, ok, err := ParseLine(line, t.limit)
	if err != nil || !ok {
		if err != nil {
			t.logger.Debug("skipping transcript line", "changeset_id", w.changesetID, "source", source, "error", err)
		}
		if t.metrics != nil {
			t.metrics.TranscriptSkipped.Add(ctx, 1)
		}
		return
	}
	if t.out == nil {
		return
	}
	t.out.Broadcast(map[string]any{
		"changeset_id": w.changesetID,
		"session_id":   w.sessionID,
		"source":       source,
		"message":      msg,
		"timestamp":    msg.Timestamp.Format(time.RFC3339Nano),
	}, hub.TypeTranscriptMessage)

	for _, call := range msg.ToolCalls {
		change, ok := w.extractor.Process(call)
		if !ok {
			continue
		}
		t.logger.Debug("task state change", "changeset_id", w.changesetID, "event", change.Event, "task_id", change.Task.ID)
		t.out.Broadcast(map[string]any{
			"event":        change.Event,
			"task":         change.Task,
			"changeset_id": w.changesetID,
			"session_id":   w.sessionID,
		}, hub.TypeTaskStateChange)
	}
}

func (w *watch) childDir() string {
	return filepath.Join(w.dir, w.sessionID, childDirName)
}
