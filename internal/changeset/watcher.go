package changeset

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/basket/crewdash/internal/otel"
)

const (
	defaultWatchInterval = 500 * time.Millisecond
	watcherStopTimeout   = 2 * time.Second
)

type FileOp string

const (
	OpCreated  FileOp = "created"
	OpModified FileOp = "modified"
	OpDeleted  FileOp = "deleted"
)

// FileEvent reports a change to one changeset.json.
type FileEvent struct {
	ChangesetID  string `json:"changeset_id"`
	ProjectPath  string `json:"project_path"`
	ManifestPath string `json:"changeset_file"`
	Op           FileOp `json:"event_type"`
}

type trackedFile struct {
	changesetID string
	project     string
	modTime     time.Time
}

// DirWatcher polls project paths for changeset.json files and reports
// creation, modification (mtime increase), and deletion. Only file metadata
// is read.
type DirWatcher struct {
	interval time.Duration
	onEvent  func(FileEvent)
	logger   *slog.Logger
	metrics  *otel.Metrics

	mu    sync.Mutex
	paths []string
	files map[string]trackedFile

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDirWatcher creates a watcher. A non-positive interval uses 500ms.
func NewDirWatcher(paths []string, onEvent func(FileEvent), interval time.Duration, logger *slog.Logger) *DirWatcher {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &DirWatcher{
		interval: interval,
		onEvent:  onEvent,
		logger:   logger.With("component", "changeset_watcher"),
		files:    make(map[string]trackedFile),
	}
	for _, p := range paths {
		w.AddProjectPath(p)
	}
	return w
}

// SetMetrics attaches instruments. Call before Start.
func (w *DirWatcher) SetMetrics(m *otel.Metrics) { w.metrics = m }

// AddProjectPath starts watching p on the next poll. Manifests already
// present under p are reported as created.
func (w *DirWatcher) AddProjectPath(p string) bool {
	p = filepath.Clean(p)
	w.mu.Lock()
	defer w.mu.Unlock()
	if slices.Contains(w.paths, p) {
		return false
	}
	w.paths = append(w.paths, p)
	return true
}

// Start records the manifests that already exist without reporting them,
// then polls until ctx is cancelled or Stop is called.
func (w *DirWatcher) Start(ctx context.Context) {
	w.prime()
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("changeset watcher started", "interval", w.interval, "paths", len(w.paths))
}

// Stop cancels the loop and waits up to two seconds for it to exit.
func (w *DirWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(watcherStopTimeout):
		w.logger.Warn("changeset watcher did not stop in time")
	}
}

func (w *DirWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll()
		}
	}
}

func (w *DirWatcher) prime() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, f := range w.listLocked() {
		w.files[path] = f
	}
}

// Poll runs one detection pass and delivers the resulting events.
func (w *DirWatcher) Poll() {
	w.mu.Lock()
	current := w.listLocked()
	var out []FileEvent
	for path, f := range current {
		prev, known := w.files[path]
		switch {
		case !known:
			out = append(out, FileEvent{ChangesetID: f.changesetID, ProjectPath: f.project, ManifestPath: path, Op: OpCreated})
		case f.modTime.After(prev.modTime):
			out = append(out, FileEvent{ChangesetID: f.changesetID, ProjectPath: f.project, ManifestPath: path, Op: OpModified})
		default:
			continue
		}
		w.files[path] = f
	}
	for path, f := range w.files {
		if _, ok := current[path]; !ok {
			delete(w.files, path)
			out = append(out, FileEvent{ChangesetID: f.changesetID, ProjectPath: f.project, ManifestPath: path, Op: OpDeleted})
		}
	}
	w.mu.Unlock()

	// Map iteration order is random; report in a stable order.
	slices.SortFunc(out, func(a, b FileEvent) int {
		if a.ManifestPath < b.ManifestPath {
			return -1
		}
		if a.ManifestPath > b.ManifestPath {
			return 1
		}
		return 0
	})
	for _, ev := range out {
		w.notify(ev)
	}
}

// listLocked stats every <project>/.claude/changesets/*/changeset.json.
func (w *DirWatcher) listLocked() map[string]trackedFile {
	found := make(map[string]trackedFile)
	for _, project := range w.paths {
		root := ChangesetsDir(project)
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(root, e.Name(), ManifestName)
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			found[path] = trackedFile{changesetID: e.Name(), project: project, modTime: info.ModTime()}
		}
	}
	return found
}

func (w *DirWatcher) notify(ev FileEvent) {
	if w.metrics != nil {
		w.metrics.WatcherNotifications.Add(context.Background(), 1)
	}
	w.logger.Info("changeset file event", "changeset_id", ev.ChangesetID, "op", ev.Op)
	if w.onEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("changeset watcher callback panicked", "changeset_id", ev.ChangesetID, "panic", r)
		}
	}()
	w.onEvent(ev)
}
