package changeset

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/crewdash/internal/cron"
	"github.com/basket/crewdash/internal/hub"
	"github.com/basket/crewdash/internal/otel"
)

// Broadcaster delivers a payload to every live subscriber.
type Broadcaster interface {
	Broadcast(data any, eventType string) int
}

// ReconcilerConfig wires a Reconciler.
type ReconcilerConfig struct {
	Tracker     *Tracker
	Broadcaster Broadcaster
	Logger      *slog.Logger
	Metrics     *otel.Metrics
	Tracer      trace.Tracer
	// Discover, when set, is called before each periodic pass; returned
	// paths not yet tracked are added to the tracker and passed to OnNewPath.
	Discover  func() []string
	OnNewPath func(path string)
}

// Reconciler rescans the tracker and broadcasts what changed since the last
// pass. Changesets that disappear from disk are not reported; deletion is
// signalled only by a watcher event or an explicit Delete.
type Reconciler struct {
	tracker   *Tracker
	out       Broadcaster
	logger    *slog.Logger
	metrics   *otel.Metrics
	tracer    trace.Tracer
	discover  func() []string
	onNewPath func(string)

	mu   sync.Mutex
	last map[string]Snapshot
}

// NewReconciler captures the tracker's current state as the baseline, so
// only later changes are reported.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Reconciler{
		tracker:   cfg.Tracker,
		out:       cfg.Broadcaster,
		logger:    logger.With("component", "reconciler"),
		metrics:   cfg.Metrics,
		tracer:    tracer,
		discover:  cfg.Discover,
		onNewPath: cfg.OnNewPath,
		last:      cfg.Tracker.Snapshots(),
	}
}

// Result summarizes one reconcile pass.
type Result struct {
	Total   int `json:"total"`
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Reconcile rescans disk and broadcasts changeset_created for new ids and
// changeset_updated for ids whose snapshot changed.
func (r *Reconciler) Reconcile(ctx context.Context) Result {
	ctx, span := otel.StartSpan(ctx, r.tracer, "changeset.scan")
	defer span.End()
	start := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.tracker.Scan(ctx); err != nil {
		r.logger.Debug("reconcile abandoned", "error", err)
		return Result{}
	}
	current := r.tracker.Snapshots()

	var res Result
	res.Total = len(current)
	for id, snap := range current {
		prev, seen := r.last[id]
		if !seen {
			if r.broadcastCreated(id) {
				res.Created++
			}
			continue
		}
		changes := Diff(prev, snap)
		if len(changes) == 0 {
			continue
		}
		if r.broadcastUpdated(id, changes) {
			res.Updated++
		}
	}
	r.last = current

	span.SetAttributes(otel.AttrFound.Int(res.Total))
	if r.metrics != nil {
		r.metrics.ScanDuration.Record(ctx, time.Since(start).Seconds())
	}
	if res.Created > 0 || res.Updated > 0 {
		r.logger.Info("reconciled", "total", res.Total, "created", res.Created, "updated", res.Updated)
	}
	return res
}

// HandleFileEvent is the DirWatcher callback.
func (r *Reconciler) HandleFileEvent(ev FileEvent) {
	switch ev.Op {
	case OpCreated, OpModified:
		r.mu.Lock()
		defer r.mu.Unlock()
		r.tracker.Scan(context.Background())
		snap, ok := r.tracker.Snapshots()[ev.ChangesetID]
		if !ok {
			return
		}
		if ev.Op == OpCreated {
			r.broadcastCreated(ev.ChangesetID)
		} else {
			r.broadcastUpdated(ev.ChangesetID, map[string]any{"modified": true})
		}
		r.last[ev.ChangesetID] = snap
	case OpDeleted:
		r.Delete(ev.ChangesetID)
	}
}

// Delete removes id from the tracker and broadcasts changeset_deleted. The
// broadcast is sent even when id was unknown.
func (r *Reconciler) Delete(id string) bool {
	r.mu.Lock()
	existed := r.tracker.Delete(id)
	delete(r.last, id)
	r.mu.Unlock()

	if r.out != nil {
		r.out.Broadcast(map[string]any{"changeset_id": id}, hub.TypeChangesetDeleted)
	}
	return existed
}

// DiscoverPaths runs project discovery and adds unseen paths.
func (r *Reconciler) DiscoverPaths() []string {
	if r.discover == nil {
		return nil
	}
	var added []string
	for _, p := range r.discover() {
		if r.tracker.AddProjectPath(p) {
			added = append(added, p)
			r.logger.Info("discovered project path", "path", p)
			if r.onNewPath != nil {
				r.onNewPath(p)
			}
		}
	}
	return added
}

// Job returns the periodic reconcile job for the cron scheduler.
func (r *Reconciler) Job(spec string) cron.Job {
	return cron.Job{
		Name: "reconcile",
		Spec: spec,
		Run: func(ctx context.Context) {
			r.DiscoverPaths()
			r.Reconcile(ctx)
		},
	}
}

func (r *Reconciler) broadcastCreated(id string) bool {
	v, err := r.tracker.View(id)
	if err != nil || r.out == nil {
		return err == nil
	}
	r.out.Broadcast(map[string]any{
		"changeset_id":     id,
		"started_at":       v.StartedAt,
		"phase":            v.Phase,
		"domains_involved": v.DomainsInvolved,
		"full_changeset":   v,
	}, hub.TypeChangesetCreated)
	return true
}

func (r *Reconciler) broadcastUpdated(id string, changes map[string]any) bool {
	v, err := r.tracker.View(id)
	if err != nil || r.out == nil {
		return err == nil
	}
	r.out.Broadcast(map[string]any{
		"changeset_id":   id,
		"changes":        changes,
		"full_changeset": v,
	}, hub.TypeChangesetUpdated)
	return true
}
