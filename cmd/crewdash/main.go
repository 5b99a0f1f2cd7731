package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/crewdash/internal/audit"
	"github.com/basket/crewdash/internal/changeset"
	"github.com/basket/crewdash/internal/config"
	"github.com/basket/crewdash/internal/cron"
	"github.com/basket/crewdash/internal/events"
	"github.com/basket/crewdash/internal/gateway"
	"github.com/basket/crewdash/internal/hub"
	otelPkg "github.com/basket/crewdash/internal/otel"
	"github.com/basket/crewdash/internal/telemetry"
	"github.com/basket/crewdash/internal/transcript"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER:
  %s                          Start the dashboard server
  %s -daemon                  Start with JSON logs on stdout

SUBCOMMANDS:
  %s status                   Show server health (/healthz)
  %s doctor [-json]           Run diagnostic checks
  %s init [--force]           Write a starter config.yaml

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CREWDASH_HOME           Data directory (default: ~/.crewdash)
  CREWDASH_BIND_ADDR      Listen address (default: 127.0.0.1:5050)
  CREWDASH_PROJECT_PATHS  Extra project paths, separated by %q
  CREWDASH_CLAUDE_HOME    Conversation log root (default: ~/.claude)

EXAMPLES:
  Start the dashboard:    %s
  Check server health:    %s status
  Run diagnostics:        %s doctor
`, string(os.PathListSeparator), os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	daemon := flag.Bool("daemon", false, "log JSON to stdout instead of the startup banner")
	flag.Usage = printUsage
	flag.Parse()

	// On a terminal, logs go to the log file only and a short banner is printed.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd()) && !*daemon

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "init":
			os.Exit(runInitCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit opens before the logger so E_LOGGER_INIT failures are recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_missing", cfg.FileMissing)
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	// Initialize OpenTelemetry (no-op when disabled).
	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	cwd, _ := os.Getwd()
	projectPaths := cfg.ResolveProjectPaths(cwd)
	logger.Info("startup phase", "phase", "projects_resolved", "project_paths", projectPaths)

	h := hub.New(hub.Config{
		QueueSize:      cfg.ClientQueueSize,
		Heartbeat:      cfg.Heartbeat(),
		DebounceWindow: cfg.ActivityDebounce(),
		Logger:         logger,
		Metrics:        metrics,
	})

	store := events.New(cfg.MaxEvents, logger)
	store.AddListener(h.EventListener())
	store.OnStored(func() { metrics.EventsStored.Add(context.Background(), 1) })

	tracker := changeset.NewTracker(projectPaths, logger)
	tracker.Scan(ctx)
	logger.Info("startup phase", "phase", "changesets_loaded", "count", len(tracker.All()))

	// The watcher and reconciler reference each other through OnNewPath.
	var dirWatcher *changeset.DirWatcher
	reconciler := changeset.NewReconciler(changeset.ReconcilerConfig{
		Tracker:     tracker,
		Broadcaster: h,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      otelProvider.Tracer,
		Discover: func() []string {
			if !cfg.DiscoverProjects {
				return nil
			}
			return config.DiscoverProjectPaths(cwd, userHomeDir())
		},
		OnNewPath: func(p string) {
			if dirWatcher != nil {
				dirWatcher.AddProjectPath(p)
			}
		},
	})
	dirWatcher = changeset.NewDirWatcher(tracker.ProjectPaths(), reconciler.HandleFileEvent, cfg.WatchInterval(), logger)
	dirWatcher.SetMetrics(metrics)
	dirWatcher.Start(ctx)
	defer dirWatcher.Stop()

	cronSched, err := cron.NewScheduler(cron.Config{
		Jobs:   []cron.Job{reconciler.Job(cfg.RescanSchedule)},
		Logger: logger,
	})
	if err != nil {
		fatalStartup(logger, "E_RESCAN_SCHEDULE", err)
	}
	cronSched.Start(ctx)
	defer cronSched.Stop()

	tailer := transcript.NewTailer(transcript.Config{
		Locator:         transcript.NewLocator(cfg.ClaudeHome),
		Broadcaster:     h,
		Logger:          logger,
		Metrics:         metrics,
		Interval:        cfg.TailInterval(),
		ToolResultLimit: cfg.ToolResultLimit,
	})
	tailer.Start(ctx)
	defer tailer.Stop()
	logger.Info("startup phase", "phase", "watchers_started")

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for range confWatcher.Events() {
			applyConfigReload(ctx, logger, cwd, tracker, dirWatcher, reconciler)
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:             store,
		Hub:               h,
		Tracker:           tracker,
		Reconciler:        reconciler,
		Tailer:            tailer,
		CORS:              cfg.CORS,
		IngestRateLimit:   cfg.IngestRateLimit,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
	})
	gw.RateLimiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Push streams end when the process context is cancelled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	serverErr := make(chan error, 1)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "sse", "/api/stream", "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if quietLogs {
		fmt.Printf("crewdash %s listening on http://%s\n", Version, ln.Addr().String())
		fmt.Printf("  %d project paths, %d changesets; logs in %s\n", len(tracker.ProjectPaths()), len(tracker.All()), cfg.HomeDir)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
		_ = server.Close()
	}
	logger.Info("shutdown complete")
}

// applyConfigReload picks up project paths added to config.yaml. Other
// settings take effect on restart.
func applyConfigReload(ctx context.Context, logger *slog.Logger, cwd string, tracker *changeset.Tracker, w *changeset.DirWatcher, r *changeset.Reconciler) {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("config.yaml reload rejected; retaining previous config", "error", err)
		return
	}
	added := 0
	for _, p := range cfg.ResolveProjectPaths(cwd) {
		if tracker.AddProjectPath(p) {
			w.AddProjectPath(p)
			added++
		}
	}
	logger.Info("config.yaml hot-reloaded", "added_paths", added, "config_hash", cfg.Fingerprint())
	if added > 0 {
		r.Reconcile(ctx)
	}
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("runtime.startup", audit.OutcomeFatal, reasonCode, message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process (try `crewdash status`) or change bind_addr in config.yaml.", port)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	loadEnvFrom(f)
}

// loadEnvFrom sets KEY=VALUE pairs from r without overriding variables
// already present in the environment.
func loadEnvFrom(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
