package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/crewdash/internal/changeset"
	"github.com/basket/crewdash/internal/config"
	"github.com/basket/crewdash/internal/cron"
	"github.com/basket/crewdash/internal/transcript"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. cwd seeds project discovery.
func Run(ctx context.Context, cfg *config.Config, cwd, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	var paths []string
	if cfg != nil {
		paths = cfg.ResolveProjectPaths(cwd)
	}

	d.Results = append(d.Results,
		checkConfig(cfg),
		checkPermissions(cfg),
		checkSchedule(cfg),
		checkProjects(paths),
		checkTranscripts(cfg, paths),
		checkListener(ctx, cfg),
	)
	return d
}

func checkConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.FileMissing {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, using defaults",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkSchedule(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Rescan Schedule", Status: StatusSkip, Message: "Config missing"}
	}
	if err := cron.ValidateSpec(cfg.RescanSchedule); err != nil {
		return CheckResult{Name: "Rescan Schedule", Status: StatusFail, Message: err.Error()}
	}
	next, _ := cron.NextRunTime(cfg.RescanSchedule, time.Now())
	return CheckResult{Name: "Rescan Schedule", Status: StatusPass,
		Message: fmt.Sprintf("%q next fires %s", cfg.RescanSchedule, next.Format(time.RFC3339))}
}

// checkProjects counts changeset manifests under each project path and
// validates them against the manifest schema.
func checkProjects(paths []string) CheckResult {
	if len(paths) == 0 {
		return CheckResult{
			Name:    "Projects",
			Status:  StatusWarn,
			Message: "No project paths configured or discovered",
			Detail:  "Add project_paths to config.yaml or run from a directory containing .claude/changesets",
		}
	}

	var details []string
	total, invalid := 0, 0
	for _, p := range paths {
		manifests, _ := filepath.Glob(filepath.Join(changeset.ChangesetsDir(p), "*", changeset.ManifestName))
		bad := 0
		for _, m := range manifests {
			data, err := os.ReadFile(m)
			if err == nil {
				err = changeset.ValidateManifest(data)
			}
			if err != nil {
				bad++
				details = append(details, fmt.Sprintf("%s: %v", m, err))
			}
		}
		total += len(manifests)
		invalid += bad
		details = append(details, fmt.Sprintf("%s: %d changesets", p, len(manifests)))
	}

	status := StatusPass
	if invalid > 0 {
		status = StatusWarn
	}
	return CheckResult{
		Name:    "Projects",
		Status:  status,
		Message: fmt.Sprintf("%d project paths, %d changesets, %d invalid", len(paths), total, invalid),
		Detail:  strings.Join(details, "; "),
	}
}

func checkTranscripts(cfg *config.Config, paths []string) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Transcripts", Status: StatusSkip, Message: "Config missing"}
	}
	if len(paths) == 0 {
		return CheckResult{Name: "Transcripts", Status: StatusSkip, Message: "No project paths"}
	}

	loc := transcript.NewLocator(cfg.ClaudeHome)
	found := 0
	var missing []string
	for _, p := range paths {
		logs, err := loc.List(p)
		if errors.Is(err, transcript.ErrTranscriptsDirNotFound) {
			missing = append(missing, p)
			continue
		}
		found += len(logs)
	}
	if len(missing) == len(paths) {
		return CheckResult{
			Name:    "Transcripts",
			Status:  StatusWarn,
			Message: "No conversation logs found for any project",
			Detail:  fmt.Sprintf("claude_home=%q", cfg.ClaudeHome),
		}
	}
	res := CheckResult{Name: "Transcripts", Status: StatusPass, Message: fmt.Sprintf("%d conversation logs", found)}
	if len(missing) > 0 {
		res.Detail = "no logs for: " + strings.Join(missing, ", ")
	}
	return res
}

// checkListener verifies bind_addr can be bound, or is already held by a
// running crewdash.
func checkListener(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: StatusSkip, Message: "Config missing"}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err == nil {
		ln.Close()
		return CheckResult{Name: "Listener", Status: StatusPass, Message: fmt.Sprintf("%s is available", cfg.BindAddr)}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var d net.Dialer
	conn, dialErr := d.DialContext(dialCtx, "tcp", cfg.BindAddr)
	if dialErr == nil {
		conn.Close()
		return CheckResult{
			Name:    "Listener",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is in use", cfg.BindAddr),
			Detail:  "A daemon may already be running; check with `crewdash status`",
		}
	}
	return CheckResult{Name: "Listener", Status: StatusFail, Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr, err)}
}
