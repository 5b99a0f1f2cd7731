package transcript

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

var (
	// ErrTranscriptsDirNotFound means the project has no directory under
	// <claude_home>/projects.
	ErrTranscriptsDirNotFound = errors.New("transcript: transcripts dir not found")
	// ErrTranscriptNotFound means the main log for a session does not exist.
	ErrTranscriptNotFound = errors.New("transcript: transcript not found")
)

const (
	logExt          = ".jsonl"
	childPrefix     = "agent-"
	childDirName    = "subagents"
	defaultTimeSkew = 5 * time.Minute
)

// Locator maps project paths to their conversation log directories.
type Locator struct {
	projectsDir string
}

// NewLocator returns a Locator rooted at claudeHome. An empty claudeHome
// uses ~/.claude.
func NewLocator(claudeHome string) *Locator {
	if claudeHome == "" {
		if home, err := os.UserHomeDir(); err == nil {
			claudeHome = filepath.Join(home, ".claude")
		} else {
			claudeHome = ".claude"
		}
	}
	return &Locator{projectsDir: filepath.Join(claudeHome, "projects")}
}

// EscapeProjectPath converts /Users/a/proj into -Users-a-proj.
func EscapeProjectPath(projectPath string) string {
	return "-" + strings.ReplaceAll(strings.TrimPrefix(projectPath, "/"), "/", "-")
}

// Dir returns the log directory for projectPath.
func (l *Locator) Dir(projectPath string) (string, error) {
	dir := filepath.Join(l.projectsDir, EscapeProjectPath(projectPath))
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrTranscriptsDirNotFound, projectPath)
	}
	return dir, nil
}

// Info describes one log file.
type Info struct {
	SessionID  string    `json:"session_id"`
	AgentID    string    `json:"agent_id,omitempty"`
	Path       string    `json:"filepath"`
	Modified   time.Time `json:"modified"`
	Size       int64     `json:"size"`
	IsSubagent bool      `json:"is_subagent"`
}

// List returns the main and child logs of a project.
func (l *Locator) List(projectPath string) ([]Info, error) {
	dir, err := l.Dir(projectPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	var out []Info
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			children, _ := listChildren(filepath.Join(path, childDirName))
			for agentID, childPath := range children {
				info, err := os.Stat(childPath)
				if err != nil {
					continue
				}
				out = append(out, Info{
					SessionID:  e.Name(),
					AgentID:    agentID,
					Path:       childPath,
					Modified:   info.ModTime(),
					Size:       info.Size(),
					IsSubagent: true,
				})
			}
			continue
		}
		if !strings.HasSuffix(e.Name(), logExt) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, Info{
			SessionID: strings.TrimSuffix(e.Name(), logExt),
			Path:      path,
			Modified:  info.ModTime(),
			Size:      info.Size(),
		})
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Path, b.Path) })
	return out, nil
}

// FindBySession returns the main log path of sessionID.
func (l *Locator) FindBySession(projectPath, sessionID string) (string, error) {
	dir, err := l.Dir(projectPath)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, sessionID+logExt)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: session %s", ErrTranscriptNotFound, sessionID)
	}
	return path, nil
}

// FindByTimestamp returns the main log whose mtime is closest to target and
// within tolerance. A non-positive tolerance uses five minutes.
func (l *Locator) FindByTimestamp(projectPath string, target time.Time, tolerance time.Duration) (Info, error) {
	if tolerance <= 0 {
		tolerance = defaultTimeSkew
	}
	all, err := l.List(projectPath)
	if err != nil {
		return Info{}, err
	}
	var (
		best     Info
		bestDiff = time.Duration(math.MaxInt64)
	)
	for _, t := range all {
		if t.IsSubagent {
			continue
		}
		diff := t.Modified.Sub(target).Abs()
		if diff <= tolerance && diff < bestDiff {
			best, bestDiff = t, diff
		}
	}
	if best.Path == "" {
		return Info{}, fmt.Errorf("%w: no log near %s", ErrTranscriptNotFound, target.Format(time.RFC3339))
	}
	return best, nil
}

// Recent returns up to limit main logs, newest first.
func (l *Locator) Recent(projectPath string, limit int) ([]Info, error) {
	all, err := l.List(projectPath)
	if err != nil {
		return nil, err
	}
	main := slices.DeleteFunc(all, func(i Info) bool { return i.IsSubagent })
	slices.SortStableFunc(main, func(a, b Info) int { return b.Modified.Compare(a.Modified) })
	if limit > 0 && len(main) > limit {
		main = main[:limit]
	}
	return main, nil
}

// listChildren maps agent id to path for every agent-<id>.jsonl in dir.
func listChildren(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, childPrefix) || !strings.HasSuffix(name, logExt) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, childPrefix), logExt)
		if id == "" {
			continue
		}
		out[id] = filepath.Join(dir, name)
	}
	return out, nil
}
