package config

import (
	"os"
	"path/filepath"
)

// commonProjectRoots are directories under the user's home whose children
// are checked for changesets.
var commonProjectRoots = []string{"GitHub", "Projects", "code", "repos", "workspace"}

// HasChangesets reports whether dir contains .claude/changesets.
func HasChangesets(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".claude", "changesets"))
	return err == nil && info.IsDir()
}

// DiscoverProjectPaths returns project directories holding .claude/changesets,
// checking cwd, its immediate children, and the children of the common
// project roots under home. Results are unique and in discovery order.
func DiscoverProjectPaths(cwd, home string) []string {
	var out []string
	checked := make(map[string]bool)
	check := func(dir string) {
		dir = filepath.Clean(dir)
		if checked[dir] {
			return
		}
		checked[dir] = true
		if HasChangesets(dir) {
			out = append(out, dir)
		}
	}
	children := func(root string) {
		entries, err := os.ReadDir(root)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				check(filepath.Join(root, e.Name()))
			}
		}
	}

	if cwd != "" {
		check(cwd)
		children(cwd)
	}
	if home != "" {
		for _, name := range commonProjectRoots {
			children(filepath.Join(home, name))
		}
	}
	return out
}

// ResolveProjectPaths merges the configured paths with discovered ones when
// discovery is enabled.
func (c Config) ResolveProjectPaths(cwd string) []string {
	paths := append([]string(nil), c.ProjectPaths...)
	if c.DiscoverProjects {
		paths = appendMissing(paths, DiscoverProjectPaths(cwd, userHome())...)
	}
	return paths
}
