package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/crewdash/internal/config"
)

func mkChangesets(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, ".claude", "changesets"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
}

func TestDiscoverProjectPaths(t *testing.T) {
	root := t.TempDir()
	cwd := filepath.Join(root, "cwd")
	home := filepath.Join(root, "home")

	mkChangesets(t, cwd)
	mkChangesets(t, filepath.Join(cwd, "child"))
	if err := os.MkdirAll(filepath.Join(cwd, "plain"), 0o755); err != nil {
		t.Fatal(err)
	}
	mkChangesets(t, filepath.Join(home, "GitHub", "repo-a"))
	mkChangesets(t, filepath.Join(home, "workspace", "repo-b"))
	mkChangesets(t, filepath.Join(home, "Documents", "ignored"))

	got := config.DiscoverProjectPaths(cwd, home)
	want := []string{
		cwd,
		filepath.Join(cwd, "child"),
		filepath.Join(home, "GitHub", "repo-a"),
		filepath.Join(home, "workspace", "repo-b"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("DiscoverProjectPaths mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscoverProjectPaths_CwdInsideCommonRoot(t *testing.T) {
	home := t.TempDir()
	repo := filepath.Join(home, "code", "repo")
	mkChangesets(t, repo)

	got := config.DiscoverProjectPaths(repo, home)
	if diff := cmp.Diff([]string{repo}, got); diff != "" {
		t.Fatalf("duplicate discovery (-want +got):\n%s", diff)
	}
}

func TestResolveProjectPaths_RespectsDiscoveryFlag(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cwd := filepath.Join(home, "cwd")
	mkChangesets(t, cwd)

	cfg := config.Config{ProjectPaths: []string{"/fixed"}}
	if diff := cmp.Diff([]string{"/fixed"}, cfg.ResolveProjectPaths(cwd)); diff != "" {
		t.Fatalf("discovery disabled (-want +got):\n%s", diff)
	}
	cfg.DiscoverProjects = true
	if diff := cmp.Diff([]string{"/fixed", cwd}, cfg.ResolveProjectPaths(cwd)); diff != "" {
		t.Fatalf("discovery enabled (-want +got):\n%s", diff)
	}
}
