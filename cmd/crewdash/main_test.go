package main

import (
	"os"
	"strings"
	"testing"

	"github.com/basket/crewdash/internal/config"
)

func TestLoadEnvFrom(t *testing.T) {
	t.Setenv("CREWDASH_TEST_SET", "from-env")
	t.Setenv("CREWDASH_TEST_NEW", "")
	t.Setenv("CREWDASH_TEST_QUOTED", "")

	loadEnvFrom(strings.NewReader(`
# comment
CREWDASH_TEST_SET=from-file
CREWDASH_TEST_NEW = value
CREWDASH_TEST_QUOTED="quoted value"
=missing-key
not a pair
`))

	if got := os.Getenv("CREWDASH_TEST_SET"); got != "from-env" {
		t.Fatalf("existing variable overridden: %q", got)
	}
	if got := os.Getenv("CREWDASH_TEST_NEW"); got != "value" {
		t.Fatalf("CREWDASH_TEST_NEW = %q, want value", got)
	}
	if got := os.Getenv("CREWDASH_TEST_QUOTED"); got != "quoted value" {
		t.Fatalf("CREWDASH_TEST_QUOTED = %q", got)
	}
}

func TestWriteStarterConfig(t *testing.T) {
	home := t.TempDir()
	path, err := writeStarterConfig(home, false)
	if err != nil {
		t.Fatalf("writeStarterConfig: %v", err)
	}
	if path != config.ConfigPath(home) {
		t.Fatalf("path = %q", path)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.FileMissing || cfg.RescanSchedule != "@every 5s" || cfg.BindAddr != "127.0.0.1:5050" {
		t.Fatalf("reloaded config = %+v", cfg)
	}

	if _, err := writeStarterConfig(home, false); err == nil {
		t.Fatal("second write without force should fail")
	}
	if _, err := writeStarterConfig(home, true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
}

func TestIsAddrInUse(t *testing.T) {
	if isAddrInUse(os.ErrNotExist) {
		t.Fatal("unrelated error reported as address in use")
	}
	if !strings.Contains(portOccupantHint("127.0.0.1:5050"), "5050") {
		t.Fatal("hint should name the port")
	}
}
