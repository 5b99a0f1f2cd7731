package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/basket/crewdash/internal/config"
)

func runInitCommand(args []string) int {
	force := false
	for _, arg := range args {
		switch arg {
		case "--force", "-force":
			force = true
		default:
			fmt.Fprintln(os.Stderr, "usage: crewdash init [--force]")
			return 2
		}
	}

	home := config.HomeDir()
	path, err := writeStarterConfig(home, force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	fmt.Printf("wrote %s\n", path)
	return 0
}

// writeStarterConfig writes the default settings to config.yaml in homeDir.
// An existing file is kept unless force is set.
func writeStarterConfig(homeDir string, force bool) (string, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create home: %w", err)
	}
	path := config.ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	data, err := yaml.Marshal(config.Default(homeDir))
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	header := "# crewdash configuration. Environment variables prefixed CREWDASH_ override these values.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}
