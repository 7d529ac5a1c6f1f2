package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/tlsight/examples"
)

// runInit initializes a collector working directory with a default
// config file. It creates the data directory and writes config.yaml
// from the bundled example. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing collector workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)
	fmt.Fprintf(w, "  ✓ %s\n", dataDir)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point producers.process.command and producers.ssl.command at your tracer binaries.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, 0o644)
}
