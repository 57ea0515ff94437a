package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"pkmd/internal/logging"
)

// PortFiles advertises the bound port to external clients: a plain decimal
// in the temp dir and {"port": N} under the user's data dir. Both are
// truncated on shutdown so a stale port is never read as live.
type PortFiles struct {
	TxtPath  string
	JSONPath string
	logger   logging.Logger
}

// DefaultPortFiles uses the well-known locations.
func DefaultPortFiles(logger logging.Logger) *PortFiles {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return NewPortFiles(
		filepath.Join(os.TempDir(), "pkm_assistant_port.txt"),
		filepath.Join(home, ".pkm-assistant", "port.json"),
		logger)
}

// NewPortFiles advertises to the given paths.
func NewPortFiles(txtPath, jsonPath string, logger logging.Logger) *PortFiles {
	return &PortFiles{TxtPath: txtPath, JSONPath: jsonPath, logger: logging.OrNop(logger)}
}

// Write records the port in both files.
func (p *PortFiles) Write(port int) error {
	if err := os.WriteFile(p.TxtPath, []byte(fmt.Sprintf("%d", port)), 0o644); err != nil {
		return fmt.Errorf("write port file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.JSONPath), 0o755); err != nil {
		return fmt.Errorf("create port file directory: %w", err)
	}
	payload, err := json.Marshal(map[string]int{"port": port})
	if err != nil {
		return err
	}
	if err := os.WriteFile(p.JSONPath, payload, 0o644); err != nil {
		return fmt.Errorf("write port json: %w", err)
	}
	p.logger.Info("PortFiles: advertised port %d", port)
	return nil
}

// Truncate empties both files. Failures are logged; shutdown proceeds.
func (p *PortFiles) Truncate() {
	for _, path := range []string{p.TxtPath, p.JSONPath} {
		if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("PortFiles: truncate %s: %v", path, err)
		}
	}
}
