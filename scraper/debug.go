package scraper

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adwatch/harvester/traffic"
)

// dump persists one creative's captured payloads for offline inspection.
// No-op unless a debug directory is configured.
func (s *Session) dump(creativeID string, lookup traffic.APIResponse, scripts []traffic.ScriptResponse) {
	if s.cfg.DebugDir == "" {
		return
	}
	dir := filepath.Join(s.cfg.DebugDir, creativeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn("debug dump failed", "creative", creativeID, "error", err)
		return
	}
	_ = os.WriteFile(filepath.Join(dir, "lookup.json"), []byte(lookup.Raw), 0o644)
	for i, sr := range scripts {
		name := fmt.Sprintf("script_%02d.js", i)
		_ = os.WriteFile(filepath.Join(dir, name), []byte(sr.Body), 0o644)
	}
}
