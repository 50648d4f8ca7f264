package subagents

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// loadSnapshot reads the run map from disk. A missing file is an empty map.
func loadSnapshot(path string) (map[string]*RunRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*RunRecord{}, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	runs := map[string]*RunRecord{}
	if err := json.Unmarshal(raw, &runs); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return runs, nil
}

// saveSnapshot writes the run map atomically (temp file + rename) so a
// concurrent reader never sees a truncated snapshot.
func saveSnapshot(path string, runs map[string]*RunRecord) error {
	raw, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
