package routing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Settings names the model for each tier. ActiveFamily records which
// provider family the tiers belong to; it is informational.
type Settings struct {
	Light        string `json:"light"`
	Heavy        string `json:"heavy"`
	Thinking     string `json:"thinking"`
	ActiveFamily string `json:"active_family"`
}

// loadSettings reads a persisted settings file. The file is a convenience
// cache: a missing or corrupt file is an error the caller ignores.
func loadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse selector settings: %w", err)
	}
	if s.Light == "" || s.Heavy == "" {
		return Settings{}, fmt.Errorf("selector settings missing tiers")
	}
	return s, nil
}

func saveSettings(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*")
	if err != nil {
		return fmt.Errorf("create settings tempfile: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
