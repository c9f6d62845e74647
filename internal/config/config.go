// Package config loads the engine's build-time tunables from an
// optional JWCC (JSON-with-comments) file, falling back to fixed
// defaults when no file is supplied.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// Tunables holds the engine's build-time tunables. When loaded from a
// file, a field the file omits keeps its default; a field the file sets
// overrides the default, even when it is set to zero.
type Tunables struct {
	MaxTags      int `json:"max_tags"`
	Levels       int `json:"levels"`
	BufferSize   int `json:"buffer_size"`
	AnonymousKey int `json:"anonymous_key"`
}

// Defaults returns the engine's built-in default tunables.
func Defaults() Tunables {
	return Tunables{
		MaxTags:      256,
		Levels:       32,
		BufferSize:   4096,
		AnonymousKey: 0,
	}
}

// Load reads a JWCC tunables file at path and overlays any fields it
// sets onto Defaults(). A missing file is not an error: Defaults() is
// returned unchanged.
func Load(path string) (Tunables, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Tunables{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Tunables{}, fmt.Errorf("config: invalid JWCC in %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(standardized, &raw); err != nil {
		return Tunables{}, fmt.Errorf("config: invalid JSON in %s: %w", path, err)
	}

	overlay := Tunables{}
	if err := json.Unmarshal(standardized, &overlay); err != nil {
		return Tunables{}, fmt.Errorf("config: invalid JSON in %s: %w", path, err)
	}

	if _, ok := raw["max_tags"]; ok {
		cfg.MaxTags = overlay.MaxTags
	}
	if _, ok := raw["levels"]; ok {
		cfg.Levels = overlay.Levels
	}
	if _, ok := raw["buffer_size"]; ok {
		cfg.BufferSize = overlay.BufferSize
	}
	if _, ok := raw["anonymous_key"]; ok {
		cfg.AnonymousKey = overlay.AnonymousKey
	}

	if err := cfg.Validate(); err != nil {
		return Tunables{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects tunables that would break the engine's invariants.
func (t Tunables) Validate() error {
	if t.MaxTags <= 0 {
		return fmt.Errorf("max_tags must be positive, got %d", t.MaxTags)
	}
	if t.Levels <= 0 {
		return fmt.Errorf("levels must be positive, got %d", t.Levels)
	}
	if t.BufferSize < 0 {
		return fmt.Errorf("buffer_size must be non-negative, got %d", t.BufferSize)
	}
	return nil
}
