package native

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrHostNotFound is returned when no manifest for a host name exists.
var ErrHostNotFound = errors.New("native host not found")

var hostNameRE = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

// Manifest describes how to launch a helper.
type Manifest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Path           string   `json:"path"`
	Type           string   `json:"type"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// Validate checks the manifest fields the launcher relies on.
func (m Manifest) Validate() error {
	if !hostNameRE.MatchString(m.Name) {
		return fmt.Errorf("invalid host name %q", m.Name)
	}
	if m.Path == "" {
		return fmt.Errorf("host %q: path is required", m.Name)
	}
	if m.Type != "stdio" {
		return fmt.Errorf("host %q: unsupported type %q", m.Name, m.Type)
	}
	return nil
}

// Allows reports whether origin may launch the helper. An empty list allows
// every origin.
func (m Manifest) Allows(origin string) bool {
	if len(m.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range m.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// FindManifest looks for <name>.json in each dir in order. A relative path
// inside the manifest is resolved against the manifest's directory.
func FindManifest(name string, dirs []string) (Manifest, error) {
	if !hostNameRE.MatchString(name) {
		return Manifest{}, fmt.Errorf("invalid host name %q", name)
	}
	for _, dir := range dirs {
		path := filepath.Join(dir, name+".json")
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
		}
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
		}
		if m.Name != name {
			return Manifest{}, fmt.Errorf("manifest %s names host %q", path, m.Name)
		}
		if err := m.Validate(); err != nil {
			return Manifest{}, err
		}
		if !filepath.IsAbs(m.Path) {
			m.Path = filepath.Join(dir, m.Path)
		}
		return m, nil
	}
	return Manifest{}, fmt.Errorf("%w: %s", ErrHostNotFound, name)
}

// WriteManifest writes m to dir/<name>.json.
func WriteManifest(dir string, m Manifest) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, m.Name+".json")
	return path, os.WriteFile(path, raw, 0o644)
}
