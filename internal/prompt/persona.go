package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is a named, reusable system-prompt template that can be applied to
// a conversation as its prompt override.
type Persona struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Template    string `yaml:"template"`
}

// LoadPersonas loads persona definitions from YAML files in a directory.
// Files must have a .yaml or .yml extension; unreadable or unparsable files
// are skipped with a warning.
func LoadPersonas(dir string, logger *slog.Logger) ([]Persona, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("persona directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read persona dir: %w", err)
	}

	var personas []Persona
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read persona file", "path", path, "err", err)
			continue
		}

		var p Persona
		if err := yaml.Unmarshal(data, &p); err != nil {
			logger.Warn("cannot parse persona file", "path", path, "err", err)
			continue
		}
		if p.Template == "" {
			logger.Warn("persona has no template, skipping", "path", path)
			continue
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}

		personas = append(personas, p)
	}

	return personas, nil
}

// FindPersona returns the persona with the given name, or false.
func FindPersona(personas []Persona, name string) (Persona, bool) {
	for _, p := range personas {
		if p.Name == name {
			return p, true
		}
	}
	return Persona{}, false
}
