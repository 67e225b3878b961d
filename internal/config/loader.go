// Package config loads and hot-reloads the Aegis YAML configuration.
// Values support ${ENV_VAR} and ${ENV_VAR:-default} substitution so
// secrets never need to live in the file itself.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader owns the active configuration. It is safe for concurrent use:
// Get may be called from any goroutine while Load/Reload swap the
// config atomically under the lock.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
}

// NewLoader returns a loader holding the default configuration.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads and parses the given YAML file. The file overlays the
// defaults, so a partial config is valid. On any error the previously
// active config is kept.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := substituteEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.filePath = path
	return nil
}

// Reload re-reads the file from the last successful Load.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("no config file loaded, cannot reload")
	}
	return l.Load(path)
}

// Get returns the active configuration. Callers must treat it as
// read-only; Reload swaps the pointer rather than mutating in place.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded config file, or empty if the
// loader is still on defaults.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} references in the raw YAML text.
// Unset variables expand to their ${VAR:-default} default, or to the
// empty string when no default is given.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return def
	})
}

// GenerateDefault writes a commented default config file to path.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	header := "# Aegis configuration.\n# Values support ${ENV_VAR} and ${ENV_VAR:-default} substitution.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
