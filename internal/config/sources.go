package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// SourceConfig is the per-source (per-package) configuration snapshot.
type SourceConfig struct {
	Enabled     bool `yaml:"enabled" json:"enabled"`
	ModelFilter bool `yaml:"model_filter" json:"model_filter"`
	AutoExpand  bool `yaml:"auto_expand" json:"auto_expand"`
	Vibration   bool `yaml:"vibration" json:"vibration"`
	Sound       bool `yaml:"sound" json:"sound"`
}

// DefaultSourceConfig applies to sources without an entry in sources.yaml.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		Enabled:     true,
		ModelFilter: true,
		Vibration:   true,
		Sound:       true,
	}
}

// sourceOverride has pointer fields so absent keys inherit from the default block.
type sourceOverride struct {
	Enabled     *bool `yaml:"enabled"`
	ModelFilter *bool `yaml:"model_filter"`
	AutoExpand  *bool `yaml:"auto_expand"`
	Vibration   *bool `yaml:"vibration"`
	Sound       *bool `yaml:"sound"`
}

func (o sourceOverride) over(base SourceConfig) SourceConfig {
	if o.Enabled != nil {
		base.Enabled = *o.Enabled
	}
	if o.ModelFilter != nil {
		base.ModelFilter = *o.ModelFilter
	}
	if o.AutoExpand != nil {
		base.AutoExpand = *o.AutoExpand
	}
	if o.Vibration != nil {
		base.Vibration = *o.Vibration
	}
	if o.Sound != nil {
		base.Sound = *o.Sound
	}
	return base
}

type sourcesFile struct {
	Default sourceOverride            `yaml:"default"`
	Sources map[string]sourceOverride `yaml:"sources"`
}

// Sources resolves the configuration of each notification source.
// It is safe for concurrent use; Replace swaps the whole table after a reload.
type Sources struct {
	mu       sync.RWMutex
	fallback SourceConfig
	bySource map[string]SourceConfig
}

// NewSources returns a table where every source uses DefaultSourceConfig.
func NewSources() *Sources {
	return &Sources{
		fallback: DefaultSourceConfig(),
		bySource: make(map[string]SourceConfig),
	}
}

// LoadSources reads a sources.yaml file. A missing file yields defaults.
func LoadSources(path string) (*Sources, error) {
	s := NewSources()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := s.Parse(data); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse replaces the table with the contents of a YAML document.
func (s *Sources) Parse(data []byte) error {
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse sources: %w", err)
	}

	fallback := f.Default.over(DefaultSourceConfig())
	bySource := make(map[string]SourceConfig, len(f.Sources))
	for name, o := range f.Sources {
		bySource[name] = o.over(fallback)
	}

	s.mu.Lock()
	s.fallback = fallback
	s.bySource = bySource
	s.mu.Unlock()
	return nil
}

// Replace copies another table into s.
func (s *Sources) Replace(other *Sources) {
	other.mu.RLock()
	fallback := other.fallback
	bySource := make(map[string]SourceConfig, len(other.bySource))
	for k, v := range other.bySource {
		bySource[k] = v
	}
	other.mu.RUnlock()

	s.mu.Lock()
	s.fallback = fallback
	s.bySource = bySource
	s.mu.Unlock()
}

// Lookup returns the snapshot for a source.
func (s *Sources) Lookup(source string) SourceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.bySource[source]; ok {
		return c
	}
	return s.fallback
}

// Set overrides a single source, used by tests and the HTTP API.
func (s *Sources) Set(source string, c SourceConfig) {
	s.mu.Lock()
	s.bySource[source] = c
	s.mu.Unlock()
}

// EnsureSources writes a commented default sources.yaml if none exists.
func EnsureSources() error {
	path := SourcesPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	defaultSources := `# Per-source notification settings. Keys under "sources" are package names.
default:
  enabled: true
  model_filter: true
  auto_expand: false
  vibration: true
  sound: true
sources: {}
`
	return os.WriteFile(path, []byte(defaultSources), 0600)
}
