package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/theirongolddev/agentmon/internal/model"
)

// Manifest is the declarative description of one agent source. Manifests are
// YAML files in the adapter directory; dropping a new file in registers a new
// agent without touching core code.
type Manifest struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name,omitempty"`
	AgentType   string `yaml:"agent_type"`

	// Source location.
	ProcessPattern string `yaml:"process_pattern,omitempty"`
	LogPath        string `yaml:"log_path"`

	// Parsing.
	ParseMode     string            `yaml:"parse_mode"` // jsonl, plain
	EventPatterns map[string]string `yaml:"event_patterns,omitempty"`

	PollInterval Duration `yaml:"poll_interval,omitempty"`

	Capabilities Capabilities `yaml:"capabilities,omitempty"`
}

// Duration wraps time.Duration so manifests can say "5s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", s, err)
		}
		d.Duration = v
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		d.Duration = time.Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration %q", value.Value)
}

// Capabilities declares what the source can provide; the query surface
// reports them so dashboards know which fields to trust.
type Capabilities struct {
	RealTimeEvents  bool `yaml:"real_time_events"`
	HistoricalData  bool `yaml:"historical_data"`
	TokenTracking   bool `yaml:"token_tracking"`
	CostTracking    bool `yaml:"cost_tracking"`
	FileTracking    bool `yaml:"file_change_tracking"`
	SubagentTrackng bool `yaml:"subagent_tracking"`
}

// Agent maps the manifest's declared agent type onto the canonical enum,
// defaulting to custom for unrecognized names.
func (m Manifest) Agent() model.AgentType {
	switch model.AgentType(m.AgentType) {
	case model.AgentClaudeCode, model.AgentCursor, model.AgentAider,
		model.AgentGeminiCLI, model.AgentCodex:
		return model.AgentType(m.AgentType)
	default:
		return model.AgentCustom
	}
}

// Validate checks the manifest for the fields every adapter needs.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: missing name")
	}
	if m.LogPath == "" {
		return fmt.Errorf("manifest %q: missing log_path", m.Name)
	}
	if m.ParseMode == "" {
		return fmt.Errorf("manifest %q: missing parse_mode", m.Name)
	}
	return nil
}

// LoadManifest reads one manifest file.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path) //nolint:gosec // manifest dir is user-configured
	if err != nil {
		return m, fmt.Errorf("reading manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if m.PollInterval.Duration <= 0 {
		m.PollInterval.Duration = 5 * time.Second
	}
	m.LogPath = expandHome(m.LogPath)
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// LoadManifestDir reads every *.yaml/*.yml manifest in a directory. Broken
// manifests are skipped and reported, never fatal.
func LoadManifestDir(dir string) ([]Manifest, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{err}
	}

	var manifests []Manifest
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		m, err := LoadManifest(filepath.Join(dir, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, errs
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
