package adapter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/theirongolddev/agentmon/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "claude_code.yaml")
	writeFile(t, path, `name: claude_code
display_name: Claude Code
agent_type: claude_code
log_path: /var/log/claude
parse_mode: jsonl
poll_interval: 7s
capabilities:
  real_time_events: true
  token_tracking: true
`)

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.Name != "claude_code" {
		t.Errorf("name = %q", m.Name)
	}
	if m.Agent() != model.AgentClaudeCode {
		t.Errorf("agent = %q", m.Agent())
	}
	if m.PollInterval.Duration != 7*time.Second {
		t.Errorf("poll interval = %v", m.PollInterval.Duration)
	}
	if !m.Capabilities.TokenTracking || !m.Capabilities.RealTimeEvents {
		t.Errorf("capabilities not parsed: %+v", m.Capabilities)
	}
	if m.Capabilities.CostTracking {
		t.Error("cost_tracking should default to false")
	}
}

func TestLoadManifestDefaultsPollInterval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.yaml")
	writeFile(t, path, "name: x\nagent_type: aider\nlog_path: /tmp/x\nparse_mode: jsonl\n")

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.PollInterval.Duration != 5*time.Second {
		t.Errorf("default poll interval = %v, want 5s", m.PollInterval.Duration)
	}
}

func TestLoadManifestExpandsHome(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.yaml")
	writeFile(t, path, "name: x\nagent_type: aider\nlog_path: ~/logs\nparse_mode: jsonl\n")

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	home, _ := os.UserHomeDir()
	if m.LogPath != filepath.Join(home, "logs") {
		t.Errorf("log path = %q", m.LogPath)
	}
}

func TestManifestUnknownAgentIsCustom(t *testing.T) {
	m := Manifest{AgentType: "some-new-tool"}
	if m.Agent() != model.AgentCustom {
		t.Errorf("agent = %q, want custom", m.Agent())
	}
}

func TestLoadManifestDirSkipsBroken(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good.yaml"),
		"name: good\nagent_type: cursor\nlog_path: /tmp/cursor\nparse_mode: jsonl\n")
	writeFile(t, filepath.Join(dir, "broken.yaml"),
		"name: broken\nparse_mode: jsonl\n") // missing log_path
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a manifest")

	manifests, errs := LoadManifestDir(dir)
	if len(manifests) != 1 || manifests[0].Name != "good" {
		t.Fatalf("manifests = %+v", manifests)
	}
	if len(errs) != 1 {
		t.Errorf("errs = %v, want 1 error for broken manifest", errs)
	}
}

func TestLoadManifestDirMissingIsEmpty(t *testing.T) {
	manifests, errs := LoadManifestDir(filepath.Join(t.TempDir(), "nope"))
	if manifests != nil || errs != nil {
		t.Errorf("missing dir should yield nothing, got %v / %v", manifests, errs)
	}
}

func TestFromManifestUnknownParseMode(t *testing.T) {
	_, err := FromManifest(Manifest{Name: "x", ParseMode: "xml"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown parse mode")
	}
}
