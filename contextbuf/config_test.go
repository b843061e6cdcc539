package contextbuf

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig(100000).Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadShares(t *testing.T) {
	cfg := DefaultConfig(1000)
	cfg.Shares[RecentMessages] = 0.50
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for shares not summing to 1.0")
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := DefaultConfig(1000)
	cfg.TriggerRatio = 0.50
	cfg.TargetRatio = 0.60
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for trigger below target")
	}
}

func TestValidateRejectsZeroBudget(t *testing.T) {
	cfg := DefaultConfig(0)
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero budget")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "context.yaml")
	yaml := `budget: 200000
shares:
  active_files: 0.25
  processed_files: 0.15
  project_structure: 0.05
  compressed_history: 0.30
  recent_messages: 0.25
trigger_ratio: 0.85
target_ratio: 0.60
max_digest_depth: 4
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Budget != 200000 {
		t.Errorf("budget = %d, want 200000", cfg.Budget)
	}
	if cfg.ShareBudget(CompressedHistory) != 60000 {
		t.Errorf("history share = %d, want 60000", cfg.ShareBudget(CompressedHistory))
	}
	if cfg.TriggerTokens() != 170000 {
		t.Errorf("trigger = %d, want 170000", cfg.TriggerTokens())
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
