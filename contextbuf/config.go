// Package contextbuf manages the categorized model context: five fixed
// budget categories, usage accounting, and summarize-first compression.
package contextbuf

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Category names one of the five fixed context partitions.
type Category string

const (
	// ActiveFiles holds the literal contents of files under edit. Never compressed.
	ActiveFiles Category = "active_files"
	// ProcessedFiles holds summaries of files already inspected.
	ProcessedFiles Category = "processed_files"
	// ProjectStructure holds the directory listing snapshot. Never compressed.
	ProjectStructure Category = "project_structure"
	// CompressedHistory holds the running digest of older turns.
	CompressedHistory Category = "compressed_history"
	// RecentMessages holds the verbatim conversation tail.
	RecentMessages Category = "recent_messages"
)

// viewOrder is the fixed order categories appear in the model-facing view.
var viewOrder = []Category{
	ProjectStructure,
	ActiveFiles,
	ProcessedFiles,
	CompressedHistory,
	RecentMessages,
}

// Categories returns all category names in view order.
func Categories() []Category {
	out := make([]Category, len(viewOrder))
	copy(out, viewOrder)
	return out
}

// Config holds the budget parameters. Budget is fixed for the process
// lifetime once the Manager is created.
type Config struct {
	// Budget is the total token budget B.
	Budget int `yaml:"budget"`
	// Shares maps each category to its fraction of Budget. Must sum to 1.0.
	Shares map[Category]float64 `yaml:"shares"`
	// TriggerRatio is the usage fraction at which compression fires.
	TriggerRatio float64 `yaml:"trigger_ratio"`
	// TargetRatio is the usage fraction a compression pass aims at or below.
	TargetRatio float64 `yaml:"target_ratio"`
	// MaxDigestDepth bounds digest-of-a-digest recursion.
	MaxDigestDepth int `yaml:"max_digest_depth"`
}

// DefaultConfig returns the standard share split and thresholds.
func DefaultConfig(budget int) Config {
	return Config{
		Budget: budget,
		Shares: map[Category]float64{
			ActiveFiles:       0.25,
			ProcessedFiles:    0.15,
			ProjectStructure:  0.05,
			CompressedHistory: 0.30,
			RecentMessages:    0.25,
		},
		TriggerRatio:   0.85,
		TargetRatio:    0.60,
		MaxDigestDepth: 4,
	}
}

// LoadConfig reads a YAML config file, filling unset fields from defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load context config: %w", err)
	}
	cfg := DefaultConfig(0)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse context config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	if c.Budget <= 0 {
		return fmt.Errorf("context config: budget must be positive, got %d", c.Budget)
	}
	if c.TargetRatio <= 0 || c.TriggerRatio <= c.TargetRatio || c.TriggerRatio > 1 {
		return fmt.Errorf("context config: thresholds must satisfy 0 < target < trigger <= 1, got trigger=%.2f target=%.2f",
			c.TriggerRatio, c.TargetRatio)
	}
	if c.MaxDigestDepth < 1 {
		return fmt.Errorf("context config: max_digest_depth must be at least 1, got %d", c.MaxDigestDepth)
	}
	var sum float64
	for _, cat := range viewOrder {
		share, ok := c.Shares[cat]
		if !ok {
			return fmt.Errorf("context config: missing share for category %q", cat)
		}
		if share <= 0 {
			return fmt.Errorf("context config: share for %q must be positive", cat)
		}
		sum += share
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("context config: category shares must sum to 1.0, got %.4f", sum)
	}
	return nil
}

// ShareBudget returns the token budget reserved for one category.
func (c Config) ShareBudget(cat Category) int {
	return int(float64(c.Budget) * c.Shares[cat])
}

// TriggerTokens is the total usage at which compression fires.
func (c Config) TriggerTokens() int {
	return int(float64(c.Budget) * c.TriggerRatio)
}

// TargetTokens is the total usage a compression pass aims at or below.
func (c Config) TargetTokens() int {
	return int(float64(c.Budget) * c.TargetRatio)
}
