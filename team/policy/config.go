package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk team runtime policy document.
type Config struct {
	// Flags are the feature flags. Omitted flags stay off.
	Flags Flags `yaml:"flags" json:"flags"`
	// Caps are the safety caps. Omitted caps take the defaults.
	Caps Caps `yaml:"caps" json:"caps"`
	// WorkerRestartLimit caps restarts per worker for recoverable failures.
	WorkerRestartLimit int `yaml:"workerRestartLimit" json:"workerRestartLimit"`
	// VerifyBeforeComplete defers successful task outcomes for review.
	VerifyBeforeComplete bool `yaml:"verifyBeforeComplete" json:"verifyBeforeComplete"`
	// TrustTier is the current execution trust tier.
	TrustTier TrustTier `yaml:"trustTier" json:"trustTier"`
	// Profile is the tool-execution policy profile for workers.
	Profile string `yaml:"profile" json:"profile"`
}

// DefaultConfig returns a config with all flags off and default caps.
func DefaultConfig() Config {
	return Config{
		Caps:               DefaultCaps(),
		WorkerRestartLimit: 1,
		TrustTier:          TierWorkspace,
	}
}

// LoadConfig reads a YAML policy document and fills omitted caps from the
// defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("policy: read config %s: %w", path, err)
	}
	cfg := Config{WorkerRestartLimit: 1, TrustTier: TierWorkspace}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("policy: parse config %s: %w", path, err)
	}
	cfg.Caps = cfg.Caps.Merge(DefaultCaps())
	if cfg.TrustTier == "" {
		cfg.TrustTier = TierWorkspace
	}
	return cfg, nil
}
