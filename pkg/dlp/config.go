package dlp

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type" json:"type"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Mask    string `yaml:"mask" json:"mask"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

type RulesConfig struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

func LoadRules(path string) (RulesConfig, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultRules(), err
	}

	var cfg RulesConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return RulesConfig{}, err
	}

	if len(cfg.Rules) == 0 {
		return RulesConfig{}, errors.New("no scrubber rules configured")
	}

	return cfg, nil
}

// DefaultRules masks Norwegian birth numbers, D-numbers and H-numbers (all
// eleven digits) plus any encrypted token that leaks into free text.
func DefaultRules() RulesConfig {
	return RulesConfig{Rules: []Rule{
		{Name: "NationalID", Type: "national_id", Pattern: `\b\d{6}\s?\d{5}\b`, Mask: "***********", Enabled: true},
		{Name: "EncryptedToken", Type: "encrypted_token", Pattern: `[A-Za-z0-9+/]{22}==:[A-Za-z0-9+/=]{24,}`, Mask: "<encrypted>", Enabled: true},
	}}
}
