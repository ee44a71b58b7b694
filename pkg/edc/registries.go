package edc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RegistryEndpoint is one REDCap project. Token may be given inline or via
// the environment variable named by TokenEnv.
type RegistryEndpoint struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

type RegistriesConfig struct {
	Target     string             `yaml:"target"`
	Registries []RegistryEndpoint `yaml:"registries"`
}

// LoadRegistries reads the registry file. defaultURL fills entries without a URL.
func LoadRegistries(path, defaultURL string) (RegistriesConfig, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return RegistriesConfig{}, fmt.Errorf("read registries file: %w", err)
	}

	var cfg RegistriesConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return RegistriesConfig{}, fmt.Errorf("parse registries file: %w", err)
	}
	if len(cfg.Registries) == 0 {
		return RegistriesConfig{}, errors.New("no registries configured")
	}

	for i := range cfg.Registries {
		r := &cfg.Registries[i]
		if r.URL == "" {
			r.URL = defaultURL
		}
		if r.Token == "" && r.TokenEnv != "" {
			r.Token = os.Getenv(r.TokenEnv)
		}
		if r.Name == "" || r.URL == "" || r.Token == "" {
			return RegistriesConfig{}, fmt.Errorf("registry %d (%q) needs name, url and token", i, r.Name)
		}
	}
	return cfg, nil
}

func (c RegistriesConfig) lookup(name string) (RegistryEndpoint, bool) {
	for _, r := range c.Registries {
		if r.Name == name {
			return r, true
		}
	}
	return RegistryEndpoint{}, false
}
