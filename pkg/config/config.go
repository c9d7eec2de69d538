// Package config loads client-side settings from a YAML manifest:
// where to keep the database, which federation to join, and which
// modules to instantiate with what per-module configuration. It uses
// gopkg.in/yaml.v3 to decode a single fixed manifest shape, rather than
// the more general decode-then-dispatch-by-field pattern a multi-kind
// resource manifest would need.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/fedimint-client/pkg/types"
	"gopkg.in/yaml.v3"
)

// FederationSettings describes the federation this client joins.
type FederationSettings struct {
	URL          string `yaml:"url"`
	GuardianID   uint16 `yaml:"guardianId"`
	FederationID string `yaml:"federationId"`
	APISecret    string `yaml:"apiSecret,omitempty"`
}

// ModuleSettings is one module instance to load: which instance id, its
// kind (used only for human-readable diagnostics; the registry
// dispatches by instance id, not kind), and its raw config, which this
// package re-encodes to JSON since pkg/registry's module configs are
// opaque bytes.
type ModuleSettings struct {
	InstanceID types.ModuleInstanceID `yaml:"instanceId"`
	Kind       string                 `yaml:"kind"`
	Config     map[string]any         `yaml:"config"`
}

// ClientConfig is the top-level manifest shape.
type ClientConfig struct {
	DataDir       string                 `yaml:"dataDir"`
	NodeID        string                 `yaml:"nodeId"`
	Federation    FederationSettings     `yaml:"federation"`
	PrimaryModule types.ModuleInstanceID `yaml:"primaryModule"`
	Modules       []ModuleSettings       `yaml:"modules"`
}

// Load reads and parses path as a ClientConfig.
func Load(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("config: dataDir is required")
	}
	if cfg.Federation.URL == "" {
		return nil, fmt.Errorf("config: federation.url is required")
	}
	return &cfg, nil
}

// InviteCode assembles the types.InviteCode this client should use to
// join the configured federation.
func (c *ClientConfig) InviteCode() types.InviteCode {
	return types.InviteCode{
		URL:          c.Federation.URL,
		GuardianID:   c.Federation.GuardianID,
		FederationID: c.Federation.FederationID,
		APISecret:    c.Federation.APISecret,
	}
}

// ModuleConfigs re-encodes every configured module's settings to JSON,
// keyed by instance id, in the shape clientctx.NewClient expects.
func (c *ClientConfig) ModuleConfigs() (map[types.ModuleInstanceID][]byte, error) {
	out := make(map[types.ModuleInstanceID][]byte, len(c.Modules))
	for _, m := range c.Modules {
		data, err := json.Marshal(m.Config)
		if err != nil {
			return nil, fmt.Errorf("config: encode module %d config: %w", m.InstanceID, err)
		}
		out[m.InstanceID] = data
	}
	return out, nil
}
