// Package config manages the global backend configuration.
// Defaults come from an embedded YAML file; operators override them with a
// config.json in CONF_DIR, which is re-persisted on Set.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable global configuration.
type Data struct {
	// Hub behaviour
	BroadcastBuffer  int    `json:"broadcast_buffer"  yaml:"broadcast_buffer"`  // per-subscriber queue capacity
	CompactThreshold int    `json:"compact_threshold" yaml:"compact_threshold"` // replayed ops before a cold load cuts a checkpoint; 0 disables
	IdleEviction     string `json:"idle_eviction"     yaml:"idle_eviction"`     // evict cells idle this long; "" or "0" disables
	EvictInterval    string `json:"evict_interval"    yaml:"evict_interval"`    // how often the janitor runs

	// Collaborators
	AuthMode       string `json:"auth_mode"        yaml:"auth_mode"`        // "remote" | "jwt"
	AuthServiceURL string `json:"auth_service_url" yaml:"auth_service_url"` // base URL, remote mode only
	HabiticaURL    string `json:"habitica_url"     yaml:"habitica_url"`     // "" disables credential verification

	// Served by /public/info
	AppPubOrigin string `json:"app_pub_origin" yaml:"app_pub_origin"`
}

// Global is a thread-safe, disk-backed wrapper around Data.
type Global struct {
	mu      sync.RWMutex
	data    Data
	confDir string
}

// Load reads the config from confDir/config.json over the embedded
// defaults. Creates the directory if it does not exist.
func Load(confDir string) (*Global, error) {
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return nil, err
	}

	d, err := defaults()
	if err != nil {
		return nil, err
	}
	g := &Global{confDir: confDir, data: d}

	raw, err := os.ReadFile(filepath.Join(confDir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(raw, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

func defaults() (Data, error) {
	var d Data
	if err := yaml.Unmarshal(defaultYAML, &d); err != nil {
		return Data{}, fmt.Errorf("embedded defaults: %w", err)
	}
	return d, nil
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the current configuration and persists it to disk.
func (g *Global) Set(d Data) error {
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return g.save()
}

func (g *Global) save() error {
	g.mu.RLock()
	raw, err := json.MarshalIndent(g.data, "", "  ")
	g.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.confDir, "config.json"), raw, 0o644)
}

// Duration parses one of the duration-typed fields, falling back to def on
// empty or malformed values.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
