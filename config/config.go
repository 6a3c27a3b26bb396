// Package config loads and saves the opencode-mem daemon configuration.
//
// The canonical on-disk format is JSON at ~/.config/opencode-mem/config.json
// (spec.md §6); a YAML overlay is also accepted so operators can keep
// config under version control with comments. Every scalar is overridable
// by an OPENCODE_MEM_<UPPER_SNAKE> environment variable.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// SyncKeyStore selects where the Ed25519 private key lives.
type SyncKeyStore string

const (
	SyncKeyStoreFile    SyncKeyStore = "file"
	SyncKeyStoreKeyring SyncKeyStore = "keyring"
)

// SyncAdvertise selects how the daemon picks addresses to advertise over
// mDNS and to peers during pairing.
type SyncAdvertise string

const (
	AdvertiseAuto      SyncAdvertise = "auto"
	AdvertiseLAN       SyncAdvertise = "lan"
	AdvertiseTailscale SyncAdvertise = "tailscale"
	AdvertiseNone      SyncAdvertise = "none"
)

// Config is the full set of recognised keys from spec.md §6.
type Config struct {
	DatabasePath string `json:"database_path,omitempty" yaml:"database_path,omitempty"`
	KeysDir      string `json:"keys_dir,omitempty" yaml:"keys_dir,omitempty"`

	SyncEnabled          bool          `json:"sync_enabled" yaml:"sync_enabled"`
	SyncHost             string        `json:"sync_host,omitempty" yaml:"sync_host,omitempty"`
	SyncPort             int           `json:"sync_port,omitempty" yaml:"sync_port,omitempty"`
	SyncIntervalS        int           `json:"sync_interval_s,omitempty" yaml:"sync_interval_s,omitempty"`
	SyncMDNS             bool          `json:"sync_mdns" yaml:"sync_mdns"`
	SyncKeyStore         SyncKeyStore  `json:"sync_key_store,omitempty" yaml:"sync_key_store,omitempty"`
	SyncAdvertise        SyncAdvertise `json:"sync_advertise,omitempty" yaml:"sync_advertise,omitempty"`
	SyncProjectsInclude  []string      `json:"sync_projects_include,omitempty" yaml:"sync_projects_include,omitempty"`
	SyncProjectsExclude  []string      `json:"sync_projects_exclude,omitempty" yaml:"sync_projects_exclude,omitempty"`
	SyncAdvertiseHost    string        `json:"sync_advertise_host,omitempty" yaml:"sync_advertise_host,omitempty"`

	ObserverProvider  string `json:"observer_provider,omitempty" yaml:"observer_provider,omitempty"`
	ObserverModel     string `json:"observer_model,omitempty" yaml:"observer_model,omitempty"`
	ObserverMaxChars  int    `json:"observer_max_chars,omitempty" yaml:"observer_max_chars,omitempty"`

	PackObservationLimit   int `json:"pack_observation_limit,omitempty" yaml:"pack_observation_limit,omitempty"`
	PackSessionLimit       int `json:"pack_session_limit,omitempty" yaml:"pack_session_limit,omitempty"`
	PackTaskRecencyDays    int `json:"pack_task_recency_days,omitempty" yaml:"pack_task_recency_days,omitempty"`
	PackRecallRecencyDays  int `json:"pack_recall_recency_days,omitempty" yaml:"pack_recall_recency_days,omitempty"`

	ViewerHost string `json:"viewer_host,omitempty" yaml:"viewer_host,omitempty"`
	ViewerPort int    `json:"viewer_port,omitempty" yaml:"viewer_port,omitempty"`

	RawEventMaxAgeMs      int64 `json:"raw_event_max_age_ms,omitempty" yaml:"raw_event_max_age_ms,omitempty"`
	MaxRawEventsBodyBytes int64 `json:"max_raw_events_body_bytes,omitempty" yaml:"max_raw_events_body_bytes,omitempty"`
	MaxSyncBodyBytes      int64 `json:"max_sync_body_bytes,omitempty" yaml:"max_sync_body_bytes,omitempty"`
}

// Default returns a Config populated with the defaults named across
// spec.md (§4.7's TIME_WINDOW_S default of 300s is handled in the sync
// package itself since it is not an operator-facing key).
func Default() *Config {
	return &Config{
		SyncEnabled:            false,
		SyncPort:               7777,
		SyncIntervalS:          60,
		SyncMDNS:               true,
		SyncKeyStore:           SyncKeyStoreFile,
		SyncAdvertise:          AdvertiseAuto,
		ObserverMaxChars:       20000,
		PackObservationLimit:   20,
		PackSessionLimit:       5,
		PackTaskRecencyDays:    365,
		PackRecallRecencyDays:  180,
		ViewerHost:             "127.0.0.1",
		ViewerPort:             7778,
		RawEventMaxAgeMs:       90 * 24 * 60 * 60 * 1000,
		MaxRawEventsBodyBytes:  1 << 20,
		MaxSyncBodyBytes:       4 << 20,
	}
}

// DefaultDatabasePath returns ~/.opencode-mem.sqlite.
func DefaultDatabasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".opencode-mem.sqlite"), nil
}

// DefaultKeysDir returns ~/.config/opencode-mem/keys.
func DefaultKeysDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "opencode-mem", "keys"), nil
}

// DefaultConfigPath returns ~/.config/opencode-mem/config.json.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "opencode-mem", "config.json"), nil
}

// Load reads a config file (JSON or YAML by extension) if present, applies
// defaults for anything unset, then applies OPENCODE_MEM_* environment
// overrides. A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if len(data) > 0 {
			if err := decodeInto(cfg, path, data); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func decodeInto(cfg *Config, path string, data []byte) error {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yml", ".yaml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// Save writes cfg to path. The extension selects the format: .json -> JSON,
// .yml/.yaml -> YAML.
func (cfg *Config) Save(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return cfg.SaveJSON(path)
	case ".yml", ".yaml":
		return cfg.SaveYAML(path)
	default:
		return fmt.Errorf("unsupported config file extension: %s", path)
	}
}

// SaveJSON writes cfg to path as indented JSON.
func (cfg *Config) SaveJSON(path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// SaveYAML writes cfg to path as YAML.
func (cfg *Config) SaveYAML(path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Write encodes cfg as YAML to w, e.g. to print the effective configuration.
func (cfg *Config) Write(w io.Writer) error {
	return yaml.NewEncoder(w).Encode(cfg)
}

// envPrefix is the variable prefix for every overridable scalar key.
const envPrefix = "OPENCODE_MEM_"

// applyEnvOverrides walks cfg's exported fields and, for each one whose
// json tag maps to a set OPENCODE_MEM_<UPPER_SNAKE> variable, overwrites
// the field. Only scalar and []string (comma-separated) kinds are
// supported, matching the keys actually listed in spec.md §6.
func applyEnvOverrides(cfg *Config) {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("json")
		name := strings.Split(tag, ",")[0]
		if name == "" || name == "-" {
			continue
		}
		envName := envPrefix + strings.ToUpper(name)
		raw, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}
		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.String:
			fv.SetString(raw)
		case reflect.Bool:
			if b, err := strconv.ParseBool(raw); err == nil {
				fv.SetBool(b)
			}
		case reflect.Int, reflect.Int64:
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				fv.SetInt(n)
			}
		case reflect.Slice:
			if fv.Type().Elem().Kind() == reflect.String {
				var parts []string
				for _, p := range strings.Split(raw, ",") {
					p = strings.TrimSpace(p)
					if p != "" {
						parts = append(parts, p)
					}
				}
				fv.Set(reflect.ValueOf(parts))
			}
		}
	}
}
