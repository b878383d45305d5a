package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DirName is the name of both the global and the repo-local config directory.
const DirName = ".fieldsync"

// UserPreset is a selectable account.
type UserPreset struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Config holds application configuration.
type Config struct {
	// Fields are the editable fields of a document. An empty list accepts any field name.
	Fields []string `json:"fields,omitempty"`

	// Users are the accounts a person can choose from before editing.
	// Presets are merged by name; an overlay entry replaces the color of a base entry.
	Users []UserPreset `json:"users,omitempty"`

	// RelayURL is the WebSocket endpoint the edit and mcp commands dial.
	RelayURL string `json:"relay_url,omitempty"`

	// Document is the default document name.
	Document string `json:"document,omitempty"`

	// AwarenessTimeoutSeconds is the liveness timeout of presence records.
	AwarenessTimeoutSeconds int `json:"awareness_timeout_seconds,omitempty"`

	// RedisAddr enables the Redis bus between relay instances when set.
	RedisAddr string `json:"redis_addr,omitempty"`

	// ListenBind and ListenPort are the address the relay serves on.
	ListenBind string `json:"listen_bind,omitempty"`
	ListenPort int    `json:"listen_port,omitempty"`

	// MDNS announces the relay on the local network.
	MDNS bool `json:"mdns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Fields: []string{"project_title", "project_description"},
		Users: []UserPreset{
			{Name: "Alex", Color: "#f472b6"},
			{Name: "Dan", Color: "#3b82f6"},
		},
		RelayURL:                "ws://127.0.0.1:7420/ws",
		Document:                "default",
		AwarenessTimeoutSeconds: 30,
		ListenBind:              "127.0.0.1",
		ListenPort:              7420,
	}
}

// AwarenessTimeout returns the presence timeout as a duration.
func (c *Config) AwarenessTimeout() time.Duration {
	return time.Duration(c.AwarenessTimeoutSeconds) * time.Second
}

// User returns the preset named name, compared case-insensitively.
func (c *Config) User(name string) (UserPreset, bool) {
	for _, u := range c.Users {
		if strings.EqualFold(u.Name, strings.TrimSpace(name)) {
			return u, true
		}
	}
	return UserPreset{}, false
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both the global directory and the
// nearest repo-local .fieldsync directory above startDir.
// Repo config takes precedence for scalar values; lists are merged.
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .fieldsync/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, DirName, "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadFileRaw returns a zero-valued config (not defaults) if the file doesn't exist.
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars and the field list; other lists
// are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{
		RelayURL:                pick(overlay.RelayURL, base.RelayURL),
		Document:                pick(overlay.Document, base.Document),
		RedisAddr:               pick(overlay.RedisAddr, base.RedisAddr),
		ListenBind:              pick(overlay.ListenBind, base.ListenBind),
		AwarenessTimeoutSeconds: pick(overlay.AwarenessTimeoutSeconds, base.AwarenessTimeoutSeconds),
		ListenPort:              pick(overlay.ListenPort, base.ListenPort),
	}

	// Booleans: overlay wins if true, else base
	result.MDNS = base.MDNS || overlay.MDNS

	// Fields describe one document shape, so an overlay list replaces the base list
	result.Fields = mergeStringSlice(base.Fields, nil)
	if len(overlay.Fields) > 0 {
		result.Fields = mergeStringSlice(overlay.Fields, nil)
	}
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.Users = mergeUsers(base.Users, overlay.Users)

	return result
}

func pick[T comparable](overlay, base T) T {
	var zero T
	if overlay != zero {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string(nil), a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

// mergeUsers keeps base order and lets overlay entries replace base entries
// with the same name. New overlay names are appended.
func mergeUsers(base, overlay []UserPreset) []UserPreset {
	var result []UserPreset
	index := make(map[string]int)

	for _, list := range [][]UserPreset{base, overlay} {
		for _, u := range list {
			u.Name = strings.TrimSpace(u.Name)
			if u.Name == "" {
				continue
			}
			key := strings.ToLower(u.Name)
			if i, ok := index[key]; ok {
				if u.Color != "" {
					result[i].Color = u.Color
				}
				continue
			}
			index[key] = len(result)
			result = append(result, u)
		}
	}
	return result
}
