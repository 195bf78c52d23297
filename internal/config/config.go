// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/jeranaias/agentdock/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete agentdock configuration.
type Config struct {
	Storage    StorageConfig    `toml:"storage" json:"storage"`
	Catalog    CatalogConfig    `toml:"catalog" json:"catalog"`
	Completion CompletionConfig `toml:"completion" json:"completion"`
	Device     DeviceConfig     `toml:"device" json:"device"`
	AutoSave   AutoSaveConfig   `toml:"autosave" json:"autosave"`
	Log        LogConfig        `toml:"log" json:"log"`

	// path is the file the config was read from, empty for defaults.
	path string
}

// StorageConfig configures the storage tiers.
type StorageConfig struct {
	// DataDir holds the primary database. "~" expands to the home directory.
	DataDir string `toml:"data_dir" json:"data_dir"`

	// SessionRoot is the parent of the per-session directory. Default: os.TempDir().
	SessionRoot string `toml:"session_root" json:"session_root"`

	// SessionID names the session directory. Default: the parent process id.
	SessionID string `toml:"session_id" json:"session_id"`

	// Quotas in bytes; 0 means unlimited.
	PrimaryQuotaBytes int64 `toml:"primary_quota_bytes" json:"primary_quota_bytes"`
	SessionQuotaBytes int64 `toml:"session_quota_bytes" json:"session_quota_bytes"`

	DisablePrimary bool `toml:"disable_primary" json:"disable_primary"`
	DisableSession bool `toml:"disable_session" json:"disable_session"`

	// DatedBackupsKeep is how many daily agent backups are retained.
	DatedBackupsKeep int `toml:"dated_backups_keep" json:"dated_backups_keep"`
}

// CatalogConfig configures the remote agent catalog.
type CatalogConfig struct {
	// URL is an http(s) URL or a local file path. Empty disables the catalog.
	URL          string `toml:"url" json:"url"`
	CooldownSecs int    `toml:"cooldown_secs" json:"cooldown_secs"`
	TimeoutSecs  int    `toml:"timeout_secs" json:"timeout_secs"`
	// Watch reloads a local catalog file when it changes.
	Watch bool `toml:"watch" json:"watch"`
}

// CompletionConfig configures the completion client.
type CompletionConfig struct {
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
}

// DeviceConfig selects the device class.
type DeviceConfig struct {
	// Class is "auto", "desktop" or "mobile".
	Class string `toml:"class" json:"class"`
}

// AutoSaveConfig sets the agent auto-save intervals.
type AutoSaveConfig struct {
	DesktopIntervalSecs int `toml:"desktop_interval_secs" json:"desktop_interval_secs"`
	MobileIntervalSecs  int `toml:"mobile_interval_secs" json:"mobile_interval_secs"`
}

// LogConfig configures diagnostics logging.
type LogConfig struct {
	Level string `toml:"level" json:"level"`
	// File receives JSON lines when set; otherwise logs go to stderr.
	File string `toml:"file" json:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:          "~/.agentdock",
			DatedBackupsKeep: 7,
		},
		Catalog: CatalogConfig{
			CooldownSecs: 5,
			TimeoutSecs:  10,
			Watch:        true,
		},
		Completion: CompletionConfig{TimeoutSecs: 30},
		Device:     DeviceConfig{Class: "auto"},
		AutoSave: AutoSaveConfig{
			DesktopIntervalSecs: 300,
			MobileIntervalSecs:  60,
		},
		Log: LogConfig{Level: "warn"},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the agentdock configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".agentdock"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// ExpandPath replaces a leading "~" with the home directory.
func ExpandPath(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

// Path returns the file the config was read from, or "" for defaults.
func (c *Config) Path() string { return c.path }

// PrimaryPath is the location of the primary database.
func (s StorageConfig) PrimaryPath() string {
	return filepath.Join(ExpandPath(s.DataDir), "agentdock.db")
}

// Cooldown returns the catalog cooldown.
func (c CatalogConfig) Cooldown() time.Duration { return time.Duration(c.CooldownSecs) * time.Second }

// Timeout returns the catalog fetch timeout.
func (c CatalogConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSecs) * time.Second }

// Timeout returns the completion header timeout.
func (c CompletionConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSecs) * time.Second }

// Intervals returns the desktop and mobile auto-save intervals.
func (a AutoSaveConfig) Intervals() (desktop, mobile time.Duration) {
	return time.Duration(a.DesktopIntervalSecs) * time.Second, time.Duration(a.MobileIntervalSecs) * time.Second
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads ~/.agentdock/config.toml, then config.json, then falls back to
// defaults. Environment overrides are applied last.
func Load() (*Config, error) {
	if p, err := ConfigPathTOML(); err == nil {
		if _, statErr := os.Stat(p); statErr == nil {
			return LoadFromPath(p)
		}
	}
	if p, err := ConfigPathJSON(); err == nil {
		if _, statErr := os.Stat(p); statErr == nil {
			return LoadFromPath(p)
		}
	}
	return finish(Default())
}

// LoadFromPath loads a specific file; a ".json" suffix selects JSON.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}
	cfg.path = path
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg. Keys absent from the file keep
// the values already in cfg.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// LoadJSON decodes a JSON file over cfg.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// SetDefaults replaces zero values that have no meaning with defaults.
func (c *Config) SetDefaults() {
	d := Default()
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = d.Storage.DataDir
	}
	if c.Storage.DatedBackupsKeep == 0 {
		c.Storage.DatedBackupsKeep = d.Storage.DatedBackupsKeep
	}
	if c.Catalog.CooldownSecs == 0 {
		c.Catalog.CooldownSecs = d.Catalog.CooldownSecs
	}
	if c.Catalog.TimeoutSecs == 0 {
		c.Catalog.TimeoutSecs = d.Catalog.TimeoutSecs
	}
	if c.Completion.TimeoutSecs == 0 {
		c.Completion.TimeoutSecs = d.Completion.TimeoutSecs
	}
	if c.Device.Class == "" {
		c.Device.Class = d.Device.Class
	}
	if c.AutoSave.DesktopIntervalSecs == 0 {
		c.AutoSave.DesktopIntervalSecs = d.AutoSave.DesktopIntervalSecs
	}
	if c.AutoSave.MobileIntervalSecs == 0 {
		c.AutoSave.MobileIntervalSecs = d.AutoSave.MobileIntervalSecs
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg to path with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# agentdock configuration file\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.WriteFileAtomic(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// TOML renders the configuration as TOML.
func (c *Config) TOML() string {
	var buf bytes.Buffer
	_ = toml.NewEncoder(&buf).Encode(c)
	return buf.String()
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns ValidateErrors listing all
// problems found.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Storage.PrimaryQuotaBytes < 0 {
		add("storage.primary_quota_bytes", "must not be negative, got %d", c.Storage.PrimaryQuotaBytes)
	}
	if c.Storage.SessionQuotaBytes < 0 {
		add("storage.session_quota_bytes", "must not be negative, got %d", c.Storage.SessionQuotaBytes)
	}
	if c.Storage.DatedBackupsKeep < 1 {
		add("storage.dated_backups_keep", "must be at least 1, got %d", c.Storage.DatedBackupsKeep)
	}
	if strings.ContainsAny(c.Storage.SessionID, `/\`) {
		add("storage.session_id", "must not contain path separators")
	}

	if c.Catalog.URL != "" && strings.Contains(c.Catalog.URL, "://") {
		u, err := url.Parse(c.Catalog.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("catalog.url", "invalid URL '%s', must be http(s) or a file path", c.Catalog.URL)
		}
	}
	if c.Catalog.CooldownSecs < 0 {
		add("catalog.cooldown_secs", "must not be negative, got %d", c.Catalog.CooldownSecs)
	}
	if c.Catalog.TimeoutSecs < 1 || c.Catalog.TimeoutSecs > 300 {
		add("catalog.timeout_secs", "must be between 1 and 300, got %d", c.Catalog.TimeoutSecs)
	}

	if c.Completion.TimeoutSecs < 1 || c.Completion.TimeoutSecs > 600 {
		add("completion.timeout_secs", "must be between 1 and 600, got %d", c.Completion.TimeoutSecs)
	}

	switch strings.ToLower(c.Device.Class) {
	case "auto", "desktop", "mobile":
	default:
		add("device.class", "invalid class '%s', must be one of: auto, desktop, mobile", c.Device.Class)
	}

	if c.AutoSave.DesktopIntervalSecs < 1 {
		add("autosave.desktop_interval_secs", "must be at least 1, got %d", c.AutoSave.DesktopIntervalSecs)
	}
	if c.AutoSave.MobileIntervalSecs < 1 {
		add("autosave.mobile_interval_secs", "must be at least 1, got %d", c.AutoSave.MobileIntervalSecs)
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		add("log.level", "invalid level '%s'", c.Log.Level)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - AGENTDOCK_DATA_DIR: overrides storage.data_dir
//   - AGENTDOCK_SESSION_ID: overrides storage.session_id
//   - AGENTDOCK_CATALOG_URL: overrides catalog.url
//   - AGENTDOCK_DEVICE: overrides device.class
//   - AGENTDOCK_LOG_LEVEL: overrides log.level
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("AGENTDOCK_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("AGENTDOCK_SESSION_ID"); v != "" {
		c.Storage.SessionID = v
	}
	if v := os.Getenv("AGENTDOCK_CATALOG_URL"); v != "" {
		c.Catalog.URL = v
	}
	if v := os.Getenv("AGENTDOCK_DEVICE"); v != "" {
		c.Device.Class = v
	}
	if v := os.Getenv("AGENTDOCK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a value by its dotted TOML key, e.g. "catalog.url".
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set assigns a value by its dotted TOML key. String values are converted
// to the field's type.
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct {
				return reflect.Value{}, fmt.Errorf("field '%s' is a section", key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		tag := strings.Split(t.Field(i).Tag.Get("toml"), ",")[0]
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from an arbitrary value with type conversion.
func setFieldValue(field reflect.Value, value any) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(strVal)
			if err != nil {
				return fmt.Errorf("invalid boolean value: %v", err)
			}
			field.SetBool(boolVal)
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) && val.Kind() != reflect.String {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// GetAllKeys returns every configuration key in dot notation.
func GetAllKeys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		sec := t.Field(i)
		if !sec.IsExported() {
			continue
		}
		prefix := sec.Tag.Get("toml")
		for j := 0; j < sec.Type.NumField(); j++ {
			keys = append(keys, prefix+"."+sec.Type.Field(j).Tag.Get("toml"))
		}
	}
	return keys
}
