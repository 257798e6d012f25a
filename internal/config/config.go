// Package config loads the ECG session configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/ecg.report/internal/countdown"
	"github.com/banshee-data/ecg.report/internal/serialmux"
)

// Defaults.
const (
	DefaultDuration      = 30 * time.Second
	DefaultTick          = time.Second
	DefaultIgnoreWindow  = 2 * time.Second
	DefaultSerialPort    = "/dev/ttyUSB0"
	DefaultDBPath        = "ecg_sessions.db"
	DefaultListen        = ":8080"
	DefaultGRPCListen    = ":50051"
	DefaultLocale        = "en"
	DefaultKeepAwake     = KeepAwakeSystemd
	DefaultPromptTimeout = 5 * time.Minute

	maxFileSize = 1 * 1024 * 1024
)

// Keep-awake backends.
const (
	KeepAwakeSystemd = "systemd"
	KeepAwakeNone    = "none"
)

// SessionConfig is the root of the config file. Unset fields fall back to
// the defaults above through the Get* accessors, so partial files are safe.
type SessionConfig struct {
	// Countdown, as duration strings like "30s".
	Duration     *string `json:"duration,omitempty" yaml:"duration,omitempty"`
	Tick         *string `json:"tick,omitempty" yaml:"tick,omitempty"`
	IgnoreWindow *string `json:"ignore_window,omitempty" yaml:"ignore_window,omitempty"`

	// Sensor link.
	SerialPort *string                `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	Serial     *serialmux.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty"`

	// Storage and surfaces.
	DBPath     *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	Listen     *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	GRPCListen *string `json:"grpc_listen,omitempty" yaml:"grpc_listen,omitempty"`

	// Presentation and host integration.
	Locale           *string `json:"locale,omitempty" yaml:"locale,omitempty"`
	KeepAwake        *string `json:"keep_awake,omitempty" yaml:"keep_awake,omitempty"`
	ScopedHealthData *bool   `json:"scoped_health_data,omitempty" yaml:"scoped_health_data,omitempty"`
	PromptTimeout    *string `json:"prompt_timeout,omitempty" yaml:"prompt_timeout,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }

// Empty returns a config with every field unset.
func Empty() *SessionConfig { return &SessionConfig{} }

// Default returns a config with every field set to its default.
func Default() *SessionConfig {
	return &SessionConfig{
		Duration:         ptrString(DefaultDuration.String()),
		Tick:             ptrString(DefaultTick.String()),
		IgnoreWindow:     ptrString(DefaultIgnoreWindow.String()),
		SerialPort:       ptrString(DefaultSerialPort),
		Serial:           &serialmux.PortOptions{BaudRate: serialmux.DefaultBaudRate},
		DBPath:           ptrString(DefaultDBPath),
		Listen:           ptrString(DefaultListen),
		GRPCListen:       ptrString(DefaultGRPCListen),
		Locale:           ptrString(DefaultLocale),
		KeepAwake:        ptrString(DefaultKeepAwake),
		ScopedHealthData: ptrBool(false),
		PromptTimeout:    ptrString(DefaultPromptTimeout.String()),
	}
}

// Load reads a .json, .yaml or .yml config file of at most 1MB and
// validates it.
func Load(path string) (*SessionConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every set field and the countdown as a whole.
func (c *SessionConfig) Validate() error {
	for name, v := range map[string]*string{
		"duration":       c.Duration,
		"tick":           c.Tick,
		"ignore_window":  c.IgnoreWindow,
		"prompt_timeout": c.PromptTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		if _, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
	}

	if err := c.CountdownConfig().Validate(); err != nil {
		return err
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("invalid serial options: %w", err)
		}
	}

	switch c.GetKeepAwake() {
	case KeepAwakeSystemd, KeepAwakeNone:
	default:
		return fmt.Errorf("keep_awake must be %q or %q, got %q", KeepAwakeSystemd, KeepAwakeNone, c.GetKeepAwake())
	}

	if c.PromptTimeout != nil && *c.PromptTimeout != "" && c.GetPromptTimeout() <= 0 {
		return fmt.Errorf("prompt_timeout must be positive, got %s", *c.PromptTimeout)
	}
	return nil
}

// CountdownConfig assembles the countdown parameters.
func (c *SessionConfig) CountdownConfig() countdown.Config {
	return countdown.Config{
		Duration:     c.GetDuration(),
		Tick:         c.GetTick(),
		IgnoreWindow: c.GetIgnoreWindow(),
	}
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func str(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func (c *SessionConfig) GetDuration() time.Duration { return duration(c.Duration, DefaultDuration) }
func (c *SessionConfig) GetTick() time.Duration     { return duration(c.Tick, DefaultTick) }

// GetIgnoreWindow allows an explicit "0s".
func (c *SessionConfig) GetIgnoreWindow() time.Duration {
	return duration(c.IgnoreWindow, DefaultIgnoreWindow)
}

func (c *SessionConfig) GetPromptTimeout() time.Duration {
	return duration(c.PromptTimeout, DefaultPromptTimeout)
}

func (c *SessionConfig) GetSerialPort() string { return str(c.SerialPort, DefaultSerialPort) }
func (c *SessionConfig) GetDBPath() string     { return str(c.DBPath, DefaultDBPath) }
func (c *SessionConfig) GetListen() string     { return str(c.Listen, DefaultListen) }
func (c *SessionConfig) GetGRPCListen() string { return str(c.GRPCListen, DefaultGRPCListen) }
func (c *SessionConfig) GetLocale() string     { return str(c.Locale, DefaultLocale) }
func (c *SessionConfig) GetKeepAwake() string  { return str(c.KeepAwake, DefaultKeepAwake) }

func (c *SessionConfig) GetScopedHealthData() bool {
	return c.ScopedHealthData != nil && *c.ScopedHealthData
}

// GetSerialOptions returns normalized port options.
func (c *SessionConfig) GetSerialOptions() serialmux.PortOptions {
	var o serialmux.PortOptions
	if c.Serial != nil {
		o = *c.Serial
	}
	if n, err := o.Normalize(); err == nil {
		return n
	}
	n, _ := serialmux.PortOptions{}.Normalize()
	return n
}
