package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/ecg.report/internal/countdown"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := Empty()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}

	want := countdown.Config{Duration: 30 * time.Second, Tick: time.Second, IgnoreWindow: 2 * time.Second}
	if got := cfg.CountdownConfig(); got != want {
		t.Errorf("CountdownConfig() = %+v, want %+v", got, want)
	}
	if cfg.GetSerialPort() != "/dev/ttyUSB0" {
		t.Errorf("GetSerialPort() = %q", cfg.GetSerialPort())
	}
	if cfg.GetSerialOptions().BaudRate != 115200 {
		t.Errorf("GetSerialOptions().BaudRate = %d", cfg.GetSerialOptions().BaudRate)
	}
	if cfg.GetDBPath() != "ecg_sessions.db" || cfg.GetListen() != ":8080" || cfg.GetGRPCListen() != ":50051" {
		t.Errorf("unexpected defaults: db=%q listen=%q grpc=%q", cfg.GetDBPath(), cfg.GetListen(), cfg.GetGRPCListen())
	}
	if cfg.GetLocale() != "en" || cfg.GetKeepAwake() != KeepAwakeSystemd || cfg.GetScopedHealthData() {
		t.Errorf("unexpected defaults: locale=%q keep_awake=%q scoped=%t", cfg.GetLocale(), cfg.GetKeepAwake(), cfg.GetScopedHealthData())
	}
	if cfg.GetPromptTimeout() != 5*time.Minute {
		t.Errorf("GetPromptTimeout() = %v", cfg.GetPromptTimeout())
	}
}

func TestDefaultMatchesEmpty(t *testing.T) {
	d, e := Default(), Empty()
	if d.CountdownConfig() != e.CountdownConfig() {
		t.Errorf("Default countdown %+v != Empty countdown %+v", d.CountdownConfig(), e.CountdownConfig())
	}
	if d.GetSerialOptions() != e.GetSerialOptions() {
		t.Errorf("Default serial %+v != Empty serial %+v", d.GetSerialOptions(), e.GetSerialOptions())
	}
	if err := d.Validate(); err != nil {
		t.Errorf("Default() should validate: %v", err)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "ecg.json", `{
  "duration": "20s",
  "tick": "500ms",
  "ignore_window": "0s",
  "serial_port": "/dev/ttyACM0",
  "serial": {"baud_rate": 57600, "parity": "even"},
  "locale": "pl",
  "keep_awake": "none",
  "scoped_health_data": true
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := countdown.Config{Duration: 20 * time.Second, Tick: 500 * time.Millisecond}
	if got := cfg.CountdownConfig(); got != want {
		t.Errorf("CountdownConfig() = %+v, want %+v", got, want)
	}
	opts := cfg.GetSerialOptions()
	if opts.BaudRate != 57600 || opts.Parity != "E" || opts.DataBits != 8 {
		t.Errorf("GetSerialOptions() = %+v", opts)
	}
	if cfg.GetSerialPort() != "/dev/ttyACM0" || cfg.GetLocale() != "pl" || cfg.GetKeepAwake() != KeepAwakeNone || !cfg.GetScopedHealthData() {
		t.Errorf("unexpected values: %+v", cfg)
	}
	// unset fields keep their defaults
	if cfg.GetDBPath() != DefaultDBPath {
		t.Errorf("GetDBPath() = %q", cfg.GetDBPath())
	}
}

func TestLoad_YAML(t *testing.T) {
	for _, name := range []string{"ecg.yaml", "ecg.yml"} {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, name, "duration: 45s\nlisten: \"127.0.0.1:9000\"\nserial:\n  baud_rate: 9600\n")
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.GetDuration() != 45*time.Second {
				t.Errorf("GetDuration() = %v", cfg.GetDuration())
			}
			if cfg.GetListen() != "127.0.0.1:9000" {
				t.Errorf("GetListen() = %q", cfg.GetListen())
			}
			if cfg.GetSerialOptions().BaudRate != 9600 {
				t.Errorf("BaudRate = %d", cfg.GetSerialOptions().BaudRate)
			}
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"bad extension", "ecg.toml", "duration = 1", "extension"},
		{"bad json", "ecg.json", "{", "failed to parse"},
		{"bad yaml", "ecg.yaml", "duration: [", "failed to parse"},
		{"bad duration", "ecg.json", `{"duration": "soon"}`, "invalid duration"},
		{"zero tick", "ecg.json", `{"tick": "0s"}`, "tick must be positive"},
		{"ignore beyond duration", "ecg.json", `{"duration": "5s", "ignore_window": "6s"}`, "ignore window"},
		{"bad baud", "ecg.json", `{"serial": {"baud_rate": 12345}}`, "unsupported baud rate"},
		{"bad keep awake", "ecg.yaml", "keep_awake: caffeine\n", "keep_awake"},
		{"negative prompt timeout", "ecg.json", `{"prompt_timeout": "-1s"}`, "prompt_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_TooLarge(t *testing.T) {
	big := `{"locale": "en", "pad": "` + strings.Repeat("x", maxFileSize) + `"}`
	if _, err := Load(writeConfig(t, "big.json", big)); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected too large error, got %v", err)
	}
}
