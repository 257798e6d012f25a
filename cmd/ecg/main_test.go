package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ecg.report/internal/config"
	"github.com/banshee-data/ecg.report/internal/connection"
	"github.com/banshee-data/ecg.report/internal/monitoring"
	"github.com/banshee-data/ecg.report/internal/sensing"
	"github.com/banshee-data/ecg.report/internal/serialmux"
	"github.com/banshee-data/ecg.report/internal/session"
)

func TestFlagDefaults(t *testing.T) {
	if *devMode || *disableSensor || *grantPermission || *showVersion {
		t.Error("boolean flags should default to false")
	}
	for name, v := range map[string]string{
		"config": *configPath, "listen": *listen, "grpc-listen": *grpcListen,
		"port": *port, "db-path": *dbPath, "locale": *locale, "export-dir": *exportDir,
	} {
		if v != "" {
			t.Errorf("-%s should default to empty so the config applies, got %q", name, v)
		}
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := config.Empty()
	applyFlags(cfg, overrides{listen: "127.0.0.1:9999", locale: "de"})

	assert.Equal(t, "127.0.0.1:9999", cfg.GetListen())
	assert.Equal(t, "de", cfg.GetLocale())
	// unset overrides leave defaults alone
	assert.Equal(t, config.DefaultGRPCListen, cfg.GetGRPCListen())
	assert.Equal(t, config.DefaultDBPath, cfg.GetDBPath())
	assert.Nil(t, cfg.SerialPort)
}

func TestNewSensor(t *testing.T) {
	quiet(t)

	m, err := newSensor(config.Empty(), options{disableSensor: true})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Initialize(), serialmux.ErrSensorDisabled)
	require.NoError(t, m.Close())

	m, err = newSensor(config.Empty(), options{dev: true})
	require.NoError(t, err)
	assert.IsType(t, &serialmux.SerialMux[*sensing.Simulator]{}, m)
	require.NoError(t, m.Close())

	port := filepath.Join(t.TempDir(), "no-such-tty")
	cfg := config.Empty()
	applyFlags(cfg, overrides{port: port})
	_, err = newSensor(cfg, options{})
	assert.ErrorContains(t, err, port)
}

func TestRunCtl_Usage(t *testing.T) {
	var out bytes.Buffer
	for _, args := range [][]string{nil, {"status", "extra"}, {"reboot"}} {
		err := runCtl(context.Background(), &out, args)
		assert.ErrorIs(t, err, errUsage, "args %v", args)
	}
}

func TestRunCommand_Unknown(t *testing.T) {
	var buf bytes.Buffer
	flagOutput(t, &buf)
	assert.ErrorContains(t, runCommand(context.Background(), "frobnicate", nil), "unknown command")
	assert.Contains(t, buf.String(), "ecg-report ctl")
}

// TestAppEndToEnd runs the whole service against the simulated sensor:
// connect, grant the permission, run a three second session over gRPC and
// read the stored result over HTTP.
func TestAppEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a real-time session")
	}
	quiet(t)

	cfg := config.Empty()
	dur, tick, ignore, none := "3s", "1s", "0s", config.KeepAwakeNone
	cfg.Duration, cfg.Tick, cfg.IgnoreWindow, cfg.KeepAwake = &dur, &tick, &ignore, &none
	applyFlags(cfg, overrides{dbPath: filepath.Join(t.TempDir(), "ecg.db")})
	require.NoError(t, cfg.Validate())

	a, err := newApp(cfg, options{dev: true, grantPermission: true, exportDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- a.serve(ctx, httpLis, grpcLis) }()

	base := "http://" + httpLis.Addr().String()
	grpcAddr := grpcLis.Addr().String()

	require.Eventually(t, func() bool {
		var st struct {
			Connected bool `json:"connected"`
		}
		return getJSON(base+"/api/status", &st) == nil && st.Connected
	}, 5*time.Second, 50*time.Millisecond, "sensor never connected")

	// the first toggle asks for the permission; AutoGrant answers it
	require.Eventually(t, func() bool {
		var out bytes.Buffer
		return runCtl(ctx, &out, []string{"-addr", grpcAddr, "toggle"}) == nil
	}, 5*time.Second, 100*time.Millisecond, "toggle never succeeded")

	var out bytes.Buffer
	require.NoError(t, runCtl(ctx, &out, []string{"-addr", grpcAddr, "status"}))
	var st map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.Contains(t, []any{"running", "lead_off", "ending", "not_started"}, st["state"])

	var list struct {
		Sessions []session.Record `json:"sessions"`
	}
	require.Eventually(t, func() bool {
		return getJSON(base+"/api/sessions", &list) == nil && len(list.Sessions) == 1
	}, 10*time.Second, 100*time.Millisecond, "session was never stored")

	rec := list.Sessions[0]
	assert.True(t, rec.Success)
	assert.Equal(t, session.ReasonTimer, rec.Reason)

	resp, err := http.Post(base+"/api/sessions/"+rec.ID+"/export", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

// TestServe_ExitsOnFatalConnectionFailure checks that a sensing service
// that refuses the connection outright stops the process instead of leaving
// it running without a sensor.
func TestServe_ExitsOnFatalConnectionFailure(t *testing.T) {
	quiet(t)

	cfg := config.Empty()
	none := config.KeepAwakeNone
	cfg.KeepAwake = &none
	applyFlags(cfg, overrides{dbPath: filepath.Join(t.TempDir(), "ecg.db")})
	require.NoError(t, cfg.Validate())

	a, err := newApp(cfg, options{dev: true, grantPermission: true, simConnectError: "service_unavailable"})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- a.serve(context.Background(), httpLis, grpcLis) }()

	select {
	case err := <-served:
		require.Error(t, err)
		assert.ErrorIs(t, err, connection.ErrConnectionFatal)
		assert.Contains(t, err.Error(), "service_unavailable")
	case <-time.After(10 * time.Second):
		t.Fatal("serve kept running after a fatal connection failure")
	}
}

func getJSON(url string, v any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func quiet(t *testing.T) {
	t.Helper()
	original := monitoring.Logf
	t.Cleanup(func() { monitoring.Logf = original })
	monitoring.SetLogger(nil)
}

func flagOutput(t *testing.T, w io.Writer) {
	t.Helper()
	original := flag.CommandLine.Output()
	flag.CommandLine.SetOutput(w)
	t.Cleanup(func() { flag.CommandLine.SetOutput(original) })
}

func TestUsageMentionsCommands(t *testing.T) {
	var buf bytes.Buffer
	flagOutput(t, &buf)
	printUsage()
	for _, want := range []string{"migrate", "ctl", "version", "-dev"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("usage missing %q", want)
		}
	}
}
