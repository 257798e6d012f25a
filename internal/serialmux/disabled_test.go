package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDisabledSerialMux_UnsubscribeClosesChannel(t *testing.T) {
	d := NewDisabledSerialMux()
	id, ch := d.Subscribe()

	d.Unsubscribe(id)
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed on unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestDisabledSerialMux_CloseClosesAllChannels(t *testing.T) {
	d := NewDisabledSerialMux()
	id1, ch1 := d.Subscribe()
	_, ch2 := d.Subscribe()

	if err := d.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	for _, ch := range []chan string{ch1, ch2} {
		if _, ok := <-ch; ok {
			t.Error("expected channel to be closed on Close")
		}
	}

	// subscribing after close yields a closed channel
	_, late := d.Subscribe()
	if _, ok := <-late; ok {
		t.Error("expected closed channel after Close")
	}
	d.Unsubscribe(id1)
	if err := d.Close(); err != nil {
		t.Errorf("second Close returned error: %v", err)
	}
}

func TestDisabledSerialMux_DeviceOperationsFail(t *testing.T) {
	d := NewDisabledSerialMux()
	if err := d.Initialize(); !errors.Is(err, ErrSensorDisabled) {
		t.Errorf("Initialize() = %v, want ErrSensorDisabled", err)
	}
	if err := d.SendCommand("CONNECT"); !errors.Is(err, ErrSensorDisabled) {
		t.Errorf("SendCommand() = %v, want ErrSensorDisabled", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Monitor(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Monitor() = %v, want context.Canceled", err)
	}
}

func TestDisabledSerialMux_AdminRoute(t *testing.T) {
	d := NewDisabledSerialMux()
	mux := http.NewServeMux()
	d.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/sensor", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != ErrSensorDisabled.Error()+"\n" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}
