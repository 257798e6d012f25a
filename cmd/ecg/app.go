package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/ecg.report/internal/api"
	"github.com/banshee-data/ecg.report/internal/config"
	"github.com/banshee-data/ecg.report/internal/connection"
	"github.com/banshee-data/ecg.report/internal/db"
	"github.com/banshee-data/ecg.report/internal/dispatch"
	"github.com/banshee-data/ecg.report/internal/format"
	"github.com/banshee-data/ecg.report/internal/keepawake"
	"github.com/banshee-data/ecg.report/internal/measurement"
	"github.com/banshee-data/ecg.report/internal/permission"
	"github.com/banshee-data/ecg.report/internal/rpc"
	"github.com/banshee-data/ecg.report/internal/sensing"
	"github.com/banshee-data/ecg.report/internal/serialmux"
	"github.com/banshee-data/ecg.report/internal/session"
)

const (
	httpShutdownTimeout = 2 * time.Second
	grpcStopTimeout     = 2 * time.Second
	grantLoadTimeout    = 2 * time.Second
	keepAwakeReason     = "ECG measurement in progress"
)

// options are the run-time switches that do not live in the config file.
type options struct {
	dev             bool
	disableSensor   bool
	grantPermission bool
	exportDir       string
	simLeadOffAfter time.Duration
	simLeadOffFor   time.Duration
	// simConnectError makes the simulator refuse connections with this
	// error code.
	simConnectError string
}

// app is the wired service. Close releases everything newApp opened.
type app struct {
	mux        serialmux.SerialMuxInterface
	store      *db.DB
	loop       *dispatch.Loop
	conn       *connection.Manager
	orch       *session.Orchestrator
	handler    http.Handler
	grpcServer *grpc.Server
}

func newSensor(cfg *config.SessionConfig, o options) (serialmux.SerialMuxInterface, error) {
	switch {
	case o.disableSensor:
		log.Print("sensor disabled; sessions cannot start")
		return serialmux.NewDisabledSerialMux(), nil
	case o.dev:
		log.Print("dev mode: using the simulated ECG sensor")
		opts := sensing.SimulatorOptions{
			LeadOffAfter: o.simLeadOffAfter,
			LeadOffFor:   o.simLeadOffFor,
		}
		if o.simConnectError != "" {
			opts.Failure = &sensing.ConnectError{
				Code:    sensing.ParseErrorCode(o.simConnectError),
				Message: "simulated failure",
			}
		}
		return sensing.NewSimulatedSerialMux(opts), nil
	default:
		m, err := serialmux.NewRealSerialMux(cfg.GetSerialPort(), cfg.GetSerialOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to open sensor port %s: %w", cfg.GetSerialPort(), err)
		}
		return m, nil
	}
}

func newApp(cfg *config.SessionConfig, o options) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.mux, err = newSensor(cfg, o); err != nil {
		return nil, err
	}
	if a.store, err = db.NewDB(cfg.GetDBPath()); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a.loop = dispatch.NewLoop()
	a.conn = connection.NewManager(sensing.NewSerialDialer(a.mux), a.loop, nil)

	var prompter permission.Prompter
	var queue *permission.Queue
	if o.grantPermission {
		prompter = permission.AutoGrant{}
	} else {
		queue = permission.NewQueue()
		prompter = queue
	}
	perms := permission.NewResolver(a.store, prompter, permission.Options{
		ScopedHealthData: cfg.GetScopedHealthData(),
		PromptTimeout:    cfg.GetPromptTimeout(),
	})
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), grantLoadTimeout)
	defer cancelLoad()
	if err := perms.Load(loadCtx); err != nil {
		return nil, err
	}

	var inhibitor keepawake.Inhibitor = keepawake.Noop{}
	if cfg.GetKeepAwake() == config.KeepAwakeSystemd {
		inhibitor = keepawake.SystemdInhibitor{}
	}

	a.orch, err = session.New(cfg.CountdownConfig(), session.Deps{
		Loop:        a.loop,
		Connection:  a.conn,
		Measurement: measurement.New(a.conn, a.loop),
		Permissions: perms,
		Formatter:   format.New(cfg.GetLocale()),
		KeepAwake:   keepawake.NewGuard(inhibitor, keepAwakeReason),
		Results:     a.store,
	})
	if err != nil {
		return nil, err
	}

	apiOpts := api.Options{
		Store:      a.store,
		Connection: a.conn,
		Config:     cfg,
		ExportDir:  o.exportDir,
	}
	if queue != nil {
		apiOpts.Prompts = queue
	}
	mux := api.NewServer(a.orch, apiOpts).ServeMux()
	a.mux.AttachAdminRoutes(mux)
	if err := a.store.AttachAdminRoutes(mux); err != nil {
		return nil, err
	}
	a.handler = api.LoggingMiddleware(mux)
	a.grpcServer = rpc.NewGRPCServer(rpc.NewServer(a.orch, a.conn))
	return a, nil
}

// serve runs the sensor monitor and both servers until ctx is done or the
// sensing connection fails fatally, then shuts the session down before
// stopping the servers so event streams end cleanly. A fatal connection
// failure is returned so the process exits and its supervisor restarts it
// with a fresh connection.
func (a *app) serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	server := &http.Server{Handler: a.handler}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("HTTP server listening on %s", httpLis.Addr())
		if err := server.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("gRPC server listening on %s", grpcLis.Addr())
		if err := a.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errs <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	if err := a.orch.Connect(); err != nil {
		errs <- err
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errs:
	case <-a.orch.Fatal():
		serveErr = fmt.Errorf("sensing service: %w", a.orch.FatalErr())
	}
	cancel()
	log.Print("shutting down...")

	a.orch.Shutdown()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	stopped := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(grpcStopTimeout):
		a.grpcServer.Stop()
	}

	wg.Wait()
	return serveErr
}

func (a *app) Close() {
	if a.orch != nil {
		a.orch.Shutdown()
	}
	if a.loop != nil {
		a.loop.Close()
	}
	if a.mux != nil {
		if err := a.mux.Close(); err != nil {
			log.Printf("failed to close sensor: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("failed to close database: %v", err)
		}
	}
}

// run serves cfg until ctx is done.
func run(ctx context.Context, cfg *config.SessionConfig, o options) error {
	a, err := newApp(cfg, o)
	if err != nil {
		return err
	}
	defer a.Close()

	httpLis, err := net.Listen("tcp", cfg.GetListen())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GetListen(), err)
	}
	grpcLis, err := net.Listen("tcp", cfg.GetGRPCListen())
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("failed to listen on %s: %w", cfg.GetGRPCListen(), err)
	}

	if err := a.serve(ctx, httpLis, grpcLis); err != nil {
		return err
	}
	log.Print("graceful shutdown complete")
	return nil
}
