package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/ecg.report/internal/config"
	"github.com/banshee-data/ecg.report/internal/db"
	"github.com/banshee-data/ecg.report/internal/version"
)

var (
	configPath      = flag.String("config", "", "Path to a .json, .yaml or .yml config file")
	devMode         = flag.Bool("dev", false, "Use the built-in ECG simulator instead of a serial sensor")
	disableSensor   = flag.Bool("disable-sensor", false, "Run without a sensor; sessions cannot start")
	listen          = flag.String("listen", "", "HTTP listen address (overrides config)")
	grpcListen      = flag.String("grpc-listen", "", "gRPC listen address (overrides config)")
	port            = flag.String("port", "", "Serial port to use (overrides config, ignored in dev mode)")
	dbPath          = flag.String("db-path", "", "SQLite database path (overrides config)")
	locale          = flag.String("locale", "", "Message locale: en, de or pl (overrides config)")
	exportDir       = flag.String("export-dir", "", "Directory for PNG trace exports; empty disables export")
	grantPermission = flag.Bool("grant-permission", false, "Grant the measurement permission without prompting")
	simLeadOffAfter = flag.Duration("sim-lead-off-after", 0, "Dev mode: drop electrode contact after this long")
	simLeadOffFor   = flag.Duration("sim-lead-off-for", 0, "Dev mode: keep electrode contact off for this long")
	simConnectError = flag.String("sim-connect-error", "", "Dev mode: refuse connections with this error code (old_platform, not_installed, service_unavailable, connection_refused)")
	showVersion     = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Current())
		return
	}
	if *devMode && *disableSensor {
		log.Fatal("-dev and -disable-sensor are mutually exclusive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flag.NArg() > 0 {
		if err := runCommand(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
			log.Fatal(err)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	if err := run(ctx, cfg, flagOptions()); err != nil {
		log.Fatal(err)
	}
}

func runCommand(ctx context.Context, command string, args []string) error {
	switch command {
	case "migrate":
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return db.RunMigrateCommand(os.Stdout, args, cfg.GetDBPath())
	case "ctl":
		return runCtl(ctx, os.Stdout, args)
	case "version":
		fmt.Println(version.Current())
		return nil
	case "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

// loadConfig reads -config when given and applies flag overrides.
func loadConfig() (*config.SessionConfig, error) {
	cfg := config.Empty()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	applyFlags(cfg, overrides{
		listen:     *listen,
		grpcListen: *grpcListen,
		port:       *port,
		dbPath:     *dbPath,
		locale:     *locale,
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type overrides struct {
	listen, grpcListen, port, dbPath, locale string
}

// applyFlags copies non-empty flag values over the config.
func applyFlags(cfg *config.SessionConfig, o overrides) {
	set := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	set(&cfg.Listen, o.listen)
	set(&cfg.GRPCListen, o.grpcListen)
	set(&cfg.SerialPort, o.port)
	set(&cfg.DBPath, o.dbPath)
	set(&cfg.Locale, o.locale)
}

func flagOptions() options {
	return options{
		dev:             *devMode,
		disableSensor:   *disableSensor,
		grantPermission: *grantPermission,
		exportDir:       *exportDir,
		simLeadOffAfter: *simLeadOffAfter,
		simLeadOffFor:   *simLeadOffFor,
		simConnectError: *simConnectError,
	}
}

var errUsage = errors.New("usage")

func printUsage() {
	fmt.Fprintf(flag.CommandLine.Output(), `ecg-report - ECG measurement session service

Usage:
  ecg-report [flags]                 Run the service
  ecg-report [flags] migrate <cmd>   Manage database migrations (up, down, status, force)
  ecg-report ctl [-addr a] <cmd>     Control a running service over gRPC (status, toggle, connect, watch)
  ecg-report version                 Show version

Flags:
`)
	flag.PrintDefaults()
}
