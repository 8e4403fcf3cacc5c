// Command taskhubd is the task coordination server: a single binary
// that speaks JSON-RPC over stdio or HTTP, backed by a sqlite store
// (SPEC §6 "A single server binary that accepts a transport selector
// and a store path").
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskcoord/internal/config"
	"github.com/basket/taskcoord/internal/coordinator"
	"github.com/basket/taskcoord/internal/dispatcher"
	"github.com/basket/taskcoord/internal/obslog"
	"github.com/basket/taskcoord/internal/store"
	"github.com/basket/taskcoord/internal/transport"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=...".
var Version = "v1.0-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                    Start the server (transport from config/env, default stdio)
  %s -transport=http    Start the HTTP transport on -addr
  %s doctor [-json]     Run diagnostic checks against the store
  %s -h                 Show this help

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKHUBD_HOME                       Data directory (default: ~/.taskhubd)
  TASKHUBD_STORE_PATH                 sqlite database path override
  TASKHUBD_TRANSPORT                  "stdio" or "http"
  TASKHUBD_HTTP_ADDR                  HTTP listen address
  TASKHUBD_LOG_LEVEL                  debug|info|warn|error
  TASKHUBD_REQUEST_TIMEOUT_SECONDS    per-request cancellation budget
`)
}

func main() {
	flag.Usage = printUsage
	transportFlag := flag.String("transport", "", "transport to serve: stdio or http (overrides config/env)")
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config/env, only used with -transport=http)")
	storeFlag := flag.String("store", "", "sqlite database path (overrides config/env)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 && strings.ToLower(strings.TrimSpace(args[0])) == "doctor" {
		os.Exit(runDoctorCommand(context.Background(), args[1:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *transportFlag != "" {
		cfg.Transport = *transportFlag
	}
	if *addrFlag != "" {
		cfg.HTTPAddr = *addrFlag
	}
	if *storeFlag != "" {
		cfg.StorePath = *storeFlag
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(obslog.ParseLevel(cfg.LogLevel))
	logger, closer, err := obslog.New(cfg.HomeDir, logLevel, cfg.Transport == "stdio")
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "transport", cfg.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storePath := cfg.StorePath
	if storePath == "" {
		storePath = filepath.Join(cfg.HomeDir, "taskhubd.db")
	}
	st, err := store.Open(storePath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "path", storePath)

	coord := coordinator.New(st)
	disp := dispatcher.New(coord).WithLogger(logger)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	}
	go watchConfigReloads(ctx, watcher, logger, logLevel, cfg.HTTPAddr)

	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second

	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "", "stdio":
		runStdio(ctx, logger, disp, requestTimeout)
	case "http":
		runHTTP(ctx, logger, disp, coord, cfg, requestTimeout)
	default:
		fatalStartup(logger, "E_BAD_TRANSPORT", fmt.Errorf("unknown transport %q, want stdio or http", cfg.Transport))
	}

	logger.Info("shutdown complete")
}

func runStdio(ctx context.Context, logger *slog.Logger, disp *dispatcher.Dispatcher, requestTimeout time.Duration) {
	// stdout carries the wire protocol; a human at a terminal almost
	// certainly meant to run -transport=http instead.
	if isatty.IsTerminal(os.Stdout.Fd()) {
		logger.Warn("stdio transport: stdout is a terminal, not a pipe; agents expect newline-delimited JSON-RPC here")
	}
	st := transport.NewStdio(disp, logger, requestTimeout)
	if err := st.Run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stdio transport exited with error", "error", err)
		os.Exit(1)
	}
}

func runHTTP(ctx context.Context, logger *slog.Logger, disp *dispatcher.Dispatcher, coord *coordinator.Coordinator, cfg config.Config, requestTimeout time.Duration) {
	tr := transport.NewHTTP(disp, coord, logger, requestTimeout)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: tr.Handler(),
	}

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http transport listening", "addr", cfg.HTTPAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

// watchConfigReloads applies the one knob that can actually change
// without a restart (log level) and warns about the one that can't
// (the HTTP listen address, since the listener is already bound).
func watchConfigReloads(ctx context.Context, watcher *config.Watcher, logger *slog.Logger, logLevel *slog.LevelVar, startupHTTPAddr string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Warn("config reload: failed to re-read config.yaml", "path", ev.Path, "error", err)
				continue
			}
			newLevel := obslog.ParseLevel(cfg.LogLevel)
			if newLevel != logLevel.Level() {
				logLevel.Set(newLevel)
				logger.Info("config reload: log level changed", "log_level", cfg.LogLevel)
			}
			if cfg.HTTPAddr != startupHTTPAddr {
				logger.Warn("config reload: http_addr changed but the listener is already bound; restart to apply it",
					"configured_addr", cfg.HTTPAddr, "active_addr", startupHTTPAddr)
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
