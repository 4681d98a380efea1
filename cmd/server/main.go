// Command authcore-server runs the authentication core: it opens the database, wires
// the auth service and its background maintenance, and serves health and metrics on
// the ops port until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/charlesng35/authcore/internal/app"
	"github.com/charlesng35/authcore/pkg/logger"
)

const defaultShutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout)
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
	default:
		fmt.Fprintln(os.Stderr, "authcore:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("authcore-server", flag.ContinueOnError)
	fs.SetOutput(stdout)
	configPath := fs.String("config", "", "config directory, or a single config file")
	checkOnly := fs.Bool("check-config", false, "validate the configuration and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if *checkOnly {
		fmt.Fprintln(stdout, "configuration ok")
		return nil
	}

	if err := app.ConfigureLogging(cfg.Server); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.WithModule("bootstrap")

	stack, err := bootstrapRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	return serve(ctx, cfg.Server, stack, log)
}

// serve runs the ops listener until ctx ends or the listener fails, then drains it and
// releases the runtime within the shutdown timeout.
func serve(ctx context.Context, cfg app.ServerConfig, stack *runtimeStack, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.OpsPort)),
		Handler:           stack.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("ops listener started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var err error
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			err = fmt.Errorf("drain ops listener: %w", serr)
		}
		if serr := stack.Shutdown(shutdownCtx, log); serr != nil {
			log.Warn("shutdown incomplete", zap.Error(serr))
		}
		return err
	})

	err := g.Wait()
	if err == nil {
		log.Info("stopped")
	}
	return err
}

// loadApplicationConfig accepts a directory holding config.yaml or a path to a single
// file. An empty path searches ./config.
func loadApplicationConfig(path string) (*app.Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return app.LoadConfig()
	}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config path %q does not exist", path)
	case err != nil:
		return nil, fmt.Errorf("stat config path: %w", err)
	case info.IsDir():
		return app.LoadConfig(path)
	default:
		return app.LoadConfigFile(path)
	}
}
