// Command taskhub serves the task routing API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jordanhubbard/taskhub/internal/app"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("taskhub", flag.ContinueOnError)
	fs.SetOutput(stderr)
	healthcheck := fs.Bool("healthcheck", false, "probe /healthz on TASKHUB_LISTEN_ADDR and exit (for container health checks)")
	showVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	switch {
	case *showVersion:
		_, _ = fmt.Fprintf(stdout, "taskhub %s\n", version)
		return 0
	case *healthcheck:
		addr := os.Getenv("TASKHUB_LISTEN_ADDR")
		if addr == "" {
			addr = ":8080"
		}
		if err := healthCheck(addr); err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config error: %v\n", err)
		return 1
	}
	cfg.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, nil); err != nil {
		slog.Error("taskhub exited", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// healthCheck GETs /healthz on addr (":port" or "host:port").
func healthCheck(addr string) error {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// serve runs the server until ctx is done, then drains in-flight requests,
// flushes usage and releases every backing connection. ready, when set, is
// called with the bound address once the listener is open.
func serve(ctx context.Context, cfg app.Config, ready func(net.Addr)) error {
	srv, err := app.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	logger := slog.Default().With(slog.String("version", version))

	if err := srv.Start(ctx); err != nil {
		_ = srv.Close(context.Background())
		return fmt.Errorf("server start: %w", err)
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		_ = srv.Close(context.Background())
		return fmt.Errorf("listen: %w", err)
	}

	httpServer := &http.Server{
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Dispatch is bounded by DispatchTimeout. Event streams lift this
		// per request.
		WriteTimeout: cfg.DispatchTimeout + 10*time.Second,
	}
	httpServer.RegisterOnShutdown(srv.StopStreams)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("taskhub listening", slog.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		reloadOnHangup(gctx, srv, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down, draining in-flight requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := errors.Join(httpServer.Shutdown(shutdownCtx), srv.Close(shutdownCtx))
		logger.Info("shutdown complete")
		return err
	})
	if ready != nil {
		ready(ln.Addr())
	}
	return g.Wait()
}

// reloadOnHangup re-reads configuration on SIGHUP and applies the settings
// that can change at runtime.
func reloadOnHangup(ctx context.Context, srv *app.Server, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := app.LoadConfig()
			if err != nil {
				logger.Warn("config reload failed, keeping current config", slog.String("error", err.Error()))
				continue
			}
			srv.Reload(cfg)
		}
	}
}
