// Package main runs posync for desktop POS terminals. It keeps the
// reconciliation service running in the background and serves the local UI
// over REST and WebSocket on desktop.listen_addr (127.0.0.1:8765 by default).
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/posync/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/posync/backend/internal/config"
	"github.com/kimhsiao/posync/backend/internal/logging"
	"github.com/kimhsiao/posync/backend/internal/services"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], nil); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "posync-desktop:", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled. ready, if set, receives the bound
// listen address once the server accepts connections.
func run(ctx context.Context, args []string, ready chan<- string) error {
	flags := pflag.NewFlagSet("posync-desktop", pflag.ContinueOnError)
	configFile := flags.String("config", "", "config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	loader := config.NewLoader(*configFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	logCloser := logging.Setup(cfg.LoggingOptions())
	defer logCloser.Close()

	hub := NewWSHub()
	svc, err := services.New(ctx, cfg, services.WithNotifier(hub))
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Desktop.ListenAddr)
	if err != nil {
		svc.Stop()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Desktop.ListenAddr, err)
	}
	server := &http.Server{
		Handler:           newRouter(svc, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := svc.Start(ctx); err != nil {
		listener.Close()
		svc.Stop()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	updates, unsubscribe := svc.Subscribe()
	g.Go(func() error {
		defer unsubscribe()
		hub.PublishState(ctx, updates)
		return nil
	})

	loader.Watch(svc.ApplyConfig)

	g.Go(func() error {
		logging.Info("Desktop server listening", map[string]interface{}{
			"addr":     listener.Addr().String(),
			"data_dir": cfg.DataDir,
		})
		if ready != nil {
			ready <- listener.Addr().String()
		}
		if err := server.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		if stopErr := svc.Stop(); err == nil {
			err = stopErr
		}
		return err
	})

	return g.Wait()
}

// newRouter registers the health check, the sync API and the WebSocket endpoint.
func newRouter(svc handlers.SyncService, hub *WSHub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"posync-desktop"}`))
	})

	handlers.NewSyncHandler(svc).Register(mux)
	mux.Handle("GET /ws", HandleWebSocket(hub))

	return mux
}
