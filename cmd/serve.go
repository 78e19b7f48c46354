package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/huddle/internal/config"
	"github.com/BioHazard786/huddle/internal/logging"
	"github.com/BioHazard786/huddle/internal/registry"
	"github.com/BioHazard786/huddle/internal/server"
)

const shutdownGrace = 5 * time.Second

var (
	flagServeAddr     string
	flagServeCapacity int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling server",
	Long: `Run the signaling server that introduces participants to each other.

Examples:
  huddle serve
  huddle serve --addr :9000 --capacity 3`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(slog.LevelInfo)
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	cfg, err := config.LoadServer(config.ServerOptions{
		Addr:     flagServeAddr,
		Capacity: flagServeCapacity,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.Default()
	reg := registry.New(registry.WithCapacity(cfg.Capacity), registry.WithLogger(logger))
	hub := registry.NewHub(reg, logger)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewRouter(hub, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("signaling server listening", "addr", cfg.Addr, "capacity", cfg.Capacity)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by the HTTP server; the
	// hub closes them and tells every room.
	stopHub()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagServeAddr, "addr", "a", "", "Listen address (default :8080)")
	serveCmd.Flags().IntVarP(&flagServeCapacity, "capacity", "c", 0, "Participants per room, 1-4 (default 4)")
}
