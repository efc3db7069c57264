package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/folia/internal/config"
	"github.com/kalambet/folia/internal/remote"
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the shared remote hub that folia clients sync with",
	Long: `Run the shared remote hub.

The hub keeps the authoritative revision of every record. By default it
stores records in PostgreSQL (hub.dsn / FOLIA_HUB_DSN); --memory keeps them
in process memory, which is useful for trying out sync locally.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		memory, _ := cmd.Flags().GetBool("memory")
		listen, _ := cmd.Flags().GetString("listen")
		return runHub(memory, listen)
	},
}

func init() {
	hubCmd.Flags().Bool("memory", false, "keep records in memory instead of PostgreSQL")
	hubCmd.Flags().String("listen", "", "listen address (default :<hub.port>)")
}

func runHub(memory bool, listen string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store remote.HubStore
	switch {
	case memory:
		store = remote.NewMemoryHub()
		slog.Warn("hub records are kept in memory and lost on exit")
	case cfg.Hub.DSN != "":
		pg, err := remote.OpenPostgresHub(ctx, remote.PostgresConfig{DSN: cfg.Hub.DSN}, slog.Default())
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	default:
		return fmt.Errorf("hub needs FOLIA_HUB_DSN or --memory")
	}

	if cfg.Hub.Token == "" {
		printWarning("hub.token is empty; the hub accepts unauthenticated pushes")
	}

	if listen == "" {
		listen = fmt.Sprintf(":%d", cfg.Hub.Port)
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           remote.NewHubHandler(store, cfg.Hub.Token, slog.Default()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("folia hub listening", "addr", listen, "memory", memory)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("hub shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("hub server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
