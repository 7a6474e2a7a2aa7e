package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"memgrowth/internal/growth"
	"memgrowth/internal/logging"
	"memgrowth/internal/network/resp"
	"memgrowth/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP port override")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Network.HTTPPort = port
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, err := initLogging(cfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()

	ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())

	ctrl, err := growth.NewFromConfig(cfg)
	if err != nil {
		logging.Error(ctx, logging.ComponentMain, logging.ActionStart, "Failed to create growth controller", err)
		return err
	}

	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(ctrl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if respAddr := cfg.RESPAddr(); respAddr != "" {
		respServer := resp.NewServer(respAddr, ctrl)
		if err := respServer.Start(); err != nil {
			logging.Error(ctx, logging.ComponentRESP, logging.ActionStart, "Failed to start RESP server", err)
			return err
		}
		defer respServer.Stop()
	}

	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "memgrowth starting", map[string]interface{}{
		"node_id":    cfg.Node.ID,
		"addr":       addr,
		"resp_addr":  cfg.RESPAddr(),
		"profile":    cfg.Growth.Profile,
		"objects":    fmt.Sprintf("%d-%d", cfg.Growth.ObjectsMin, cfg.Growth.ObjectsMax),
		"max_memory": cfg.Growth.MaxMemory,
		"version":    VersionString(),
	})

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-done:
	case err := <-serveErr:
		if err != nil {
			logging.Error(ctx, logging.ComponentHTTP, logging.ActionStart, "HTTP server failed", err)
			return err
		}
	}

	logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "Shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
