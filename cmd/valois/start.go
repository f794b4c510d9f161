package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Demosthene27/valois-sdk/config"
	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/node"
)

var startGenesisPath string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the node",
	Long: `Start the Valois node with the specified configuration.

The node will run until interrupted (Ctrl+C) or receives a termination signal.

Example:
  valois start --config config.toml`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startGenesisPath, "genesis", "", "genesis document path (default: genesis.json next to the config file)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := createLogger(cfg.Logging)

	genesisPath := startGenesisPath
	if genesisPath == "" {
		genesisPath = filepath.Join(filepath.Dir(cfgFile), "genesis.json")
	}
	genesis, err := node.LoadGenesisDoc(genesisPath)
	if err != nil {
		return fmt.Errorf("loading genesis: %w", err)
	}

	logger.Info("Starting Valois node",
		"chain_id", cfg.Node.ChainID,
		"version", Version,
	)

	n, err := node.NewNode(cfg, genesis, node.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}

	if err := n.Start(); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	logger.Info("Node started successfully",
		"listen_addrs", cfg.Network.ListenAddrs,
		"peer_id", n.Network().PeerID().String(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("Received signal, shutting down", "signal", sig)

	if err := n.Stop(); err != nil {
		logger.Error("Error stopping node", "error", err)
		return fmt.Errorf("stopping node: %w", err)
	}

	logger.Info("Node stopped gracefully")
	return nil
}

// createLogger creates a logger based on configuration.
func createLogger(cfg config.LoggingConfig) *logging.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w = os.Stderr
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		w = os.Stdout
	case "stderr", "":
		w = os.Stderr
	default:
		if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = f
		}
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return logging.NewJSONLogger(w, level)
	default:
		return logging.NewTextLogger(w, level)
	}
}
