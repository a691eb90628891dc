package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iggydv12/mycelia/internal/config"
	"github.com/iggydv12/mycelia/internal/node"
	"github.com/iggydv12/mycelia/internal/router"
)

var (
	cfgFile string
	role    string
	port    int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mycelia",
		Short: "Mycelia: zero-configuration LAN mesh for distributing model requests",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a mesh node",
		RunE:  runStart,
	}

	startCmd.Flags().StringVarP(&role, "role", "r", "worker", "Node role: 'worker' (executes requests) | 'shim' (forwards round-robin to peers, executes locally as fallback)")
	startCmd.Flags().IntVarP(&port, "port", "p", 11434, "Service port, shared by every mesh member")
	startCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")
	rootCmd.AddCommand(startCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	// Flags win over the config file only when given.
	if cmd.Flags().Changed("role") {
		cfg.Node.Role = role
	}
	if cmd.Flags().Changed("port") {
		cfg.Node.Port = port
	}

	r, err := router.ParseRole(cfg.Node.Role)
	if err != nil {
		return err
	}

	ctrl := node.NewController(cfg, r, logger)
	return ctrl.Run(context.Background())
}
