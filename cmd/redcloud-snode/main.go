package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/redcloudfiles/redcloud/internal/config"
	"github.com/redcloudfiles/redcloud/internal/logging"
	"github.com/redcloudfiles/redcloud/internal/snode"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configPath  string
	interactive bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "redcloud-snode",
	Short: "RedCloud Files storage node",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the storage node until terminated",
	RunE:  runStorageNode,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	runCmd.Flags().BoolVar(&interactive, "interactive", false, "human-readable console logging instead of JSON")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func runStorageNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadStorageNodeConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Setup(cfg.LogLevel, interactive)
	logger := logging.ForNode("snode", cfg.NodeID)

	node, err := snode.New(*cfg, logger)
	if err != nil {
		return fmt.Errorf("construct storage node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start storage node: %w", err)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	return node.Stop(stopCtx)
}
