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
	"github.com/redcloudfiles/redcloud/internal/mnode"
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
	Use:   "redcloud-mnode",
	Short: "RedCloud Files metadata node",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the metadata node until terminated",
	RunE:  runMetadataNode,
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

// runMetadataNode implements §10.1's `run` subcommand: load config, wire
// the node, start it, block until a shutdown signal, drain with a bounded
// grace period.
func runMetadataNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadMetadataNodeConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Setup(cfg.LogLevel, interactive)
	logger := logging.ForNode("mnode", cfg.NodeID)

	node, err := mnode.New(*cfg, logger)
	if err != nil {
		return fmt.Errorf("construct metadata node: %w", err)
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
		return fmt.Errorf("start metadata node: %w", err)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	return node.Stop(stopCtx)
}
