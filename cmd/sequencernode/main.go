package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/log"
	"github.com/cuemby/l2seq/pkg/node"
)

var (
	// Version information, set via ldflags at build time.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sequencernode",
	Short: "A replicated, parallel transaction sequencer node",
	Long: `sequencernode runs one member of a Layer-2 transaction sequencer
cluster: Raft-replicated ordering, conflict-free parallel execution, and a
Merkle-accumulated state commitment, served as a single binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sequencernode version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start this node and join (or form) a cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		peers, _ := cmd.Flags().GetStringSlice("peers")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		var cfg config.Config
		var err error
		if configFile != "" {
			cfg, err = config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
		} else {
			cfg = config.Default()
		}
		if nodeID != "" {
			cfg.NodeID = nodeID
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if len(peers) > 0 {
			cfg.Peers = peers
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		n, err := node.New(cfg, bindAddr)
		if err != nil {
			return fmt.Errorf("create node: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := n.Start(ctx); err != nil {
			return fmt.Errorf("start node: %w", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics server error: %v", err)
			}
		}()
		fmt.Printf("node %s listening on %s, metrics on http://%s/metrics\n", cfg.NodeID, bindAddr, metricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)

		return n.Stop()
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file (defaults applied for anything it omits)")
	serveCmd.Flags().String("node-id", "", "This node's identifier, overrides the config file")
	serveCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address the peer replication transport listens on")
	serveCmd.Flags().String("data-dir", "", "Directory for the state store and replication log, overrides the config file")
	serveCmd.Flags().StringSlice("peers", nil, "Other cluster members' replication addresses, overrides the config file")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address the Prometheus metrics endpoint listens on")
}
