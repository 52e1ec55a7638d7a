package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/steward/pkg/agent"
	"github.com/cuemby/steward/pkg/election"
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/security"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward - schema registry fleet coordination agent",
	Long: `Steward coordinates a fleet of schema-registry servers: it reconciles
credentials, authorization, and TLS certificates through a shared state
store, renders the registry configuration, and serializes restarts so at
most one node is down at a time.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Steward version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/steward/steward.yaml", "agent configuration file")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(getPasswordCmd)
	rootCmd.AddCommand(setPasswordCmd)
	rootCmd.AddCommand(setTLSKeyCmd)
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the coordination agent",
	Long: `Run the long-lived coordination agent on this node.

The agent joins the fleet's election group, subscribes to lifecycle and
relation events, and reconciles local service state on every delivery.
Events the fleet is not ready for are requeued and retried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := agent.LoadConfig(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: true})
		logger := log.WithComponent("main")

		if err := os.MkdirAll(cfg.ElectionDir(), 0o700); err != nil {
			return fmt.Errorf("create election dir: %w", err)
		}

		cipher, err := security.NewSecretsManagerFromPassword(cfg.ClusterSecret)
		if err != nil {
			return fmt.Errorf("derive cluster cipher: %w", err)
		}

		// The engine needs a leadership source and the elector needs the
		// engine's state machine, so leadership is looked up late
		var elector *election.RaftElector
		engine, err := storage.NewBoltStore(cfg.DataDir, cfg.NodeID, func() bool {
			return elector != nil && elector.IsLeader()
		}, cipher)
		if err != nil {
			return err
		}
		defer engine.Close()

		elector = election.NewRaftElector(cfg.NodeID, cfg.RaftBindAddr, cfg.ElectionDir(), storage.NewFSM(engine))
		if cfg.Bootstrap {
			if err := elector.Bootstrap(); err != nil {
				return err
			}
		} else {
			if err := elector.Join(); err != nil {
				return err
			}
		}
		defer elector.Shutdown()

		_, peerPort, err := net.SplitHostPort(cfg.PeerAddr)
		if err != nil {
			return fmt.Errorf("parse peer address: %w", err)
		}
		forwarder := storage.NewForwardClient(peerPort, elector.LeaderAddress)
		store := storage.NewReplicatedStore(engine, cfg.NodeID, elector.IsLeader, elector.Propose, forwarder.Forward)

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/v1/apply", &storage.ForwardHandler{
				IsLeader: elector.IsLeader,
				Propose:  elector.Propose,
			})
			logger.Info().Str("addr", cfg.PeerAddr).Msg("serving peer forwarding")
			if err := http.ListenAndServe(cfg.PeerAddr, mux); err != nil {
				logger.Error().Err(err).Msg("peer forwarding server stopped")
			}
		}()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		deps, err := buildDeps(cfg, store, elector, broker)
		if err != nil {
			return err
		}

		ag := agent.New(deps)

		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()

		// Periodic status probe, the fleet's update-status heartbeat
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ticker.C:
					broker.Publish(events.New(types.EventUpdateStatus))
				case <-ctx.Done():
					return
				}
			}
		}()

		broker.Publish(events.New(types.EventInstall))
		broker.Publish(events.New(types.EventStart))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		logger.Info().Str("node", cfg.NodeID).Msg("agent running")
		for {
			select {
			case event := <-sub:
				if event == nil {
					return nil
				}
				if _, err := ag.Reconcile(ctx, event); err != nil {
					if errors.Is(err, types.ErrNotReady) {
						broker.Requeue(event)
						continue
					}
					logger.Error().Err(err).Str("event", string(event.Kind)).Msg("reconcile failed")
				}
			case sig := <-sigCh:
				logger.Info().Str("signal", sig.String()).Msg("shutting down")
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	},
}
