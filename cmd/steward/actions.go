package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/steward/pkg/agent"
	"github.com/cuemby/steward/pkg/election"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/security"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
)

// withAgent builds an agent over the local data directory for a one-shot
// administrative action. The long-running agent must be stopped first: the
// state database takes an exclusive lock. Writes land locally only; the
// next agent run replicates whatever the action changed.
func withAgent(leader bool, fn func(*agent.Agent) error) error {
	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: "warn", JSONOutput: false})

	cipher, err := security.NewSecretsManagerFromPassword(cfg.ClusterSecret)
	if err != nil {
		return fmt.Errorf("derive cluster cipher: %w", err)
	}

	elector := &election.Static{Leader: leader, LocalID: cfg.NodeID}
	store, err := storage.NewBoltStore(cfg.DataDir, cfg.NodeID, elector.IsLeader, cipher)
	if err != nil {
		return err
	}
	defer store.Close()

	deps, err := buildDeps(cfg, store, elector, nil)
	if err != nil {
		return err
	}
	return fn(agent.New(deps))
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the node's reconciliation status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(false, func(ag *agent.Agent) error {
			status, err := ag.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(status)
			if status.Blocking() {
				os.Exit(1)
			}
			return nil
		})
	},
}

var getPasswordCmd = &cobra.Command{
	Use:   "get-password",
	Short: "Print an internal user's current password",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		return withAgent(false, func(ag *agent.Agent) error {
			password, err := ag.FetchCredential(username)
			if err != nil {
				return err
			}
			fmt.Println(password)
			return nil
		})
	},
}

var setPasswordCmd = &cobra.Command{
	Use:   "set-password",
	Short: "Rotate an internal user's password",
	Long: `Rotate an internal user's password and restart the registry service
so it picks up the new authorization file. Run on the leader node.

Without --password a random password is generated. Re-submitting the
current password is rejected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		return withAgent(true, func(ag *agent.Agent) error {
			secret, err := ag.RotateCredential(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Println(secret)
			return nil
		})
	},
}

var setTLSKeyCmd = &cobra.Command{
	Use:   "set-tls-key",
	Short: "Replace the node's TLS private key",
	Long: `Replace the node's TLS private key with the contents of --key-file,
or generate a fresh key when no file is given. A new signing request is
submitted immediately; the old certificate stays in place until the new
one is issued.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyFile, _ := cmd.Flags().GetString("key-file")

		var material string
		if keyFile != "" {
			content, err := os.ReadFile(keyFile)
			if err != nil {
				return fmt.Errorf("read key file: %w", err)
			}
			material = string(content)
		}
		return withAgent(false, func(ag *agent.Agent) error {
			return ag.SetPrivateKey(material)
		})
	},
}

func init() {
	getPasswordCmd.Flags().String("username", types.AdminUser, "internal username")
	setPasswordCmd.Flags().String("username", types.AdminUser, "internal username")
	setPasswordCmd.Flags().String("password", "", "new password (generated when empty)")
	setTLSKeyCmd.Flags().String("key-file", "", "PEM or base64 private key file")
}
