// cmd/soulrelay/agent.go
// Implements the `soulrelay agent` sub-command: runs RelayClient
// (internal/client) against a configured Controller until SIGINT/SIGTERM.
package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/soulrelay/soulrelay/internal/client"
	"github.com/soulrelay/soulrelay/internal/config"
	"github.com/soulrelay/soulrelay/internal/localfs"
	"github.com/soulrelay/soulrelay/internal/logging"
)

func newAgentCmd() *cobra.Command {
	var sharesDir string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the Relay subsystem's Agent side",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.GetViper()
			if err := config.BindAgentFlags(cmd, v); err != nil {
				return err
			}
			cfg := config.LoadAgent(v)
			if !cfg.Enabled {
				logging.Sugar().Warn("relay.enabled is false; nothing to do")
				return nil
			}

			relayClient, _ := buildAgentClient(cfg, sharesDir)

			ctx, cancel := signalContext()
			defer cancel()

			logging.Logger().Info("relay agent starting",
				zap.String("instance", cfg.InstanceName), zap.String("controller", cfg.ControllerAddress))
			relayClient.Start(ctx)
			<-ctx.Done()
			relayClient.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&sharesDir, "shares-dir", "./shares", "Local directory this Agent serves files from")
	return cmd
}

// buildAgentClient wires internal/localfs into an internal/client.Client per
// the resolved Agent config.
func buildAgentClient(cfg config.Agent, sharesDir string) (*client.Client, *localfs.Catalog) {
	catalog := localfs.NewCatalog(sharesDir, filepath.Join(cfg.DownloadsDir, ".catalog-staging.json"))
	fs := localfs.New(sharesDir, cfg.DownloadsDir, func() {
		if _, _, err := catalog.Dump(); err != nil {
			logging.Logger().Warn("relay agent: rescan failed", zap.Error(err))
		}
	})

	c := client.New(client.Config{
		ControllerWSAddr:   cfg.ControllerAddress,
		ControllerHTTPAddr: cfg.ControllerHTTPAddress,
		InstanceName:       cfg.InstanceName,
		SharedSecret:       []byte(cfg.ControllerSecret),
		APIKey:             cfg.ControllerAPIKey,
		IgnoreCertErrors:   cfg.IgnoreCertErrors,
	}, fs, catalog)
	return c, catalog
}
