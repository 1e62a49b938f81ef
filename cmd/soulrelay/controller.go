// cmd/soulrelay/controller.go
// Implements the `soulrelay controller` sub-command: runs RelayHub +
// RelayHTTP (internal/controller.Controller) until SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/soulrelay/soulrelay/internal/config"
	"github.com/soulrelay/soulrelay/internal/controller"
	"github.com/soulrelay/soulrelay/internal/logging"
)

func newControllerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the Relay subsystem's Controller side",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.GetViper()
			if err := config.BindControllerFlags(cmd, v); err != nil {
				return err
			}
			cfg := config.LoadController(v)
			if !cfg.Enabled {
				logging.Sugar().Warn("relay.enabled is false; nothing to do")
				return nil
			}

			agents, err := config.LoadAgentConfigs(v)
			if err != nil {
				return err
			}

			ctl, err := controller.New(cfg, agents)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			logging.Logger().Info("relay controller starting",
				zap.String("ws", cfg.ListenWS), zap.String("http", cfg.ListenHTTP), zap.Int("agents", len(agents)))
			return ctl.Start(ctx)
		},
	}
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
