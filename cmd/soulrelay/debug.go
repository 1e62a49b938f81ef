// cmd/soulrelay/debug.go
// Implements `soulrelay debug`: runs the Controller and one Agent in the
// same process against a loopback listener, sharing one filesystem with
// destination paths suffixed to avoid self-collision. Useful for local
// smoke-testing without standing up two binaries.
package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/soulrelay/soulrelay/internal/config"
	"github.com/soulrelay/soulrelay/internal/controller"
	"github.com/soulrelay/soulrelay/internal/logging"
	"github.com/soulrelay/soulrelay/internal/registry"
)

func newDebugCmd() *cobra.Command {
	var (
		instanceName string
		sharesDir    string
		listenWS     string
		listenHTTP   string
	)

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Run Controller + one Agent in a single process for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := []byte("soulrelay-debug-secret")

			ctlCfg := config.Controller{
				Enabled:      true,
				ListenWS:     listenWS,
				ListenHTTP:   listenHTTP,
				DownloadsDir: "./.soulrelay-debug/controller-downloads",
				ShareTempDir: "./.soulrelay-debug/controller-share-tmp",
				TokenTTL:     5 * time.Minute,
			}
			agents := []registry.AgentConfig{{Name: instanceName, SharedSecret: secret}}

			ctl, err := controller.New(ctlCfg, agents)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			ctlDone := make(chan error, 1)
			go func() { ctlDone <- ctl.Start(ctx) }()

			// Give the Controller's listeners a moment to bind before dialing.
			time.Sleep(200 * time.Millisecond)

			agentCfg := config.Agent{
				InstanceName:          instanceName,
				Enabled:               true,
				ControllerAddress:     "ws://127.0.0.1" + listenWS + "/relay/ws",
				ControllerHTTPAddress: "http://127.0.0.1" + listenHTTP,
				ControllerSecret:      string(secret),
				DownloadsDir:          "./.soulrelay-debug/agent-downloads",
			}
			relayClient, _ := buildAgentClient(agentCfg, sharesDir)
			relayClient.Start(ctx)

			logging.Logger().Info("relay debug mode running",
				zap.String("agent", instanceName), zap.String("ws", listenWS), zap.String("http", listenHTTP))

			<-ctx.Done()
			relayClient.Stop()
			return waitWithTimeout(ctlDone)
		},
	}
	cmd.Flags().StringVar(&instanceName, "instance-name", "debug-agent", "Agent name to use for both sides")
	cmd.Flags().StringVar(&sharesDir, "shares-dir", "./.soulrelay-debug/agent-shares", "Local directory the debug Agent serves from")
	cmd.Flags().StringVar(&listenWS, "relay-listen-ws", ":2234", "Controller duplex-channel listen address")
	cmd.Flags().StringVar(&listenHTTP, "relay-listen-http", ":2235", "Controller RelayHTTP listen address")
	return cmd
}

func waitWithTimeout(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		return nil
	}
}
