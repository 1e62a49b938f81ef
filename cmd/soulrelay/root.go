// cmd/soulrelay/root.go
// Root command for the `soulrelay` CLI. Wires common flags, global
// initialisation (logger, config file) and adds the controller/agent/debug/
// version sub-commands defined in sibling files.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/soulrelay/soulrelay/internal/logging"
	"github.com/soulrelay/soulrelay/pkg/version"
)

var (
	cfgFile string
	logJSON bool
	rootCmd = &cobra.Command{
		Use:   "soulrelay",
		Short: "soulrelay – Relay subsystem for a Soulseek-style peer daemon",
		Long:  `soulrelay runs the Controller or Agent side of the Relay subsystem, proxying file uploads and downloads between a Controller's peer connections and the Agents that physically hold the shared files.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logging.Initialised() {
				return nil
			}
			return initLogger()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (YAML/TOML/JSON)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Enable JSON log output (default is human-friendly console)")

	rootCmd.AddCommand(newControllerCmd())
	rootCmd.AddCommand(newAgentCmd())
	rootCmd.AddCommand(newDebugCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// Execute is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "soulrelay"))
		}
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("SOULRELAY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logging.Sugar().Infof("Using config file: %s", viper.ConfigFileUsed())
	}
}

func initLogger() error {
	cfg := zap.NewProductionConfig()
	if !logJSON {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zap.TimeEncoder(func(t time.Time, enc zap.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339))
	})

	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	logging.Set(logger)
	logging.Sugar().Infow("soulrelay starting", "go_version", runtime.Version(), "version", version.String())
	return nil
}
