package config

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestBindControllerFlagsDefaults(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	if err := BindControllerFlags(cmd, v); err != nil {
		t.Fatalf("BindControllerFlags: %v", err)
	}

	cfg := LoadController(v)
	if cfg.Enabled {
		t.Fatal("expected relay.enabled to default to false")
	}
	if cfg.ListenWS != ":2234" {
		t.Fatalf("expected default listen_ws :2234, got %q", cfg.ListenWS)
	}
	if cfg.ListenHTTP != ":2235" {
		t.Fatalf("expected default listen_http :2235, got %q", cfg.ListenHTTP)
	}
	if cfg.TokenTTL != 5*time.Minute {
		t.Fatalf("expected default token_ttl 5m, got %v", cfg.TokenTTL)
	}
	if cfg.DownloadsDir != "./downloads" {
		t.Fatalf("expected default downloads_dir ./downloads, got %q", cfg.DownloadsDir)
	}
}

func TestBindControllerFlagsOverride(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	if err := BindControllerFlags(cmd, v); err != nil {
		t.Fatalf("BindControllerFlags: %v", err)
	}

	if err := cmd.ParseFlags([]string{
		"--relay-enabled=true",
		"--relay-listen-ws=:9999",
		"--relay-api-key=super-secret",
		"--relay-token-ttl=30s",
	}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg := LoadController(v)
	if !cfg.Enabled {
		t.Fatal("expected relay.enabled to be true after flag override")
	}
	if cfg.ListenWS != ":9999" {
		t.Fatalf("expected overridden listen_ws :9999, got %q", cfg.ListenWS)
	}
	if cfg.APIKey != "super-secret" {
		t.Fatalf("expected overridden api_key, got %q", cfg.APIKey)
	}
	if cfg.TokenTTL != 30*time.Second {
		t.Fatalf("expected overridden token_ttl 30s, got %v", cfg.TokenTTL)
	}
}

func TestBindAgentFlagsDefaultsAndOverride(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	if err := BindAgentFlags(cmd, v); err != nil {
		t.Fatalf("BindAgentFlags: %v", err)
	}

	cfg := LoadAgent(v)
	if cfg.InstanceName != "" {
		t.Fatalf("expected empty default instance_name, got %q", cfg.InstanceName)
	}
	if cfg.DownloadsDir != "./downloads" {
		t.Fatalf("expected default controller.downloads ./downloads, got %q", cfg.DownloadsDir)
	}

	if err := cmd.ParseFlags([]string{
		"--instance-name=agent-7",
		"--relay-controller-address=wss://controller.example:2234/relay/ws",
		"--relay-controller-http-address=https://controller.example:2235",
		"--relay-controller-ignore-cert-errors=true",
	}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg = LoadAgent(v)
	if cfg.InstanceName != "agent-7" {
		t.Fatalf("expected instance_name agent-7, got %q", cfg.InstanceName)
	}
	if cfg.ControllerAddress != "wss://controller.example:2234/relay/ws" {
		t.Fatalf("unexpected ControllerAddress: %q", cfg.ControllerAddress)
	}
	if cfg.ControllerHTTPAddress != "https://controller.example:2235" {
		t.Fatalf("unexpected ControllerHTTPAddress: %q", cfg.ControllerHTTPAddress)
	}
	if !cfg.IgnoreCertErrors {
		t.Fatal("expected IgnoreCertErrors to be true after override")
	}
}

func TestBindFieldsRejectsUnhandledKind(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	bogus := []fieldSpec{{Key: "x", EnvSuffix: "X", Flag: "x-flag", Kind: fieldKind(99), Default: "x"}}
	if err := bindFields(cmd, v, "SOULRELAY", bogus); err == nil {
		t.Fatal("expected an error for an unhandled field kind")
	}
}

func TestEnvironmentOverridesDefault(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	if err := BindControllerFlags(cmd, v); err != nil {
		t.Fatalf("BindControllerFlags: %v", err)
	}
	t.Setenv("SOULRELAY_RELAY_LISTEN_HTTP", ":7777")

	cfg := LoadController(v)
	if cfg.ListenHTTP != ":7777" {
		t.Fatalf("expected env override :7777, got %q", cfg.ListenHTTP)
	}
}
