// internal/config/config.go
// Package config loads Controller and Agent configuration from flags,
// environment, and config file, merged through spf13/viper with the usual
// precedence (explicit > env > file > default).
//
// Settings live in an explicit table of fieldSpec entries that each config
// source (cobra flags, viper env/file binding) consumes the same way --
// adding a setting means adding one table row, not teaching a reflector
// about a new tag.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// fieldKind is the subset of flag/viper value types the Relay config needs.
type fieldKind int

const (
	kindString fieldKind = iota
	kindBool
	kindDuration
	kindInt
	kindStringSlice
)

// fieldSpec is one row of the explicit configuration table: the key viper
// binds on, the environment suffix, the CLI flag name, the type, default,
// description and whether changing it requires a process restart or the
// value is secret (and thus must never be logged).
type fieldSpec struct {
	Key             string
	EnvSuffix       string
	Flag            string
	Kind            fieldKind
	Default         any
	Description     string
	RequiresRestart bool
	Secret          bool
}

// controllerFields is the Controller's explicit configuration table.
var controllerFields = []fieldSpec{
	{Key: "relay.enabled", EnvSuffix: "RELAY_ENABLED", Flag: "relay-enabled", Kind: kindBool, Default: false,
		Description: "enable the Relay subsystem", RequiresRestart: true},
	{Key: "relay.listen_ws", EnvSuffix: "RELAY_LISTEN_WS", Flag: "relay-listen-ws", Kind: kindString, Default: ":2234",
		Description: "address the duplex channel listens on", RequiresRestart: true},
	{Key: "relay.listen_http", EnvSuffix: "RELAY_LISTEN_HTTP", Flag: "relay-listen-http", Kind: kindString, Default: ":2235",
		Description: "address RelayHTTP (bulk transfer) listens on", RequiresRestart: true},
	{Key: "relay.api_key", EnvSuffix: "RELAY_API_KEY", Flag: "relay-api-key", Kind: kindString, Default: "",
		Description: "HS256 secret that X-API-Key JWTs presented by agents are verified against", Secret: true},
	{Key: "relay.downloads_dir", EnvSuffix: "RELAY_DOWNLOADS_DIR", Flag: "relay-downloads-dir", Kind: kindString, Default: "./downloads",
		Description: "directory GET /downloads/{token} serves from"},
	{Key: "relay.share_temp_dir", EnvSuffix: "RELAY_SHARE_TEMP_DIR", Flag: "relay-share-temp-dir", Kind: kindString, Default: "./share-tmp",
		Description: "directory uploaded share-catalog databases are staged into"},
	{Key: "relay.token_ttl", EnvSuffix: "RELAY_TOKEN_TTL", Flag: "relay-token-ttl", Kind: kindDuration, Default: 5 * time.Minute,
		Description: "TokenRegistry idle TTL"},
	{Key: "relay.redis_addr", EnvSuffix: "RELAY_REDIS_ADDR", Flag: "relay-redis-addr", Kind: kindString, Default: "",
		Description: "optional Redis address for a durable TokenRegistry; empty means in-memory"},
}

// agentFields is the Agent's explicit configuration table.
var agentFields = []fieldSpec{
	{Key: "instance_name", EnvSuffix: "INSTANCE_NAME", Flag: "instance-name", Kind: kindString, Default: "",
		Description: "must match the Controller's configured Agent name", RequiresRestart: true},
	{Key: "relay.enabled", EnvSuffix: "RELAY_ENABLED", Flag: "relay-enabled", Kind: kindBool, Default: false,
		Description: "enable the Relay subsystem", RequiresRestart: true},
	{Key: "relay.controller.address", EnvSuffix: "RELAY_CONTROLLER_ADDRESS", Flag: "relay-controller-address", Kind: kindString, Default: "",
		Description: "wss://host:port/relay/ws of the Controller's duplex endpoint", RequiresRestart: true},
	{Key: "relay.controller.http_address", EnvSuffix: "RELAY_CONTROLLER_HTTP_ADDRESS", Flag: "relay-controller-http-address", Kind: kindString, Default: "",
		Description: "https://host:port of the Controller's RelayHTTP endpoint", RequiresRestart: true},
	{Key: "relay.controller.ignore_certificate_errors", EnvSuffix: "RELAY_CONTROLLER_IGNORE_CERT_ERRORS", Flag: "relay-controller-ignore-cert-errors", Kind: kindBool, Default: false,
		Description: "accept the Controller's self-signed certificate"},
	{Key: "relay.controller.api_key", EnvSuffix: "RELAY_CONTROLLER_API_KEY", Flag: "relay-controller-api-key", Kind: kindString, Default: "",
		Description: "X-API-Key to present to the Controller's HTTP endpoints", Secret: true},
	{Key: "relay.controller.secret", EnvSuffix: "RELAY_CONTROLLER_SECRET", Flag: "relay-controller-secret", Kind: kindString, Default: "",
		Description: "shared secret this Agent authenticates with", Secret: true},
	{Key: "relay.controller.downloads", EnvSuffix: "RELAY_CONTROLLER_DOWNLOADS", Flag: "relay-controller-downloads", Kind: kindString, Default: "./downloads",
		Description: "local directory pushed downloads are written into"},
}

// bindFields registers each fieldSpec as a persistent flag on cmd and binds
// viper to both that flag and its environment variable.
func bindFields(cmd *cobra.Command, v *viper.Viper, envPrefix string, fields []fieldSpec) error {
	for _, f := range fields {
		switch f.Kind {
		case kindString:
			cmd.PersistentFlags().String(f.Flag, f.Default.(string), f.Description)
		case kindBool:
			cmd.PersistentFlags().Bool(f.Flag, f.Default.(bool), f.Description)
		case kindDuration:
			cmd.PersistentFlags().Duration(f.Flag, f.Default.(time.Duration), f.Description)
		case kindInt:
			cmd.PersistentFlags().Int(f.Flag, f.Default.(int), f.Description)
		case kindStringSlice:
			cmd.PersistentFlags().StringSlice(f.Flag, f.Default.([]string), f.Description)
		default:
			return fmt.Errorf("config: unhandled field kind for %q", f.Key)
		}
		if err := v.BindPFlag(f.Key, cmd.PersistentFlags().Lookup(f.Flag)); err != nil {
			return err
		}
		v.SetDefault(f.Key, f.Default)
		_ = v.BindEnv(f.Key, envPrefix+"_"+f.EnvSuffix)
	}
	return nil
}

// BindControllerFlags wires the Controller's table onto cmd/v.
func BindControllerFlags(cmd *cobra.Command, v *viper.Viper) error {
	return bindFields(cmd, v, "SOULRELAY", controllerFields)
}

// BindAgentFlags wires the Agent's table onto cmd/v.
func BindAgentFlags(cmd *cobra.Command, v *viper.Viper) error {
	return bindFields(cmd, v, "SOULRELAY", agentFields)
}

// Controller is the resolved Controller-side configuration.
type Controller struct {
	Enabled       bool
	ListenWS      string
	ListenHTTP    string
	APIKey        string
	DownloadsDir  string
	ShareTempDir  string
	TokenTTL      time.Duration
	RedisAddr     string
}

// LoadController resolves a Controller config from v after BindControllerFlags.
func LoadController(v *viper.Viper) Controller {
	return Controller{
		Enabled:      v.GetBool("relay.enabled"),
		ListenWS:     v.GetString("relay.listen_ws"),
		ListenHTTP:   v.GetString("relay.listen_http"),
		APIKey:       v.GetString("relay.api_key"),
		DownloadsDir: v.GetString("relay.downloads_dir"),
		ShareTempDir: v.GetString("relay.share_temp_dir"),
		TokenTTL:     v.GetDuration("relay.token_ttl"),
		RedisAddr:    v.GetString("relay.redis_addr"),
	}
}

// Agent is the resolved Agent-side configuration.
type Agent struct {
	InstanceName          string
	Enabled               bool
	ControllerAddress     string
	ControllerHTTPAddress string
	IgnoreCertErrors      bool
	ControllerAPIKey      string
	ControllerSecret      string
	DownloadsDir          string
}

// LoadAgent resolves an Agent config from v after BindAgentFlags.
func LoadAgent(v *viper.Viper) Agent {
	return Agent{
		InstanceName:          v.GetString("instance_name"),
		Enabled:               v.GetBool("relay.enabled"),
		ControllerAddress:     v.GetString("relay.controller.address"),
		ControllerHTTPAddress: v.GetString("relay.controller.http_address"),
		IgnoreCertErrors:      v.GetBool("relay.controller.ignore_certificate_errors"),
		ControllerAPIKey:      v.GetString("relay.controller.api_key"),
		ControllerSecret:      v.GetString("relay.controller.secret"),
		DownloadsDir:          v.GetString("relay.controller.downloads"),
	}
}
