// internal/config/agents.go
// Loads the Controller's known-Agent list from config, alongside the
// explicit fieldSpec table in config.go. This list
// changes far less often than the scalar settings in that table, so it gets
// its own small loader rather than a fieldSpec row per Agent.
package config

import "github.com/soulrelay/soulrelay/internal/registry"

// agentEntry mirrors one "relay.agents[]" config entry.
type agentEntry struct {
	Name         string   `mapstructure:"name"`
	SharedSecret string   `mapstructure:"shared_secret"`
	AllowedCIDRs []string `mapstructure:"allowed_cidrs"`
}

// viperUnmarshalKey is the subset of *viper.Viper this file needs; declared
// as an interface so callers can pass the package-level viper instance or a
// scoped one interchangeably.
type viperUnmarshalKey interface {
	UnmarshalKey(key string, rawVal any) error
}

// LoadAgentConfigs reads "relay.agents" into AgentRegistry seed data.
func LoadAgentConfigs(v viperUnmarshalKey) ([]registry.AgentConfig, error) {
	var entries []agentEntry
	if err := v.UnmarshalKey("relay.agents", &entries); err != nil {
		return nil, err
	}
	out := make([]registry.AgentConfig, 0, len(entries))
	for _, e := range entries {
		out = append(out, registry.AgentConfig{
			Name:         e.Name,
			SharedSecret: []byte(e.SharedSecret),
			AllowedCIDRs: e.AllowedCIDRs,
		})
	}
	return out, nil
}
