// internal/plugins/example/shareguard/shareguard.go
// Example "share_validator" plugin: rejects a catalog upload if any share
// descriptor's virtual path escapes its own tree via "..", or if the catalog
// is empty. Registered eagerly via init().
package shareguard

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/soulrelay/soulrelay/internal/plugins"
)

const Kind plugins.Kind = "share_validator"

type shareDescriptor struct {
	VirtualPath string `json:"virtual_path"`
	LocalPath   string `json:"local_path"`
	Size        int64  `json:"size"`
}

type guard struct{}

func (guard) Kind() plugins.Kind { return Kind }
func (guard) Name() string       { return "shareguard" }

func (guard) Init() (any, error) { return nil, nil }

// Validate implements the share_validator contract POST /shares looks up by
// kind and calls on every uploaded catalog before handing it to the Share
// subsystem: on success 200, on share validation error 400.
func (guard) Validate(agentName string, sharesJSON []byte) error {
	var descriptors []shareDescriptor
	if err := json.Unmarshal(sharesJSON, &descriptors); err != nil {
		return fmt.Errorf("shareguard: malformed shares payload: %w", err)
	}
	if len(descriptors) == 0 {
		return fmt.Errorf("shareguard: empty catalog from agent %s", agentName)
	}
	for _, d := range descriptors {
		if strings.Contains(d.VirtualPath, "..") {
			return fmt.Errorf("shareguard: share %q escapes its tree", d.VirtualPath)
		}
	}
	return nil
}

func init() {
	plugins.Register(guard{})
}
