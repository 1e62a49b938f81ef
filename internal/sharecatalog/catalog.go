// Package sharecatalog is a minimal stand-in for the out-of-scope Share
// subsystem's indexer (parsing, deduping and persisting an Agent's file
// listing is out of scope here). It satisfies internal/hub.ShareRegistrar
// just enough to let RelayHub
// install a registry.CatalogHandle after POST /shares succeeds: it decodes
// the uploaded descriptor list and remembers which virtual paths it
// contains, nothing more.
package sharecatalog

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/soulrelay/soulrelay/internal/registry"
)

type descriptor struct {
	VirtualPath string `json:"virtual_path"`
	LocalPath   string `json:"local_path"`
	Size        int64  `json:"size"`
}

// handle implements registry.CatalogHandle over a fixed set of virtual
// paths, swapped in atomically so concurrent ResolveOwner lookups never
// race a re-upload.
type handle struct {
	paths        *atomic.Pointer[map[string]struct{}]
	registeredAt int64
}

func (h *handle) Lookup(virtualFilename string) bool {
	m := h.paths.Load()
	if m == nil {
		return false
	}
	_, ok := (*m)[virtualFilename]
	return ok
}

func (h *handle) RegisteredAt() int64 { return h.registeredAt }

// Store is the ShareRegistrar implementation.
type Store struct{}

// New constructs a Store.
func New() *Store { return &Store{} }

// RegisterAgentCatalog decodes sharesJSON and returns a CatalogHandle over
// its virtual paths.
func (s *Store) RegisterAgentCatalog(agentName string, sharesJSON []byte) (registry.CatalogHandle, error) {
	var descriptors []descriptor
	if err := json.Unmarshal(sharesJSON, &descriptors); err != nil {
		return nil, fmt.Errorf("sharecatalog: malformed catalog from %s: %w", agentName, err)
	}
	paths := make(map[string]struct{}, len(descriptors))
	for _, d := range descriptors {
		paths[d.VirtualPath] = struct{}{}
	}
	p := atomic.NewPointer(&paths)
	return &handle{paths: p, registeredAt: time.Now().UnixNano()}, nil
}
