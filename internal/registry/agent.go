// internal/registry/agent.go
// Package registry implements the AgentRegistry: the process-wide mutable
// set of configured Agents. It owns each AgentConfig (immutable, replaced
// atomically on reload) and the currently-bound AgentSession, if any.
//
// The registry is a global map-of-maps guarded by one sync.Mutex per
// shard rather than a single lock, 16-way sharded, since Bind/Unbind is on
// the hot path for every Agent login/disconnect.
package registry

import (
	"net"
	"net/netip"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/soulrelay/soulrelay/internal/logging"
	"github.com/soulrelay/soulrelay/internal/relayerr"
)

// AgentConfig is the immutable per-Agent configuration snapshot.
type AgentConfig struct {
	Name          string
	SharedSecret  []byte
	AllowedCIDRs  []string // e.g. "10.0.0.0/8"
}

// Session is the minimal contract AgentRegistry needs from a live duplex
// session -- it only ever holds this interface, never a concrete *hub.Session,
// to keep the registry package import-cycle-free from internal/hub.
type Session interface {
	// Close terminates the underlying channel. Bind calls this on the
	// previous session when force-replacing it.
	Close(reason string) error
}

// CatalogHandle is the opaque Share-subsystem handle AgentRegistry tracks per
// bound Agent. The Relay subsystem never inspects its contents; it only
// resolves ownership through Lookup.
type CatalogHandle interface {
	// Lookup reports whether this catalog advertises virtualFilename.
	Lookup(virtualFilename string) bool
	// RegisteredAt breaks ties in ResolveOwner: the most-recently-registered
	// catalog wins.
	RegisteredAt() int64
}

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	configs map[string]AgentConfig
	bound   map[string]Session
	catalog map[string]CatalogHandle
}

// Registry is the AgentRegistry.
type Registry struct {
	shards [shardCount]*shard
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{
			configs: make(map[string]AgentConfig),
			bound:   make(map[string]Session),
			catalog: make(map[string]CatalogHandle),
		}
	}
	return r
}

func (r *Registry) shardFor(name string) *shard {
	h := fnv32(name)
	return r.shards[h%shardCount]
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// ReplaceAll atomically swaps the configuration set used for IP/secret
// lookups. Agents bound under a name that no longer exists keep running
// until their session ends naturally; they simply can no longer be
// re-authenticated under the old config.
func (r *Registry) ReplaceAll(configs []AgentConfig) {
	byShard := make([][]AgentConfig, shardCount)
	for _, c := range configs {
		h := fnv32(c.Name) % shardCount
		byShard[h] = append(byShard[h], c)
	}
	for i, s := range r.shards {
		s.mu.Lock()
		s.configs = make(map[string]AgentConfig, len(byShard[i]))
		for _, c := range byShard[i] {
			s.configs[c.Name] = c
		}
		s.mu.Unlock()
	}
}

// Get returns the AgentConfig for name.
func (r *Registry) Get(name string) (AgentConfig, bool) {
	s := r.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[name]
	return c, ok
}

// List returns every configured Agent name, sorted for deterministic output.
func (r *Registry) List() []string {
	var out []string
	for _, s := range r.shards {
		s.mu.Lock()
		for name := range s.configs {
			out = append(out, name)
		}
		s.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Bind attaches session to name, force-replacing (and closing) any prior
// session bound under the same name: a new authenticated login for an
// existing name displaces the prior connection.
func (r *Registry) Bind(name string, session Session) {
	s := r.shardFor(name)
	s.mu.Lock()
	prev := s.bound[name]
	s.bound[name] = session
	s.mu.Unlock()

	if prev != nil && prev != session {
		_ = prev.Close("superseded by new login")
	}
}

// Unbind removes session only if it is still the one currently bound under
// name, guarding against a TOCTOU race with a concurrent force-replace.
func (r *Registry) Unbind(name string, session Session) {
	s := r.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound[name] == session {
		delete(s.bound, name)
	}
}

// BoundSession returns the currently bound session for name, if any.
func (r *Registry) BoundSession(name string) (Session, bool) {
	s := r.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.bound[name]
	return sess, ok
}

// SetCatalog atomically swaps the catalog handle bound to name on each
// successful catalog upload.
func (r *Registry) SetCatalog(name string, handle CatalogHandle) {
	s := r.shardFor(name)
	s.mu.Lock()
	s.catalog[name] = handle
	s.mu.Unlock()
}

// ResolveOwner finds which bound Agent's catalog advertises virtualFilename.
// Ties are broken in favor of the most recently registered catalog; a
// multi-owner tie is logged since it usually signals two Agents sharing an
// overlapping tree.
func (r *Registry) ResolveOwner(virtualFilename string) (string, error) {
	var (
		bestName string
		bestAt   int64
		found    bool
		owners   []string
	)
	for _, s := range r.shards {
		s.mu.Lock()
		for name, cat := range s.catalog {
			if _, bound := s.bound[name]; !bound {
				continue
			}
			if !cat.Lookup(virtualFilename) {
				continue
			}
			owners = append(owners, name)
			if !found || cat.RegisteredAt() > bestAt {
				bestName, bestAt, found = name, cat.RegisteredAt(), true
			}
		}
		s.mu.Unlock()
	}
	if !found {
		return "", relayerr.New(relayerr.NotFound, "no agent advertises this file")
	}
	if len(owners) > 1 {
		logging.Logger().Warn("multiple agents advertise the same file",
			zap.String("file", virtualFilename), zap.Strings("owners", owners), zap.String("chosen", bestName))
	}
	return bestName, nil
}

// IpAllowed checks remoteAddr against name's configured CIDR allowlist.
// IPv4-mapped IPv6 addresses are canonicalized to IPv4 first.
func (r *Registry) IpAllowed(name string, remoteAddr string) bool {
	cfg, ok := r.Get(name)
	if !ok {
		return false
	}
	if len(cfg.AllowedCIDRs) == 0 {
		return true // no allowlist configured => open
	}

	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	ip = ip.Unmap() // canonicalize IPv4-mapped IPv6 to IPv4

	for _, cidr := range cfg.AllowedCIDRs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			continue
		}
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}
