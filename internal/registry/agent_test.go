package registry

import "testing"

type fakeSession struct {
	closed bool
	reason string
}

func (f *fakeSession) Close(reason string) error {
	f.closed = true
	f.reason = reason
	return nil
}

type fakeCatalog struct {
	files map[string]bool
	at    int64
}

func (c *fakeCatalog) Lookup(virtualFilename string) bool { return c.files[virtualFilename] }
func (c *fakeCatalog) RegisteredAt() int64                { return c.at }

func TestGetAfterReplaceAll(t *testing.T) {
	r := New()
	r.ReplaceAll([]AgentConfig{{Name: "alice", SharedSecret: []byte("s")}})

	cfg, ok := r.Get("alice")
	if !ok || cfg.Name != "alice" {
		t.Fatalf("expected to find alice, got %+v ok=%v", cfg, ok)
	}
	if _, ok := r.Get("bob"); ok {
		t.Fatal("did not expect bob to be configured")
	}
}

func TestReplaceAllDropsStaleNames(t *testing.T) {
	r := New()
	r.ReplaceAll([]AgentConfig{{Name: "alice"}, {Name: "bob"}})
	r.ReplaceAll([]AgentConfig{{Name: "alice"}})

	if _, ok := r.Get("bob"); ok {
		t.Fatal("expected bob to be dropped by the second ReplaceAll")
	}
	if names := r.List(); len(names) != 1 || names[0] != "alice" {
		t.Fatalf("expected List()==[alice], got %v", names)
	}
}

func TestBindForceReplacesPriorSession(t *testing.T) {
	r := New()
	r.ReplaceAll([]AgentConfig{{Name: "alice"}})

	first := &fakeSession{}
	second := &fakeSession{}

	r.Bind("alice", first)
	r.Bind("alice", second)

	if !first.closed {
		t.Fatal("expected the first session to be closed when superseded")
	}
	if second.closed {
		t.Fatal("did not expect the second session to be closed")
	}
	bound, ok := r.BoundSession("alice")
	if !ok || bound != second {
		t.Fatal("expected the second session to be the currently bound one")
	}
}

func TestUnbindGuardsAgainstStaleSession(t *testing.T) {
	r := New()
	r.ReplaceAll([]AgentConfig{{Name: "alice"}})

	first := &fakeSession{}
	second := &fakeSession{}
	r.Bind("alice", first)
	r.Bind("alice", second)

	// Unbind referencing the superseded session must not remove the current one.
	r.Unbind("alice", first)
	if _, ok := r.BoundSession("alice"); !ok {
		t.Fatal("expected the current session to remain bound")
	}

	r.Unbind("alice", second)
	if _, ok := r.BoundSession("alice"); ok {
		t.Fatal("expected no session bound after unbinding the current one")
	}
}

func TestResolveOwnerPrefersMostRecentCatalog(t *testing.T) {
	r := New()
	r.ReplaceAll([]AgentConfig{{Name: "alice"}, {Name: "bob"}})
	r.Bind("alice", &fakeSession{})
	r.Bind("bob", &fakeSession{})

	r.SetCatalog("alice", &fakeCatalog{files: map[string]bool{"song.mp3": true}, at: 1})
	r.SetCatalog("bob", &fakeCatalog{files: map[string]bool{"song.mp3": true}, at: 2})

	owner, err := r.ResolveOwner("song.mp3")
	if err != nil {
		t.Fatalf("ResolveOwner: %v", err)
	}
	if owner != "bob" {
		t.Fatalf("expected bob (most recently registered), got %s", owner)
	}
}

func TestResolveOwnerIgnoresUnboundCatalog(t *testing.T) {
	r := New()
	r.ReplaceAll([]AgentConfig{{Name: "alice"}})
	r.SetCatalog("alice", &fakeCatalog{files: map[string]bool{"song.mp3": true}, at: 1})
	// alice never Bind()s a session.

	if _, err := r.ResolveOwner("song.mp3"); err == nil {
		t.Fatal("expected ResolveOwner to fail when the only catalog owner isn't bound")
	}
}

func TestResolveOwnerNotFound(t *testing.T) {
	r := New()
	if _, err := r.ResolveOwner("missing.mp3"); err == nil {
		t.Fatal("expected ResolveOwner to fail for an unknown file")
	}
}

func TestIpAllowedNoAllowlistIsOpen(t *testing.T) {
	r := New()
	r.ReplaceAll([]AgentConfig{{Name: "alice"}})
	if !r.IpAllowed("alice", "203.0.113.5:1234") {
		t.Fatal("expected no CIDR allowlist to allow any address")
	}
}

func TestIpAllowedEnforcesCIDR(t *testing.T) {
	r := New()
	r.ReplaceAll([]AgentConfig{{Name: "alice", AllowedCIDRs: []string{"10.0.0.0/8"}}})

	if !r.IpAllowed("alice", "10.1.2.3:5000") {
		t.Fatal("expected 10.1.2.3 to match 10.0.0.0/8")
	}
	if r.IpAllowed("alice", "203.0.113.5:5000") {
		t.Fatal("expected 203.0.113.5 to be rejected by 10.0.0.0/8")
	}
}

func TestIpAllowedUnmapsIPv4MappedIPv6(t *testing.T) {
	r := New()
	r.ReplaceAll([]AgentConfig{{Name: "alice", AllowedCIDRs: []string{"10.0.0.0/8"}}})

	if !r.IpAllowed("alice", "[::ffff:10.1.2.3]:5000") {
		t.Fatal("expected an IPv4-mapped IPv6 address to canonicalize before CIDR matching")
	}
}

func TestIpAllowedUnknownAgentIsDenied(t *testing.T) {
	r := New()
	if r.IpAllowed("ghost", "10.1.2.3:5000") {
		t.Fatal("expected an unconfigured agent to be denied")
	}
}
