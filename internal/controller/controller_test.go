package controller

import (
	"context"
	"testing"
	"time"

	"github.com/soulrelay/soulrelay/internal/config"
	"github.com/soulrelay/soulrelay/internal/registry"
)

func TestNewWiresAgentRegistryAndInMemoryTokens(t *testing.T) {
	cfg := config.Controller{
		ListenWS:     ":0",
		ListenHTTP:   ":0",
		DownloadsDir: t.TempDir(),
		ShareTempDir: t.TempDir(),
		TokenTTL:     time.Minute,
	}
	agents := []registry.AgentConfig{{Name: "alice", SharedSecret: []byte("alice-secret")}}

	c, err := New(cfg, agents)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Hub == nil || c.Service == nil || c.HTTP == nil || c.Agents == nil {
		t.Fatal("expected New to wire Hub, Service, HTTP and Agents")
	}
	if _, ok := c.Agents.Get("alice"); !ok {
		t.Fatal("expected the seeded agent config to be present in the registry")
	}
}

func TestStartStopsCleanlyOnContextCancel(t *testing.T) {
	cfg := config.Controller{
		ListenWS:     "127.0.0.1:0",
		ListenHTTP:   "127.0.0.1:0",
		DownloadsDir: t.TempDir(),
		ShareTempDir: t.TempDir(),
		TokenTTL:     time.Minute,
	}
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan error, 1)
	go func() { doneCh <- c.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Start to return after cancel")
	}
}
