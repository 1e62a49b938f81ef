// Package controller bundles RelayHub, RelayHTTP and RelayService behind a
// single façade, the way a Router bundles a primary listener and an HTTP
// listener behind one startup/shutdown path. cmd/soulrelay's "controller"
// subcommand drives this instead of talking to the three packages
// directly.
package controller

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/soulrelay/soulrelay/internal/config"
	"github.com/soulrelay/soulrelay/internal/hub"
	"github.com/soulrelay/soulrelay/internal/logging"
	"github.com/soulrelay/soulrelay/internal/registry"
	"github.com/soulrelay/soulrelay/internal/service"
	"github.com/soulrelay/soulrelay/internal/sharecatalog"
	"github.com/soulrelay/soulrelay/internal/token"
	"github.com/soulrelay/soulrelay/internal/transfer"
)

// Controller bundles the Controller-side Relay subsystem: the duplex
// channel listener (RelayHub), the bulk-transfer listener (RelayHTTP), and
// the orchestrator (RelayService) the rest of the Soulseek daemon would
// call into for ObtainFileInfo/ObtainStream/PushCompletedDownload.
type Controller struct {
	Hub     *hub.Hub
	Service *service.Service
	HTTP    *transfer.Handler
	Agents  *registry.Registry

	cfg config.Controller

	wsSrv *http.Server
	wg    sync.WaitGroup
}

// New wires the Relay subsystem's Controller side from a resolved config.
// agents seeds the AgentRegistry (normally loaded from the daemon's own
// Agent-config store, out of scope here).
func New(cfg config.Controller, agents []registry.AgentConfig) (*Controller, error) {
	reg := registry.New()
	reg.ReplaceAll(agents)

	tokens, err := newTokenRegistry(cfg)
	if err != nil {
		return nil, err
	}

	shares := sharecatalog.New()
	h := hub.New(reg, tokens, shares)
	svc := service.New(h, reg, tokens)

	var apiKeyVerifier *config.APIKeyVerifier
	if cfg.APIKey != "" {
		apiKeyVerifier = config.NewAPIKeyVerifier([]byte(cfg.APIKey), "soulrelay-controller")
	}
	httpHandler := transfer.New(transfer.Config{
		ListenAddr:   cfg.ListenHTTP,
		DownloadsDir: cfg.DownloadsDir,
		ShareTempDir: cfg.ShareTempDir,
		APIKey:       apiKeyVerifier,
	}, tokens, reg, h, svc)

	return &Controller{Hub: h, Service: svc, HTTP: httpHandler, Agents: reg, cfg: cfg}, nil
}

func newTokenRegistry(cfg config.Controller) (token.Registry, error) {
	if cfg.RedisAddr == "" {
		return token.New(cfg.TokenTTL), nil
	}
	cli := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return token.NewRedis(cli, cfg.TokenTTL), nil
}

// Start launches the duplex-channel listener and RelayHTTP concurrently, each
// in its own goroutine, and blocks until ctx is cancelled or a listener
// fails; the duplex listener is then shut down gracefully.
func (c *Controller) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/relay/ws", c.Hub.ServeHTTP)
	c.wsSrv = &http.Server{Addr: c.cfg.ListenWS, Handler: mux}

	c.wg.Add(2)
	errCh := make(chan error, 2)

	go func() {
		defer c.wg.Done()
		logging.Sugar().Infow("relay hub listening", "addr", c.cfg.ListenWS)
		if err := c.wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		defer c.wg.Done()
		if err := c.HTTP.ListenAndServe(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logging.Logger().Error("relay controller: listener failed", zap.Error(err))
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.wsSrv.Shutdown(shutCtx)

	c.wg.Wait()
	return nil
}
