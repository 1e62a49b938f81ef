// internal/hub/hub.go
// Package hub implements RelayHub: the server endpoint of the persistent
// duplex channel to each Agent. It hosts the login handshake, multiplexes
// named method calls in both directions over one gorilla/websocket
// connection per Agent, and exposes the server-invoked methods
// (RequestFileInfo, RequestFileUpload, NotifyFileDownloadCompleted) that
// RelayService drives.
//
// Transport note: this duplex channel runs over gorilla/websocket carrying
// internal/wire.Envelope JSON frames, rather than a gRPC bidirectional
// stream with protoc-generated messages, since no protoc toolchain or
// generated message types are available in this build.
package hub

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/soulrelay/soulrelay/internal/logging"
	"github.com/soulrelay/soulrelay/internal/metrics"
	"github.com/soulrelay/soulrelay/internal/registry"
	"github.com/soulrelay/soulrelay/internal/relayerr"
	"github.com/soulrelay/soulrelay/internal/token"
	"github.com/soulrelay/soulrelay/internal/wire"
	"github.com/soulrelay/soulrelay/pkg/credential"
)

// AuthGrace bounds how long a connection may stay unauthenticated before the
// Hub closes it.
const AuthGrace = 10 * time.Second

// ShareRegistrar is the out-of-scope Share subsystem's collaborator: it is
// handed the agent name and the shares JSON produced by POST /shares, and
// owns turning them into a CatalogHandle. The staged database path is not
// passed to it.
type ShareRegistrar interface {
	RegisterAgentCatalog(agentName string, sharesJSON []byte) (registry.CatalogHandle, error)
}

// Hub is the RelayHub.
type Hub struct {
	registry *registry.Registry
	tokens   token.Registry
	shares   ShareRegistrar

	upgrader websocket.Upgrader
}

// New constructs a Hub. shares may be nil in tests that only exercise the
// login/awaiter machinery.
func New(reg *registry.Registry, tokens token.Registry, shares ShareRegistrar) *Hub {
	return &Hub{
		registry: reg,
		tokens:   tokens,
		shares:   shares,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs the session until it closes.
// Mount at the Controller's websocket endpoint (e.g. "/relay/ws").
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger().Warn("hub upgrade", zap.Error(err))
		return
	}

	sess := newSession(h, ws, r.RemoteAddr)
	sess.setState(stateAwaitingAuth)
	sess.authDead = time.Now().Add(AuthGrace)

	challenge, err := newChallenge()
	if err != nil {
		_ = ws.Close()
		return
	}
	sess.challenge = challenge

	ctx, span := otel.Tracer("soulrelay/hub").Start(r.Context(), "relay.session")
	sess.span = span

	env, err := wire.Encode(wire.MethodChallenge, wire.ChallengeParams{Challenge: challenge})
	if err != nil {
		_ = ws.Close()
		return
	}
	if err := sess.send(env); err != nil {
		_ = ws.Close()
		return
	}

	sess.readLoop(ctx)
}

func newChallenge() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *Session) handleLogin(ctx context.Context, env wire.Envelope) error {
	s.setState(stateAuthenticating)
	var p wire.LoginParams
	if err := env.Decode(&p); err != nil {
		metrics.LoginAttemptsTotal.WithLabelValues("bad_request").Inc()
		return s.Close("malformed login")
	}

	cfg, ok := s.hub.registry.Get(p.AgentName)
	if !ok {
		metrics.LoginAttemptsTotal.WithLabelValues("unknown_agent").Inc()
		logging.Logger().Warn("login: unknown agent", zap.String("agent", p.AgentName), zap.String("remote", s.RemoteAddr))
		return s.Close("unknown agent")
	}
	if !s.hub.registry.IpAllowed(p.AgentName, s.RemoteAddr) {
		metrics.LoginAttemptsTotal.WithLabelValues("cidr_violation").Inc()
		logging.Logger().Warn("login: cidr violation", zap.String("agent", p.AgentName), zap.String("remote", s.RemoteAddr))
		return s.Close("remote address not allowed")
	}

	ok, err := credential.Verify(cfg.SharedSecret, p.AgentName, s.challenge, p.Credential)
	if err != nil || !ok {
		metrics.LoginAttemptsTotal.WithLabelValues("bad_credential").Inc()
		logging.Logger().Warn("login: credential mismatch", zap.String("agent", p.AgentName), zap.String("remote", s.RemoteAddr))
		return s.Close("unauthorized")
	}

	s.AgentName = p.AgentName
	s.LoginTime = time.Now()
	s.setState(stateAuthenticated)
	if err := s.ws.SetReadDeadline(time.Time{}); err != nil {
		return s.Close("read deadline reset failed")
	}
	s.hub.registry.Bind(p.AgentName, s)
	metrics.LoginAttemptsTotal.WithLabelValues("ok").Inc()
	metrics.AgentsConnected.Inc()
	logging.Logger().Info("agent authenticated",
		zap.String("agent", p.AgentName), zap.String("remote", s.RemoteAddr), zap.String("conn", s.ConnID))
	return nil
}

func (h *Hub) onSessionEnded(agentName string) {
	metrics.AgentsConnected.Dec()
	logging.Logger().Info("agent session ended", zap.String("agent", agentName))
}

func (h *Hub) handleBeginShareUpload(s *Session, env wire.Envelope) error {
	tok, err := h.tokens.Issue(token.PurposeShareUpload, s.AgentName, "")
	if err != nil {
		return err
	}
	result, err := wire.Encode(wire.MethodBeginShareUploadResult, wire.BeginShareUploadResult{Token: tok.String()})
	if err != nil {
		return err
	}
	result.ID = env.ID
	return s.send(result)
}

// session looks up the currently bound Session for agentName, if any.
func (h *Hub) session(agentName string) (*Session, bool) {
	sess, ok := h.registry.BoundSession(agentName)
	if !ok {
		return nil, false
	}
	s, ok := sess.(*Session)
	return s, ok
}

// RequestFileInfo asks agentName to resolve filename, returning (exists,
// size) or an error (NotFound if no session is bound, AgentDisconnected /
// Timeout otherwise).
func (h *Hub) RequestFileInfo(ctx context.Context, agentName, filename string) (bool, int64, error) {
	s, ok := h.session(agentName)
	if !ok {
		return false, 0, relayerr.New(relayerr.NotFound, "agent not connected")
	}

	reqTok := uuid.New()
	ch := s.registerFileInfoAwaiter(reqTok)
	defer s.forgetAwaiter(reqTok)

	env, err := wire.Encode(wire.MethodRequestFileInfo, wire.RequestFileInfoParams{Filename: filename, Token: reqTok.String()})
	if err != nil {
		return false, 0, err
	}
	if err := s.send(env); err != nil {
		return false, 0, relayerr.New(relayerr.AgentDisconnected, "send failed").Wrap(err)
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return false, 0, res.Err
		}
		return res.Exists, res.Size, nil
	case <-ctx.Done():
		return false, 0, relayerr.New(relayerr.Timeout, "file info request timed out")
	}
}

// RequestFileUpload invokes the Agent's RequestFileUpload method for a
// token already issued by RelayService, and returns a channel that fires
// only if the Agent reports failure or the session ends -- success is
// observed independently via the Agent's POST /files.
func (h *Hub) RequestFileUpload(agentName, filename string, startOffset int64, tok uuid.UUID) (<-chan error, error) {
	s, ok := h.session(agentName)
	if !ok {
		return nil, relayerr.New(relayerr.NotFound, "agent not connected")
	}

	failCh := s.registerFileUploadAwaiter(tok)
	env, err := wire.Encode(wire.MethodRequestFileUpload, wire.RequestFileUploadParams{
		Filename: filename, StartOffset: startOffset, Token: tok.String(),
	})
	if err != nil {
		s.forgetAwaiter(tok)
		return nil, err
	}
	if err := s.send(env); err != nil {
		s.forgetAwaiter(tok)
		return nil, relayerr.New(relayerr.AgentDisconnected, "send failed").Wrap(err)
	}
	return failCh, nil
}

// NotifyFileDownloadCompleted invokes the Agent's push-download method.
// It is fire-and-forget at this layer;
// the Agent pulls GET /downloads/{token} independently and with its own
// retry policy.
func (h *Hub) NotifyFileDownloadCompleted(agentName, filename string, tok uuid.UUID) error {
	s, ok := h.session(agentName)
	if !ok {
		return relayerr.New(relayerr.NotFound, "agent not connected")
	}
	env, err := wire.Encode(wire.MethodNotifyFileDownloadCompleted, wire.NotifyFileDownloadCompletedParams{
		Filename: filename, Token: tok.String(),
	})
	if err != nil {
		return err
	}
	if err := s.send(env); err != nil {
		return relayerr.New(relayerr.AgentDisconnected, "send failed").Wrap(err)
	}
	return nil
}

// Registry exposes the underlying AgentRegistry, e.g. for RelayHTTP's
// credential validation against an Agent's configured secret.
func (h *Hub) Registry() *registry.Registry { return h.registry }

// RegisterCatalog installs the catalog handle produced by POST /shares once
// the Share subsystem has validated and indexed it.
func (h *Hub) RegisterCatalog(agentName string, sharesJSON []byte, databasePath string) error {
	if h.shares == nil {
		return relayerr.New(relayerr.Internal, "no share registrar configured")
	}
	handle, err := h.shares.RegisterAgentCatalog(agentName, sharesJSON)
	if err != nil {
		return err
	}
	h.registry.SetCatalog(agentName, handle)
	logging.Sugar().Infow("catalog installed", "agent", agentName, "db", databasePath)
	return nil
}
