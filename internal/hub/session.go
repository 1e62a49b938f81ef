// internal/hub/session.go
// Session is the server-side state machine for one Agent's duplex channel:
//
//	Disconnected -> AwaitingAuth -> Authenticating -> Authenticated -> Closing
//
// It owns the per-session outstandingRequests table that correlates
// asynchronous client replies (ReturnFileInfo,
// NotifyFileUploadFailed) back to the server-originated call that expects
// them, keyed by the token the call carried.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/soulrelay/soulrelay/internal/logging"
	"github.com/soulrelay/soulrelay/internal/registry"
	"github.com/soulrelay/soulrelay/internal/relayerr"
	"github.com/soulrelay/soulrelay/internal/util"
	"github.com/soulrelay/soulrelay/internal/wire"
)

type sessionState int32

const (
	stateAwaitingAuth sessionState = iota
	stateAuthenticating
	stateAuthenticated
	stateClosing
)

type awaiterKind int

const (
	awaiterFileInfo awaiterKind = iota
	awaiterFileUpload
)

// fileInfoResult is delivered to ObtainFileInfo's caller.
type fileInfoResult struct {
	Exists bool
	Size   int64
	Err    error
}

type awaiter struct {
	kind   awaiterKind
	infoCh chan fileInfoResult // awaiterFileInfo
	failCh chan error          // awaiterFileUpload: fires only on failure/disconnect
}

// Session implements registry.Session so AgentRegistry can force-close it on
// a duplicate login without importing package hub.
type Session struct {
	ConnID     string
	AgentName  string
	RemoteAddr string
	LoginTime  time.Time

	hub *Hub
	ws  *websocket.Conn

	writeMu sync.Mutex
	state   atomic.Int32

	challenge string
	authDead  time.Time

	mu          sync.Mutex
	outstanding map[uuid.UUID]*awaiter

	closeOnce sync.Once
	span      trace.Span
}

func newSession(h *Hub, ws *websocket.Conn, remoteAddr string) *Session {
	return &Session{
		ConnID:      util.MustNew(),
		RemoteAddr:  remoteAddr,
		hub:         h,
		ws:          ws,
		outstanding: make(map[uuid.UUID]*awaiter),
	}
}

func (s *Session) setState(st sessionState) { s.state.Store(int32(st)) }
func (s *Session) getState() sessionState   { return sessionState(s.state.Load()) }

// send writes one Envelope; concurrent writers are serialized.
func (s *Session) send(env wire.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, b)
}

// Close terminates the channel, satisfying registry.Session. reason is sent
// to the client as a best-effort wire.MethodFault notice before the socket
// closes. Transport errors also transition the session to Closing.
func (s *Session) Close(reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(stateClosing)
		faultEnv, encErr := wire.Encode(wire.MethodFault, wire.FaultParams{Reason: reason})
		if encErr == nil {
			_ = s.send(faultEnv)
		}
		err = s.ws.Close()
		s.failAllOutstanding(relayerr.New(relayerr.AgentDisconnected, reason))
		if s.AgentName != "" {
			s.hub.registry.Unbind(s.AgentName, s)
			s.hub.onSessionEnded(s.AgentName)
		}
		if s.span != nil {
			s.span.End()
		}
	})
	return err
}

func (s *Session) failAllOutstanding(err error) {
	s.mu.Lock()
	pending := s.outstanding
	s.outstanding = make(map[uuid.UUID]*awaiter)
	s.mu.Unlock()

	for _, a := range pending {
		switch a.kind {
		case awaiterFileInfo:
			a.infoCh <- fileInfoResult{Err: err}
		case awaiterFileUpload:
			a.failCh <- err
		}
	}
}

// registerFileInfoAwaiter records an awaiter for token and returns the
// channel RelayService's ObtainFileInfo blocks on.
func (s *Session) registerFileInfoAwaiter(token uuid.UUID) chan fileInfoResult {
	ch := make(chan fileInfoResult, 1)
	s.mu.Lock()
	s.outstanding[token] = &awaiter{kind: awaiterFileInfo, infoCh: ch}
	s.mu.Unlock()
	return ch
}

// registerFileUploadAwaiter records an awaiter for token that only ever
// fires on failure (NotifyFileUploadFailed) or session teardown; success is
// observed independently, out of band, via the Agent's POST /files arriving
// at RelayHTTP.
func (s *Session) registerFileUploadAwaiter(token uuid.UUID) chan error {
	ch := make(chan error, 1)
	s.mu.Lock()
	s.outstanding[token] = &awaiter{kind: awaiterFileUpload, failCh: ch}
	s.mu.Unlock()
	return ch
}

func (s *Session) forgetAwaiter(token uuid.UUID) {
	s.mu.Lock()
	delete(s.outstanding, token)
	s.mu.Unlock()
}

// resolveFileInfo is invoked on ReturnFileInfo.
func (s *Session) resolveFileInfo(token uuid.UUID, exists bool, size int64) {
	s.mu.Lock()
	a, ok := s.outstanding[token]
	if ok {
		delete(s.outstanding, token)
	}
	s.mu.Unlock()
	if !ok || a.kind != awaiterFileInfo {
		logging.Logger().Warn("return_file_info for unknown token", zap.String("token", token.String()[:8]))
		return
	}
	a.infoCh <- fileInfoResult{Exists: exists, Size: size}
}

// rejectFileUpload is invoked on NotifyFileUploadFailed.
func (s *Session) rejectFileUpload(token uuid.UUID) {
	s.mu.Lock()
	a, ok := s.outstanding[token]
	if ok {
		delete(s.outstanding, token)
	}
	s.mu.Unlock()
	if !ok || a.kind != awaiterFileUpload {
		logging.Logger().Warn("notify_file_upload_failed for unknown token", zap.String("token", token.String()[:8]))
		return
	}
	a.failCh <- relayerr.New(relayerr.Internal, "agent reported upload failure").WithToken(token.String())
}

// readLoop runs for the life of the session; it is the only goroutine that
// calls ws.ReadMessage, dispatching each Envelope by Method.
func (s *Session) readLoop(ctx context.Context) {
	defer s.Close("read loop ended")

	if err := s.ws.SetReadDeadline(s.authDead); err != nil {
		return
	}

	for {
		if s.getState() != stateAuthenticated && time.Now().After(s.authDead) {
			_ = s.Close("authentication grace period expired")
			return
		}

		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if s.getState() != stateAuthenticated {
				_ = s.Close("authentication grace period expired")
			}
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logging.Logger().Warn("malformed envelope", zap.Error(err))
			continue
		}

		if err := s.dispatch(ctx, env); err != nil {
			logging.Logger().Warn("dispatch error", zap.String("method", env.Method), zap.Error(err))
		}
	}
}

func (s *Session) dispatch(ctx context.Context, env wire.Envelope) error {
	switch env.Method {
	case wire.MethodLogin:
		return s.handleLogin(ctx, env)
	default:
		if s.getState() != stateAuthenticated {
			return s.Close("unauthenticated method call")
		}
	}

	switch env.Method {
	case wire.MethodBeginShareUpload:
		return s.hub.handleBeginShareUpload(s, env)
	case wire.MethodReturnFileInfo:
		var p wire.ReturnFileInfoParams
		if err := env.Decode(&p); err != nil {
			return err
		}
		tok, err := uuid.Parse(p.Token)
		if err != nil {
			return err
		}
		s.resolveFileInfo(tok, p.Exists, p.Size)
		return nil
	case wire.MethodNotifyFileUploadFailed:
		var p wire.NotifyFileUploadFailedParams
		if err := env.Decode(&p); err != nil {
			return err
		}
		tok, err := uuid.Parse(p.Token)
		if err != nil {
			return err
		}
		s.rejectFileUpload(tok)
		return nil
	default:
		logging.Logger().Warn("unrecognised method", zap.String("method", env.Method))
		return nil
	}
}
