// internal/service/service.go
// Package service implements RelayService: the Controller-side orchestrator
// the Transfer subsystem drives. It resolves a virtual filename
// to its owning Agent, drives the RequestFileUpload handshake over
// internal/hub, and exposes StreamHandle/ObtainStream so the Transfer
// subsystem never has to know the duplex channel or HTTP layer exist.
package service

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soulrelay/soulrelay/internal/metrics"
	"github.com/soulrelay/soulrelay/internal/registry"
	"github.com/soulrelay/soulrelay/internal/relayerr"
	"github.com/soulrelay/soulrelay/internal/token"
)

// FileInfoTimeout bounds ObtainFileInfo.
const FileInfoTimeout = 30 * time.Second

// FirstByteTimeout bounds how long ObtainStream waits for the Agent's
// POST /files/{token} to arrive.
const FirstByteTimeout = 120 * time.Second

// Hub is the subset of *hub.Hub RelayService drives. Declared here, rather
// than imported concretely, so internal/hub and internal/service do not
// import each other.
type Hub interface {
	RequestFileInfo(ctx context.Context, agentName, filename string) (exists bool, size int64, err error)
	RequestFileUpload(agentName, filename string, startOffset int64, tok uuid.UUID) (<-chan error, error)
	NotifyFileDownloadCompleted(agentName, filename string, tok uuid.UUID) error
}

// StreamHandle wraps the Agent-provided HTTP body for the Transfer
// subsystem. Release must be called exactly once when the consumer is done
// (success, error, or cancellation) -- the waiting POST /files handler
// blocks on it.
type StreamHandle struct {
	Body    io.ReadCloser
	release func(err error)
	once    sync.Once
}

// Release signals the blocked HTTP handler that the stream consumer is
// finished. err, if non-nil, is surfaced as the handler's result (e.g. a
// peer-side cancellation becomes a 499).
func (h *StreamHandle) Release(err error) {
	h.once.Do(func() { h.release(err) })
}

// promise is a single-producer (the POST /files handler), single-consumer
// (ObtainStream's caller) handoff, referenced only by the token value --
// never by a back-reference into the hub session, to avoid an
// AgentSession<->TokenRegistry<->promise reference cycle.
type promise struct {
	resolve chan io.ReadCloser
	done    chan error // consumer -> handler: nil = success
	once    sync.Once
}

func newPromise() *promise {
	return &promise{
		resolve: make(chan io.ReadCloser, 1),
		done:    make(chan error, 1),
	}
}

// Service is RelayService.
type Service struct {
	hub      Hub
	reg      *registry.Registry
	tokens   token.Registry

	mu        sync.Mutex
	promises  map[uuid.UUID]*promise
}

// New constructs a RelayService.
func New(hub Hub, reg *registry.Registry, tokens token.Registry) *Service {
	return &Service{
		hub:      hub,
		reg:      reg,
		tokens:   tokens,
		promises: make(map[uuid.UUID]*promise),
	}
}

// ObtainFileInfo resolves virtualFilename to its owning Agent and asks it to
// stat the file.
func (s *Service) ObtainFileInfo(ctx context.Context, virtualFilename string) (exists bool, size int64, err error) {
	owner, err := s.reg.ResolveOwner(virtualFilename)
	if err != nil {
		return false, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, FileInfoTimeout)
	defer cancel()
	return s.hub.RequestFileInfo(ctx, owner, virtualFilename)
}

// ObtainStream resolves virtualFilename to its owning Agent, issues a
// FileUpload token, asks the Agent to start uploading at startOffset, and
// waits until the Agent's POST /files body arrives, the Agent reports a
// failure, FirstByteTimeout elapses, or ctx is cancelled.
func (s *Service) ObtainStream(ctx context.Context, virtualFilename string, startOffset int64) (*StreamHandle, error) {
	owner, err := s.reg.ResolveOwner(virtualFilename)
	if err != nil {
		return nil, err
	}

	tok, err := s.tokens.Issue(token.PurposeFileUpload, owner, virtualFilename)
	if err != nil {
		return nil, err
	}

	p := newPromise()
	s.mu.Lock()
	s.promises[tok] = p
	s.mu.Unlock()
	defer s.forgetPromise(tok)

	started := time.Now()
	failCh, err := s.hub.RequestFileUpload(owner, virtualFilename, startOffset, tok)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, FirstByteTimeout)
	defer cancel()

	select {
	case body := <-p.resolve:
		metrics.StreamWaitSeconds.Observe(time.Since(started).Seconds())
		return &StreamHandle{
			Body: body,
			release: func(releaseErr error) {
				p.done <- releaseErr
			},
		}, nil
	case failErr := <-failCh:
		return nil, failErr
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, relayerr.New(relayerr.Cancelled, "obtain stream cancelled by caller")
		}
		return nil, relayerr.New(relayerr.Timeout, "timed out waiting for agent upload")
	}
}

// PushCompletedDownload notifies toAgent that virtualFilename is ready to be
// pulled back via GET /downloads/{token}.
func (s *Service) PushCompletedDownload(toAgent, virtualFilename string) error {
	tok, err := s.tokens.Issue(token.PurposeFileDownload, toAgent, virtualFilename)
	if err != nil {
		return err
	}
	return s.hub.NotifyFileDownloadCompleted(toAgent, virtualFilename, tok)
}

// HandleStreamArrival is called by RelayHTTP's POST /files handler once it
// has validated the token and positioned itself at the start of the file
// part's body. It resolves the matching StreamPromise and blocks until the
// consumer signals completion via StreamHandle.Release.
func (s *Service) HandleStreamArrival(ctx context.Context, tok uuid.UUID, body io.ReadCloser) error {
	s.mu.Lock()
	p, ok := s.promises[tok]
	s.mu.Unlock()
	if !ok {
		return relayerr.New(relayerr.NotFound, "no stream awaited for this token")
	}

	var sent bool
	p.once.Do(func() {
		p.resolve <- body
		sent = true
	})
	if !sent {
		return relayerr.New(relayerr.Internal, "stream already delivered for this token")
	}

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return relayerr.New(relayerr.Cancelled, "upload request context ended")
	}
}

func (s *Service) forgetPromise(tok uuid.UUID) {
	s.mu.Lock()
	delete(s.promises, tok)
	s.mu.Unlock()
}
