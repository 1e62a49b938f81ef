// internal/client/client.go
// Package client implements RelayClient: the Agent-side persistent duplex
// connection to a Controller, its challenge/login handshake, and the
// handlers for the Controller's server-invoked methods.
//
// The reconnect loop runs over a gorilla/websocket connection carrying
// internal/wire.Envelope frames rather than a gRPC stream, and uses a fixed
// escalating backoff schedule rather than cenkalti/backoff's adaptive
// exponential policy, matching the Controller-side reconnect contract
// Agents are expected to honor.
package client

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/soulrelay/soulrelay/internal/logging"
	"github.com/soulrelay/soulrelay/internal/util"
	"github.com/soulrelay/soulrelay/internal/wire"
	"github.com/soulrelay/soulrelay/pkg/credential"
)

// FileSystem is the local-file surface the Agent needs: resolving a virtual
// filename (via the Share subsystem, out of scope here) to a local path and
// opening it for upload, or opening a destination for a pushed download.
// The Controller is trusted, so these operations never need to re-validate
// ownership; they only need a working filesystem.
type FileSystem interface {
	// Stat resolves filename and reports its existence/size, or (false, 0,
	// nil) if it is not present locally.
	Stat(filename string) (exists bool, size int64, err error)
	// OpenRead opens filename for reading, seeked to offset.
	OpenRead(filename string, offset int64) (ReadSeekCloser, error)
	// CreateWrite opens (creating parent directories as needed) a
	// destination for a pushed download, translating filename's separators
	// for the local OS.
	CreateWrite(filename string) (WriteCloser, error)
	// RequestRescan asks the Share subsystem to refresh its index, used
	// when RequestFileUpload can't find a file it previously advertised.
	RequestRescan()
}

type ReadSeekCloser interface {
	Read(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Close() error
}

type WriteCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

// CatalogSource produces the Agent's current share catalog for upload.
type CatalogSource interface {
	// Dump serializes the current catalog as (sharesJSON, databasePath).
	Dump() (sharesJSON []byte, databasePath string, err error)
}

// Config parameterises RelayClient.
type Config struct {
	ControllerWSAddr   string // e.g. wss://controller:2234/relay/ws
	ControllerHTTPAddr string // e.g. https://controller:2235
	InstanceName       string
	SharedSecret       []byte
	APIKey             string
	IgnoreCertErrors   bool
	DownloadRetries    int // bounded retry count for GET /downloads (default 5)
}

// backoffSchedule is the fixed escalating reconnect schedule, clamped at the
// last value and repeated.
var backoffSchedule = []time.Duration{
	0, 1 * time.Second, 3 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second,
}

func backoffFor(attempt int) time.Duration {
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

// safeConn serializes writes to the duplex channel; gorilla/websocket
// forbids concurrent writers and RelayClient has several (the read loop,
// the background RequestFileUpload task, the catalog-upload task).
type safeConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *safeConn) send(env wire.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Client is RelayClient.
type Client struct {
	cfg        Config
	fs         FileSystem
	cat        CatalogSource
	httpClient *http.Client

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]chan wire.Envelope
}

// New constructs a RelayClient. It does not connect until Start is called.
func New(cfg Config, fs FileSystem, cat CatalogSource) *Client {
	if cfg.DownloadRetries <= 0 {
		cfg.DownloadRetries = 5
	}
	transport := &http.Transport{}
	if cfg.IgnoreCertErrors {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}
	return &Client{
		cfg:        cfg,
		fs:         fs,
		cat:        cat,
		httpClient: &http.Client{Transport: transport},
		pending:    make(map[string]chan wire.Envelope),
	}
}

// registerPending allocates a correlation channel for a BeginShareUpload
// call, keyed by the Envelope ID the reply will echo back (the
// only duplex call that needs ID-based correlation rather than token-based).
func (c *Client) registerPending(id string) chan wire.Envelope {
	ch := make(chan wire.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) forgetPending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) resolvePending(env wire.Envelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.ID]
	c.pendingMu.Unlock()
	if !ok {
		logging.Logger().Warn("relay client: unexpected begin_share_upload_result", zap.String("id", env.ID))
		return
	}
	ch <- env
}

// Start begins the reconnect loop in the background. Idempotent: a second
// call while already running is a no-op.
func (c *Client) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnectLoop(runCtx)
	}()
}

// Stop cancels the reconnect loop and waits for the current session, if any,
// to close. Idempotent.
func (c *Client) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Client) reconnectLoop(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.runOnce(ctx)
		if err == errUnauthorized {
			logging.Logger().Error("relay client: login rejected, not retrying until reconfigured",
				zap.String("instance", c.cfg.InstanceName))
			return
		}
		if ctx.Err() != nil {
			return
		}
		wait := backoffFor(attempt)
		attempt++
		logging.Logger().Warn("relay client: disconnected, reconnecting",
			zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// runOnce dials once, runs the session until it ends, and returns the reason
// (errUnauthorized is special-cased to stop the reconnect loop entirely).
func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if c.cfg.IgnoreCertErrors {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}
	wsConn, _, err := dialer.DialContext(ctx, c.cfg.ControllerWSAddr, nil)
	if err != nil {
		return err
	}
	conn := &safeConn{ws: wsConn}
	defer wsConn.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var uploadOnce sync.Once
	maybeUpload := func() {
		uploadOnce.Do(func() {
			go c.uploadCatalog(sessCtx, conn)
		})
	}

	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			return err
		}
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		switch env.Method {
		case wire.MethodChallenge:
			if err := c.handleChallenge(conn, env); err != nil {
				return err
			}
			maybeUpload()
		case wire.MethodFault:
			var p wire.FaultParams
			_ = env.Decode(&p)
			if p.Reason == "unauthorized" {
				return errUnauthorized
			}
			return errFault
		case wire.MethodRequestFileInfo:
			c.handleRequestFileInfo(conn, env)
			maybeUpload()
		case wire.MethodRequestFileUpload:
			go c.handleRequestFileUpload(sessCtx, conn, env)
			maybeUpload()
		case wire.MethodNotifyFileDownloadCompleted:
			go c.handleNotifyFileDownloadCompleted(sessCtx, env)
			maybeUpload()
		case wire.MethodBeginShareUploadResult:
			c.resolvePending(env)
		default:
			logging.Logger().Warn("relay client: unrecognised method", zap.String("method", env.Method))
		}
	}
}

var (
	errUnauthorized = &sentinelErr{"unauthorized"}
	errFault        = &sentinelErr{"server fault"}
)

type sentinelErr struct{ s string }

func (e *sentinelErr) Error() string { return e.s }

// handleChallenge computes the credential and replies with Login. The caller
// kicks off the share-catalog upload right after this returns, optimistically
// assuming the login succeeds; if the server instead replies with a Fault,
// runOnce tears down sessCtx and the in-flight upload aborts on that
// cancellation.
func (c *Client) handleChallenge(conn *safeConn, env wire.Envelope) error {
	var p wire.ChallengeParams
	if err := env.Decode(&p); err != nil {
		return err
	}
	cred, err := credential.Derive(c.cfg.SharedSecret, c.cfg.InstanceName, p.Challenge)
	if err != nil {
		return err
	}
	loginEnv, err := wire.Encode(wire.MethodLogin, wire.LoginParams{
		AgentName: c.cfg.InstanceName, Credential: cred,
	})
	if err != nil {
		return err
	}
	return conn.send(loginEnv)
}

// handleRequestFileInfo implements the Agent side of RequestFileInfo: it
// never fails the call, replying exists=false,size=0 on any error.
func (c *Client) handleRequestFileInfo(conn *safeConn, env wire.Envelope) {
	var p wire.RequestFileInfoParams
	if err := env.Decode(&p); err != nil {
		return
	}
	exists, size, err := c.fs.Stat(p.Filename)
	if err != nil {
		exists, size = false, 0
	}
	reply, err := wire.Encode(wire.MethodReturnFileInfo, wire.ReturnFileInfoParams{
		Token: p.Token, Exists: exists, Size: size,
	})
	if err != nil {
		return
	}
	_ = conn.send(reply)
}

// handleRequestFileUpload implements the Agent side of RequestFileUpload
// resolve the local file, report failure if it's gone missing
// since the share catalog was published, else stream it to the Controller
// via POST /files/{token}. HTTP completion is best-effort -- the Controller
// owns the true success signal via RelayService, not this return.
func (c *Client) handleRequestFileUpload(ctx context.Context, conn *safeConn, env wire.Envelope) {
	var p wire.RequestFileUploadParams
	if err := env.Decode(&p); err != nil {
		return
	}
	body, err := c.fs.OpenRead(p.Filename, p.StartOffset)
	if err != nil {
		c.fs.RequestRescan()
		fail, encErr := wire.Encode(wire.MethodNotifyFileUploadFailed, wire.NotifyFileUploadFailedParams{Token: p.Token})
		if encErr == nil {
			_ = conn.send(fail)
		}
		logging.Logger().Warn("relay client: requested file missing locally",
			zap.String("filename", p.Filename), zap.Error(err))
		return
	}
	defer body.Close()

	if err := c.postFileUpload(ctx, p.Token, p.Filename, body); err != nil {
		logging.Logger().Warn("relay client: file upload to controller failed",
			zap.String("filename", p.Filename), zap.Error(err))
	}
}

// postFileUpload streams body as the "file" part of POST /files/{token},
// never buffering it in memory (mirrors RelayHTTP's own no-buffering
// contract on the receiving end).
func (c *Client) postFileUpload(ctx context.Context, tok, filename string, body io.Reader) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(filename))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, body); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ControllerHTTPAddr+"/files/"+tok, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := c.setRelayHeaders(req, tok); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("relay client: upload rejected: %s", resp.Status)
	}
	return nil
}

// uploadCatalog performs the BeginShareUpload handshake and then streams the
// catalog through POST /shares/{token}. Runs on (re)connect, right after
// authenticating.
func (c *Client) uploadCatalog(ctx context.Context, conn *safeConn) {
	sharesJSON, databasePath, err := c.cat.Dump()
	if err != nil {
		logging.Logger().Warn("relay client: could not dump catalog", zap.Error(err))
		return
	}

	id := uuid.NewString()
	replyCh := c.registerPending(id)
	defer c.forgetPending(id)

	env, err := wire.Encode(wire.MethodBeginShareUpload, nil)
	if err != nil {
		return
	}
	env.ID = id
	if err := conn.send(env); err != nil {
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	select {
	case reply := <-replyCh:
		var result wire.BeginShareUploadResult
		if err := reply.Decode(&result); err != nil {
			logging.Logger().Warn("relay client: malformed begin_share_upload_result", zap.Error(err))
			return
		}
		retry := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		op := func() error { return c.postShareUpload(ctx, result.Token, sharesJSON, databasePath) }
		if err := backoff.Retry(op, retry); err != nil {
			logging.Logger().Warn("relay client: share catalog upload failed after retries", zap.Error(err))
		}
	case <-waitCtx.Done():
		logging.Logger().Warn("relay client: timed out waiting for begin_share_upload_result")
	}
}

// postShareUpload streams the "shares" JSON and "database" file parts of
// POST /shares/{token}.
func (c *Client) postShareUpload(ctx context.Context, tok string, sharesJSON []byte, databasePath string) error {
	dbFile, err := os.Open(databasePath)
	if err != nil {
		return err
	}
	defer dbFile.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		sharesPart, err := mw.CreateFormField("shares")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := sharesPart.Write(sharesJSON); err != nil {
			pw.CloseWithError(err)
			return
		}
		dbPart, err := mw.CreateFormFile("database", filepath.Base(databasePath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(dbPart, dbFile); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ControllerHTTPAddr+"/shares/"+tok, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := c.setRelayHeaders(req, tok); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("relay client: share upload rejected: %s", resp.Status)
	}
	return nil
}

// handleNotifyFileDownloadCompleted implements the Agent side of
// NotifyFileDownloadCompleted: pull the finished download with a
// bounded number of retries, writing the body into the local downloads tree.
func (c *Client) handleNotifyFileDownloadCompleted(ctx context.Context, env wire.Envelope) {
	var p wire.NotifyFileDownloadCompletedParams
	if err := env.Decode(&p); err != nil {
		return
	}
	var lastErr error
	bo := util.NewBackoff()
	for attempt := 0; attempt < c.cfg.DownloadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.Next()):
			case <-ctx.Done():
				return
			}
		}
		if err := c.pullDownload(ctx, p.Token, p.Filename); err != nil {
			lastErr = err
			continue
		}
		return
	}
	logging.Logger().Warn("relay client: giving up on pushed download",
		zap.String("filename", p.Filename), zap.Int("retries", c.cfg.DownloadRetries), zap.Error(lastErr))
}

func (c *Client) pullDownload(ctx context.Context, tok, filename string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ControllerHTTPAddr+"/downloads/"+tok, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Relay-Filename-Base64", base64.StdEncoding.EncodeToString([]byte(filename)))
	if err := c.setRelayHeaders(req, tok); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay client: download rejected: %s", resp.Status)
	}

	dst, err := c.fs.CreateWrite(filename)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, resp.Body)
	return err
}

// setRelayHeaders attaches the X-API-Key / X-Relay-Agent / X-Relay-Credential
// headers every RelayHTTP request needs.
func (c *Client) setRelayHeaders(req *http.Request, tok string) error {
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	cred, err := credential.Derive(c.cfg.SharedSecret, c.cfg.InstanceName, tok)
	if err != nil {
		return err
	}
	req.Header.Set("X-Relay-Agent", c.cfg.InstanceName)
	req.Header.Set("X-Relay-Credential", cred)
	return nil
}
