// internal/transfer/http.go
// Package transfer implements RelayHTTP: the three bulk-transfer HTTP
// endpoints the Agent and Controller use to move share catalogs and file
// bodies. The listener is a plain net/http.Server with a ServeMux, and none
// of the endpoints below buffer a request body -- each streams directly
// into its consumer so transfers of arbitrary size never touch memory in
// full.
package transfer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/soulrelay/soulrelay/internal/config"
	"github.com/soulrelay/soulrelay/internal/logging"
	"github.com/soulrelay/soulrelay/internal/metrics"
	"github.com/soulrelay/soulrelay/internal/plugins"
	"github.com/soulrelay/soulrelay/internal/registry"
	"github.com/soulrelay/soulrelay/internal/relayerr"
	"github.com/soulrelay/soulrelay/internal/token"
	"go.uber.org/zap"

	"github.com/soulrelay/soulrelay/pkg/credential"
)

// maxUploadBytes is the size limit enforced on POST /files.
const maxUploadBytes = 10 << 40 // 10 TiB

// shareValidator is the contract internal/plugins/example/shareguard
// implements; looked up by Kind so operators can swap in a stricter
// validator without touching this package.
type shareValidator interface {
	Validate(agentName string, sharesJSON []byte) error
}

const shareValidatorKind plugins.Kind = "share_validator"

// CatalogRegistrar hands a validated, staged catalog upload to the Share
// subsystem and installs the resulting handle on the Agent's registry
// entry. *hub.Hub implements this.
type CatalogRegistrar interface {
	RegisterCatalog(agentName string, sharesJSON []byte, databasePath string) error
}

// StreamArrivalHandler is the subset of *service.Service POST /files needs.
type StreamArrivalHandler interface {
	HandleStreamArrival(ctx context.Context, tok uuid.UUID, body io.ReadCloser) error
}

// Config parameterises the RelayHTTP listener.
type Config struct {
	ListenAddr   string
	DownloadsDir string
	ShareTempDir string
	APIKey       *config.APIKeyVerifier
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Handler is RelayHTTP.
type Handler struct {
	cfg      Config
	tokens   token.Registry
	agents   *registry.Registry
	catalogs CatalogRegistrar
	streams  StreamArrivalHandler
}

// New constructs RelayHTTP.
func New(cfg Config, tokens token.Registry, agents *registry.Registry, catalogs CatalogRegistrar, streams StreamArrivalHandler) *Handler {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 0 // file bodies can run arbitrarily long
	}
	return &Handler{cfg: cfg, tokens: tokens, agents: agents, catalogs: catalogs, streams: streams}
}

// Mux builds the http.Handler exposing all three endpoints.
func (h *Handler) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /shares/{token}", h.handleShareUpload)
	mux.HandleFunc("POST /files/{token}", h.handleFileUpload)
	mux.HandleFunc("GET /downloads/{token}", h.handleFileDownload)
	return mux
}

// ListenAndServe starts the RelayHTTP listener: shutdown runs in its own
// goroutine, the caller owns cancellation via ctx.
func (h *Handler) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         h.cfg.ListenAddr,
		Handler:      h.Mux(),
		ReadTimeout:  h.cfg.ReadTimeout,
		WriteTimeout: h.cfg.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logging.Sugar().Infow("relay http listening", "addr", h.cfg.ListenAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// headerAuth validates X-API-Key and extracts X-Relay-Agent / X-Relay-Credential,
// common to all three endpoints.
func (h *Handler) headerAuth(r *http.Request) (agentName, presentedCred string, err error) {
	if h.cfg.APIKey != nil {
		addr, parseErr := remoteAddrPort(r.RemoteAddr)
		if parseErr != nil {
			return "", "", relayerr.New(relayerr.Unauthorized, "unparseable remote address")
		}
		if verr := h.cfg.APIKey.Verify(r.Header.Get("X-API-Key"), addr); verr != nil {
			return "", "", relayerr.New(relayerr.Unauthorized, "invalid api key").Wrap(verr)
		}
	}
	agentName = r.Header.Get("X-Relay-Agent")
	presentedCred = r.Header.Get("X-Relay-Credential")
	if agentName == "" || presentedCred == "" {
		return "", "", relayerr.New(relayerr.BadRequest, "missing X-Relay-Agent/X-Relay-Credential")
	}
	return agentName, presentedCred, nil
}

func remoteAddrPort(remoteAddr string) (netip.Addr, error) {
	ap, err := netip.ParseAddrPort(remoteAddr)
	if err == nil {
		return ap.Addr(), nil
	}
	return netip.ParseAddr(remoteAddr)
}

// verifyCredential recomputes credential(secret, agentName, tok) and compares
// constant-time against presented.
func (h *Handler) verifyCredential(agentName, tok, presented string) error {
	cfg, ok := h.agents.Get(agentName)
	if !ok {
		return relayerr.New(relayerr.Unauthorized, "unknown agent")
	}
	ok, err := credential.Verify(cfg.SharedSecret, agentName, tok, presented)
	if err != nil {
		return relayerr.New(relayerr.Internal, "credential check failed").Wrap(err)
	}
	if !ok {
		return relayerr.New(relayerr.Unauthorized, "credential mismatch").WithToken(tok)
	}
	return nil
}

var sanitizeAgentName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// sanitizeAgent defends the filesystem against a hostile/misconfigured
// Agent name containing path-traversal or other non-identifier characters.
func sanitizeAgent(name string) string {
	if sanitizeAgentName.MatchString(name) {
		return name
	}
	return "unknown"
}

func writeErr(w http.ResponseWriter, err error) {
	if re, ok := relayerr.As(err); ok {
		logging.Logger().Warn("relay http error", zap.String("kind", string(re.Kind)), zap.String("msg", re.Msg), zap.String("token", re.Token))
		http.Error(w, re.Error(), relayerr.HTTPStatus(re.Kind))
		return
	}
	logging.Logger().Warn("relay http error", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// handleShareUpload implements POST /shares/{token}.
func (h *Handler) handleShareUpload(w http.ResponseWriter, r *http.Request) {
	rawTok := r.PathValue("token")
	tok, err := uuid.Parse(rawTok)
	if err != nil {
		writeErr(w, relayerr.New(relayerr.BadRequest, "malformed token"))
		return
	}

	agentName, presentedCred, err := h.headerAuth(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.verifyCredential(agentName, rawTok, presentedCred); err != nil {
		writeErr(w, err)
		return
	}
	if _, err := h.tokens.Validate(tok, token.PurposeShareUpload, agentName, "", true); err != nil {
		writeErr(w, err)
		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		writeErr(w, relayerr.New(relayerr.Unsupported, "expected multipart/form-data"))
		return
	}
	reader := multipart.NewReader(r.Body, params["boundary"])

	var sharesJSON []byte
	sanitized := sanitizeAgent(agentName)
	tempPath := filepath.Join(h.cfg.ShareTempDir, fmt.Sprintf("share_%s_%s.db", sanitized, randomSuffix()))
	var gotDatabase bool

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeErr(w, relayerr.New(relayerr.BadRequest, "malformed multipart body").Wrap(err))
			return
		}
		switch part.FormName() {
		case "shares":
			b, err := io.ReadAll(part)
			if err != nil {
				writeErr(w, relayerr.New(relayerr.BadRequest, "could not read shares part").Wrap(err))
				return
			}
			sharesJSON = b
		case "database":
			if err := streamPartToFile(part, tempPath); err != nil {
				writeErr(w, relayerr.New(relayerr.Internal, "could not stage share database").Wrap(err))
				return
			}
			gotDatabase = true
		}
		_ = part.Close()
	}

	if len(sharesJSON) == 0 || !gotDatabase {
		writeErr(w, relayerr.New(relayerr.BadRequest, "missing shares or database part"))
		return
	}

	for _, p := range plugins.ByKind(shareValidatorKind) {
		if sv, ok := p.(shareValidator); ok {
			if err := sv.Validate(agentName, sharesJSON); err != nil {
				_ = os.Remove(tempPath)
				writeErr(w, relayerr.New(relayerr.BadRequest, "share validation failed").Wrap(err))
				return
			}
		}
	}

	if err := h.catalogs.RegisterCatalog(agentName, sharesJSON, tempPath); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func streamPartToFile(part *multipart.Part, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, part)
	return err
}

func randomSuffix() string {
	b := make([]byte, 9)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// handleFileUpload implements POST /files/{token}. It never buffers the
// body: the multipart reader is handed straight to
// RelayService.HandleStreamArrival, which blocks this handler until the
// Transfer subsystem has drained it.
func (h *Handler) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	rawTok := r.PathValue("token")
	tok, err := uuid.Parse(rawTok)
	if err != nil {
		writeErr(w, relayerr.New(relayerr.BadRequest, "malformed token"))
		return
	}

	agentName, presentedCred, err := h.headerAuth(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.verifyCredential(agentName, rawTok, presentedCred); err != nil {
		writeErr(w, err)
		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		writeErr(w, relayerr.New(relayerr.Unsupported, "expected multipart/form-data"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	reader := multipart.NewReader(r.Body, params["boundary"])

	part, err := reader.NextPart()
	if err != nil {
		writeErr(w, relayerr.New(relayerr.BadRequest, "missing file part").Wrap(err))
		return
	}
	if part.FormName() != "file" {
		writeErr(w, relayerr.New(relayerr.BadRequest, "expected form field \"file\""))
		return
	}
	filename := part.FileName()

	if _, err := h.tokens.Validate(tok, token.PurposeFileUpload, agentName, filename, true); err != nil {
		writeErr(w, err)
		return
	}

	start := time.Now()
	logging.Sugar().Infow("file upload begin", "agent", agentName, "token", rawTok[:8], "filename", filename)

	counted := &countingReadCloser{r: part}
	err = h.streams.HandleStreamArrival(r.Context(), tok, counted)
	metrics.BytesRelayedTotal.WithLabelValues("upload").Add(float64(counted.n))

	elapsed := time.Since(start)
	if err != nil {
		if re, ok := relayerr.As(err); ok && re.Kind == relayerr.Cancelled {
			logging.Sugar().Infow("file upload cancelled", "agent", agentName, "token", rawTok[:8], "elapsed", elapsed)
			w.WriteHeader(499)
			return
		}
		logging.Sugar().Warnw("file upload failed", "agent", agentName, "token", rawTok[:8], "elapsed", elapsed, "err", err, "bytes", counted.n)
		writeErr(w, err)
		return
	}

	logging.Sugar().Infow("file upload complete", "agent", agentName, "token", rawTok[:8], "elapsed", elapsed, "bytes", counted.n)
	w.WriteHeader(http.StatusOK)
}

// countingReadCloser tracks bytes read through a multipart.Part so the
// handler can log bytes transferred even though ownership of the stream
// passes to RelayService for the duration of the read.
type countingReadCloser struct {
	r *multipart.Part
	n int64
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error { return c.r.Close() }

// handleFileDownload implements GET /downloads/{token}.
func (h *Handler) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	rawTok := r.PathValue("token")
	tok, err := uuid.Parse(rawTok)
	if err != nil {
		writeErr(w, relayerr.New(relayerr.BadRequest, "malformed token"))
		return
	}

	agentName, presentedCred, err := h.headerAuth(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.verifyCredential(agentName, rawTok, presentedCred); err != nil {
		writeErr(w, err)
		return
	}

	filenameB64 := r.Header.Get("X-Relay-Filename-Base64")
	filenameRaw, err := base64.StdEncoding.DecodeString(filenameB64)
	if err != nil {
		writeErr(w, relayerr.New(relayerr.BadRequest, "malformed X-Relay-Filename-Base64"))
		return
	}
	filename := string(filenameRaw)

	// consume=false: the Agent may retry this pull.
	if _, err := h.tokens.Validate(tok, token.PurposeFileDownload, agentName, filename, false); err != nil {
		writeErr(w, err)
		return
	}

	localPath, err := resolveDownloadPath(h.cfg.DownloadsDir, filename)
	if err != nil {
		writeErr(w, err)
		return
	}

	f, err := os.Open(localPath)
	if err != nil {
		writeErr(w, relayerr.New(relayerr.NotFound, "file not found").Wrap(err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeErr(w, relayerr.New(relayerr.Internal, "stat failed").Wrap(err))
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, f)
	metrics.BytesRelayedTotal.WithLabelValues("download").Add(float64(n))
	if err != nil {
		logging.Logger().Warn("download copy interrupted", zap.String("filename", filename), zap.Error(err))
	}
}

// resolveDownloadPath localizes a virtual filename's separators for the
// current OS and rejects any ".." segment: "\" is normalized to "/", then
// filepath.FromSlash, then traversal segments are rejected.
func resolveDownloadPath(downloadsDir, virtualFilename string) (string, error) {
	slashed := regexp.MustCompile(`\\`).ReplaceAllString(virtualFilename, "/")
	for _, seg := range splitClean(slashed) {
		if seg == ".." {
			return "", relayerr.New(relayerr.BadRequest, "path traversal in filename")
		}
	}
	local := filepath.FromSlash(slashed)
	return filepath.Join(downloadsDir, local), nil
}

func splitClean(p string) []string {
	var out []string
	for _, seg := range regexp.MustCompile(`/+`).Split(p, -1) {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
