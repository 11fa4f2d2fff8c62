// Package transport is the HTTP surface stub around the session and
// debugger-engine substrate: the upload contract, the session API, the
// admin/metaindex query API, and health/readiness — all specified in the
// core spec only at their interface, out of scope for the hard engineering
// but still needed for a complete, runnable daemon.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coredump-labs/postmortem/internal/analyzer"
	"github.com/coredump-labs/postmortem/internal/comparator"
	"github.com/coredump-labs/postmortem/internal/config"
	"github.com/coredump-labs/postmortem/internal/dumpstore"
	"github.com/coredump-labs/postmortem/internal/errs"
	"github.com/coredump-labs/postmortem/internal/logger"
	"github.com/coredump-labs/postmortem/internal/metaindex"
	"github.com/coredump-labs/postmortem/internal/session"
	"github.com/coredump-labs/postmortem/internal/symbols"
	"github.com/coredump-labs/postmortem/internal/transcript"
	"github.com/coredump-labs/postmortem/internal/validate"
)

// Server is the daemon's HTTP surface. It holds no debugging logic of its
// own — every handler is a thin adapter onto dumpstore/session/metaindex.
type Server struct {
	cfg        *config.Config
	dumps      *dumpstore.Store
	sessions   *session.Manager
	index      *metaindex.Index
	transcript *transcript.Store
	acquirer   *symbols.Acquirer
	analyzer   *analyzer.Analyzer
	newAdapter comparator.NewAdapterFunc

	limiter *rateLimiter
}

// New builds a Server over the already-wired storage and session layers.
// newAdapter constructs the ephemeral engine instances the Dump Comparator
// uses for /api/compare — the same factory callers pass to
// session.NewManager, so compare runs against whichever platform adapter
// (or test stand-in) the rest of the daemon uses.
func New(cfg *config.Config, dumps *dumpstore.Store, sessions *session.Manager, index *metaindex.Index, ts *transcript.Store, acquirer *symbols.Acquirer, an *analyzer.Analyzer, newAdapter comparator.NewAdapterFunc) *Server {
	return &Server{
		cfg:        cfg,
		dumps:      dumps,
		sessions:   sessions,
		index:      index,
		transcript: ts,
		acquirer:   acquirer,
		analyzer:   an,
		newAdapter: newAdapter,
		limiter:    newRateLimiter(cfg.RateLimitPerMinute),
	}
}

// Handler returns the fully wired HTTP handler (routes + middleware)
// without binding a listener, so tests can drive it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.withMiddleware(mux)
}

// ListenAndServe runs the HTTP server on cfg.Port until ctx is cancelled,
// then shuts down gracefully with a bounded grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("transport: listen on port %d: %w", s.cfg.Port, err)
	}

	srv := &http.Server{Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	mux.HandleFunc("POST /api/dumps/upload", s.handleUpload)
	mux.HandleFunc("DELETE /api/dumps/{userId}/{dumpId}", s.handleDeleteDump)

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("POST /api/sessions/{id}/dump", s.handleOpenDump)
	mux.HandleFunc("POST /api/sessions/{id}/execute", s.handleExecute)
	mux.HandleFunc("GET /api/sessions/{id}/transcript", s.handleTranscriptTail)

	mux.HandleFunc("GET /api/admin/dumps", s.handleAdminListDumps)
	mux.HandleFunc("GET /api/admin/sessions", s.handleAdminListSessions)

	mux.HandleFunc("POST /api/compare", s.handleCompare)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return corsMiddleware(s.cfg.CORSAllowedOrigins, s.rateLimitMiddleware(s.authMiddleware(next)))
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled() || r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("Authorization")
		if key != "Bearer "+s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(allowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Upload contract. Specified only at its interface by the core spec: this
// is the minimal implementation satisfying that contract, not a feature-
// complete upload pipeline.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBodyBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	userID := r.FormValue("userId")
	description := r.FormValue("description")

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data := make([]byte, header.Size)
	if _, err := file.Read(data); err != nil && header.Size > 0 {
		writeError(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
		return
	}

	head := data
	if len(head) > 16 {
		head = head[:16]
	}
	format := validate.DetectFormat(head)
	if format == validate.FormatUnknown {
		writeError(w, http.StatusBadRequest, "unrecognized dump format")
		return
	}

	dumpID := genDumpID()
	meta := dumpstore.Metadata{
		Format:           dumpstore.Format(format),
		OriginalFilename: header.Filename,
		Description:      description,
		UploadedAt:       time.Now().UTC(),
	}
	if err := s.dumps.Create(userID, dumpID, data, meta); err != nil {
		writeErrorFromKind(w, err)
		return
	}
	if s.index != nil {
		if saved, err := s.dumps.GetMetadata(userID, dumpID); err == nil {
			if err := s.index.UpsertDump(saved); err != nil {
				logger.Warn("upload: index upsert failed", "user", userID, "dump", dumpID, "err", err)
			}
		}
	}
	writeJSON(w, http.StatusCreated, map[string]string{"dumpId": dumpID})
}

var dumpIDCounter struct {
	mu sync.Mutex
	n  uint64
}

func genDumpID() string {
	dumpIDCounter.mu.Lock()
	defer dumpIDCounter.mu.Unlock()
	dumpIDCounter.n++
	return fmt.Sprintf("d-%s-%06d", time.Now().UTC().Format("20060102T150405"), dumpIDCounter.n)
}

func (s *Server) handleDeleteDump(w http.ResponseWriter, r *http.Request) {
	userID, dumpID := r.PathValue("userId"), r.PathValue("dumpId")
	if err := s.dumps.Delete(userID, dumpID); err != nil {
		writeErrorFromKind(w, err)
		return
	}
	if s.index != nil {
		s.index.RemoveDump(userID, dumpID)
	}
	w.WriteHeader(http.StatusNoContent)
}

type createSessionRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.sessions.Create(r.Context(), req.UserID)
	if err != nil {
		writeErrorFromKind(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	sess, err := s.sessions.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeErrorFromKind(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Close(id); err != nil {
		writeErrorFromKind(w, err)
		return
	}
	if s.index != nil {
		s.index.RemoveSession(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

type openDumpRequest struct {
	UserID             string `json:"userId"`
	DumpID             string `json:"dumpId"`
	ExecutableOverride string `json:"executableOverride,omitempty"`
}

func (s *Server) handleOpenDump(w http.ResponseWriter, r *http.Request) {
	var req openDumpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.sessions.Get(r.Context(), req.UserID, r.PathValue("id"))
	if err != nil {
		writeErrorFromKind(w, err)
		return
	}
	opts := session.OpenDumpOptions{Acquirer: s.acquirer}
	if s.analyzer != nil {
		opts.ModuleLister = analyzer.NewExecModuleLister("")
		opts.ArchDetector = analyzer.NewFileCommandDetector()
	}
	if err := sess.OpenDump(r.Context(), s.dumps, s.cfg, req.DumpID, req.ExecutableOverride, opts); err != nil {
		writeErrorFromKind(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

type executeRequest struct {
	UserID  string `json:"userId"`
	Command string `json:"command"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.sessions.Get(r.Context(), req.UserID, r.PathValue("id"))
	if err != nil {
		writeErrorFromKind(w, err)
		return
	}
	out, execErr := sess.Execute(r.Context(), req.Command)
	dumpID, _, _ := sess.CurrentDump()
	if s.transcript != nil {
		s.transcript.Append(sess.ID, transcript.Entry{
			Kind:           transcript.KindCommand,
			Text:           req.Command,
			CapturedOutput: out,
			Scope:          transcript.Scope{SessionID: sess.ID, DumpID: dumpID},
		})
	}
	if execErr != nil {
		writeErrorFromKind(w, execErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}

func (s *Server) handleTranscriptTail(w http.ResponseWriter, r *http.Request) {
	if s.transcript == nil {
		writeError(w, http.StatusServiceUnavailable, "transcript store not configured")
		return
	}
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	entries, err := s.transcript.Tail(r.PathValue("id"), n, r.URL.Query().Get("dumpId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAdminListDumps(w http.ResponseWriter, r *http.Request) {
	rows, err := s.index.ListDumpsForUser(r.URL.Query().Get("userId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleAdminListSessions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.index.ListSessionsForUser(r.URL.Query().Get("userId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type compareRequest struct {
	UserA string `json:"userA"`
	DumpA string `json:"dumpA"`
	UserB string `json:"userB"`
	DumpB string `json:"dumpB"`
}

// handleCompare runs the Dump Comparator over two dumps in ephemeral
// engines, entirely outside the Session Manager's admission control and
// persisted state.
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := comparator.Compare(r.Context(), s.dumps, s.newAdapter, req.UserA, req.DumpA, req.UserB, req.DumpB)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type sessionPayload struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	CurrentDumpID  string `json:"currentDumpId,omitempty"`
	LastAccessedAt string `json:"lastAccessedAt"`
	DebuggerKind   string `json:"debuggerKind"`
}

func sessionResponse(sess *session.Session) sessionPayload {
	dumpID, _, _ := sess.CurrentDump()
	return sessionPayload{
		ID:             sess.ID,
		UserID:         sess.UserID,
		CurrentDumpID:  dumpID,
		LastAccessedAt: sess.LastAccessedAt().UTC().Format(time.RFC3339),
		DebuggerKind:   string(sess.Engine.DebuggerKind()),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeErrorFromKind maps an internal error kind to its HTTP status.
// Internal paths never reach the response body.
func writeErrorFromKind(w http.ResponseWriter, err error) {
	writeError(w, errs.HTTPStatus(err), err.Error())
}
