package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/redmarklive/redmark/internal/liveroom/code"
	"github.com/redmarklive/redmark/internal/liveroom/highlight"
	"github.com/redmarklive/redmark/internal/liveroom/storage"
	"github.com/redmarklive/redmark/internal/liveroom/storage/sqlite"
	"github.com/redmarklive/redmark/internal/liveroom/token"
	"github.com/redmarklive/redmark/internal/platform/timeouts"
)

// Defaults for the room lifecycle knobs.
const (
	DefaultTeacherDisconnectGrace = 60 * time.Second
	DefaultPersistDebounce        = 800 * time.Millisecond
)

// Config defines the inputs for the live review room service.
//
// Token settings are optional as a set: when no public key is configured the
// server trusts caller-supplied identity parameters, which is only suitable
// for tests and offline runs.
type Config struct {
	HTTPAddr   string
	RedisURL   string
	SQLitePath string

	TokenIssuer    string
	TokenAudience  string
	TokenPublicKey string

	TeacherDisconnectGrace time.Duration
	PersistDebounce        time.Duration
	ReadHeaderTimeout      time.Duration
	ShutdownTimeout        time.Duration
}

// Server hosts the room HTTP/WebSocket process.
//
// Room state lives in memory and is owned by per-room goroutines; the server
// only wires the boundary pieces together: code registry, submission store,
// token verification, and the transport.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server

	hub      *roomHub
	registry *code.Registry
	store    storage.SubmissionStore
	verifier *token.Verifier
}

// NewServer builds a configured server, connecting to Redis and opening the
// submission database.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured server with an explicit context
// governing the initial Redis dial.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if strings.TrimSpace(config.HTTPAddr) == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.RedisURL) == "" {
		return nil, errors.New("redis url is required")
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeouts.RedisDial)
	registry, err := code.Dial(dialCtx, config.RedisURL)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dial room code registry: %w", err)
	}

	store, err := sqlite.Open(config.SQLitePath)
	if err != nil {
		_ = registry.Close()
		return nil, fmt.Errorf("open submission store: %w", err)
	}

	var verifier *token.Verifier
	if strings.TrimSpace(config.TokenPublicKey) != "" {
		verifier, err = token.NewVerifier(config.TokenIssuer, config.TokenAudience, config.TokenPublicKey, nil)
		if err != nil {
			_ = registry.Close()
			_ = store.Close()
			return nil, fmt.Errorf("configure token verifier: %w", err)
		}
	} else {
		log.Printf("liveroom: no token public key configured, identity checks are disabled")
	}

	return newServer(config, store, registry, verifier), nil
}

// newServer assembles a server from already-built dependencies. Tests use it
// to inject a miniredis-backed registry and a temp-file store.
func newServer(config Config, store storage.SubmissionStore, registry *code.Registry, verifier *token.Verifier) *Server {
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.TeacherDisconnectGrace <= 0 {
		config.TeacherDisconnectGrace = DefaultTeacherDisconnectGrace
	}
	if config.PersistDebounce <= 0 {
		config.PersistDebounce = DefaultPersistDebounce
	}

	s := &Server{
		httpAddr:        strings.TrimSpace(config.HTTPAddr),
		shutdownTimeout: config.ShutdownTimeout,
		hub: newRoomHub(roomDeps{
			store:    store,
			registry: registry,
			grace:    config.TeacherDisconnectGrace,
			debounce: config.PersistDebounce,
		}),
		registry: registry,
		store:    store,
		verifier: verifier,
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ws", s.wsRoute())
	mux.HandleFunc("/api/rooms", s.handleIssueRoom)
	mux.HandleFunc("/api/rooms/", s.handlePeekRoom)
	return mux
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return fmt.Errorf("init liveroom server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve liveroom: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("liveroom server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("liveroom server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close flushes active rooms and releases server resources. Rooms are not
// closed: their codes stay resolvable so a restarted process can resume them.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.hub.shutdown()
	if err := s.registry.Close(); err != nil {
		log.Printf("liveroom: close registry: %v", err)
	}
	if closer, ok := s.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Printf("liveroom: close store: %v", err)
		}
	}
}

type issueRoomRequest struct {
	SubmissionID string `json:"submission_id"`
}

type issueRoomResponse struct {
	Code         string    `json:"code"`
	SubmissionID string    `json:"submission_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	TTLSeconds   int       `json:"ttl_seconds"`
}

type peekSubmission struct {
	ID        string         `json:"id"`
	StudentID string         `json:"student_id"`
	Tasks     []storage.Task `json:"tasks"`
}

type peekRoomState struct {
	TeacherOnline            bool                  `json:"teacher_online"`
	TeacherCount             int                   `json:"teacher_count"`
	ActiveTaskID             string                `json:"active_task_id,omitempty"`
	Highlights               []highlight.Highlight `json:"highlights"`
	TeacherDisconnectGraceMs int64                 `json:"teacher_disconnect_grace_ms"`
}

type peekRoomResponse struct {
	Code       string         `json:"code"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Submission peekSubmission `json:"submission"`
	Room       peekRoomState  `json:"room"`
}

type apiError struct {
	Error string `json:"error"`
}

// identityFromRequest resolves the caller for the control endpoints using the
// same token sources as the websocket route.
func (s *Server) identityFromRequest(r *http.Request) (token.Identity, error) {
	if s.verifier == nil {
		return identityFromQuery(r), nil
	}
	raw := tokenFromRequest(r)
	if raw == "" {
		return token.Identity{}, token.ErrTokenRequired
	}
	return s.verifier.Verify(raw)
}

// handleIssueRoom allocates a room code for a submission. Reviewer-capable
// callers only.
func (s *Server) handleIssueRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}

	identity, err := s.identityFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "authentication required"})
		return
	}
	if !identity.Role.ReviewerCapable() {
		writeJSON(w, http.StatusForbidden, apiError{Error: "reviewer role required"})
		return
	}

	var req issueRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}
	submissionID := strings.TrimSpace(req.SubmissionID)
	if submissionID == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "submission_id is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.StorageRequest)
	defer cancel()

	if _, err := s.store.GetSubmission(ctx, submissionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, apiError{Error: "submission not found"})
			return
		}
		log.Printf("liveroom: load submission %s: %v", submissionID, err)
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "submission store is unavailable"})
		return
	}

	issued, err := s.registry.Issue(ctx, submissionID, identity.UserID)
	if err != nil {
		log.Printf("liveroom: issue code for submission %s: %v", submissionID, err)
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "room code registry is unavailable"})
		return
	}

	writeJSON(w, http.StatusCreated, issueRoomResponse{
		Code:         issued.Code,
		SubmissionID: submissionID,
		ExpiresAt:    issued.ExpiresAt,
		TTLSeconds:   int(code.TTL.Seconds()),
	})
}

// handlePeekRoom resolves a room code without joining, returning the
// submission under review and a one-shot view of the room. Clients use it to
// validate a typed code and render the essay before opening the websocket.
func (s *Server) handlePeekRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}

	roomCode := code.Normalize(strings.TrimPrefix(r.URL.Path, "/api/rooms/"))
	if roomCode == "" || strings.Contains(roomCode, "/") {
		writeJSON(w, http.StatusNotFound, apiError{Error: "room not found"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.StorageRequest)
	defer cancel()

	mapping, err := s.registry.Resolve(ctx, roomCode)
	if err != nil {
		log.Printf("liveroom: resolve code %s: %v", roomCode, err)
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "room code registry is unavailable"})
		return
	}
	if mapping == nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: "room not found"})
		return
	}

	submission, err := s.store.GetSubmission(ctx, mapping.SubmissionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, apiError{Error: "submission not found"})
			return
		}
		log.Printf("liveroom: load submission %s: %v", mapping.SubmissionID, err)
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "submission store is unavailable"})
		return
	}

	// The live room is authoritative when it exists; otherwise fall back to
	// the persisted snapshot.
	roomState := peekRoomState{
		ActiveTaskID:             submission.LiveFeedback.ActiveTaskID,
		Highlights:               submission.LiveFeedback.Highlights,
		TeacherDisconnectGraceMs: s.hub.deps.grace.Milliseconds(),
	}
	if room := s.hub.lookup(roomCode); room != nil {
		room.doSync(func() {
			presence := room.presenceData()
			roomState.TeacherOnline = presence.TeacherOnline
			roomState.TeacherCount = presence.TeacherCount
			roomState.ActiveTaskID = room.activeTaskID
			roomState.Highlights = append([]highlight.Highlight(nil), room.highlights...)
		})
	}

	writeJSON(w, http.StatusOK, peekRoomResponse{
		Code:      roomCode,
		ExpiresAt: mapping.ExpiresAt,
		Submission: peekSubmission{
			ID:        submission.ID,
			StudentID: submission.StudentID,
			Tasks:     submission.Tasks,
		},
		Room: roomState,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("liveroom: write response: %v", err)
	}
}
