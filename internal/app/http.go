package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peridot/api/internal/authpw"
	"peridot/api/internal/notes"
)

// maxBodyBytes bounds request bodies. Note content counts against a quota far
// larger than any single request should be.
const maxBodyBytes = 16 << 20

type HTTPServer struct {
	service    *Service
	sync       http.Handler
	corsOrigin string
	logger     *slog.Logger
}

// NewHTTPServer wires the JSON API. sync serves socket upgrades and may be nil.
func NewHTTPServer(service *Service, sync http.Handler, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, sync: sync, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router())
}

func (s *HTTPServer) router() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	route(r, "/api/health", methods{http.MethodGet: s.handleHealth, http.MethodHead: s.handleHealth})
	route(r, "/api/ready", methods{http.MethodGet: s.handleReady, http.MethodHead: s.handleReady})

	route(r, "/api/register", methods{http.MethodPost: s.handleRegister})
	route(r, "/api/login", methods{http.MethodPost: s.handleLogin})
	route(r, "/api/logout", methods{http.MethodPost: s.handleLogout})
	route(r, "/api/session/refresh", methods{http.MethodPost: s.handleRefresh})
	route(r, "/api/check-auth", methods{http.MethodGet: s.handleCheckAuth})

	route(r, "/api/notes", methods{
		http.MethodGet:  s.authed(s.handleListNotes),
		http.MethodPost: s.authed(s.handleCreateNote),
	})
	route(r, "/api/notes/{id:[0-9]+}", methods{
		http.MethodGet:    s.authed(s.handleGetNote),
		http.MethodPut:    s.authed(s.handleUpdateNote),
		http.MethodDelete: s.authed(s.handleDeleteNote),
	})
	route(r, "/api/storage/info", methods{http.MethodGet: s.authed(s.handleStorageInfo)})

	if s.sync != nil {
		route(r, "/api/ws/sync", methods{http.MethodGet: s.sync.ServeHTTP})
		route(r, "/ws/sync", methods{http.MethodGet: s.sync.ServeHTTP})
	}
	r.Path("/metrics").Handler(methods{http.MethodGet: promhttp.Handler().ServeHTTP})
	return r
}

// methods dispatches on the request method and answers 405 for the rest.
type methods map[string]http.HandlerFunc

func (m methods) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h, ok := m[r.Method]; ok {
		h(w, r)
		return
	}
	allowed := make([]string, 0, len(m))
	for method := range m {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// route registers path with and without a trailing slash.
func route(r *mux.Router, path string, m methods) {
	r.Path(path).Handler(m)
	r.Path(path + "/").Handler(m)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body authpw.RegisterRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.Register(r.Context(), body)
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "User created successfully",
		"userId":  user.ID,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	identifier := body.Username
	if strings.TrimSpace(identifier) == "" {
		identifier = body.Email
	}
	session, err := s.service.Login(r.Context(), authpw.SignInRequest{Identifier: identifier, Password: body.Password})
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "Login successful",
		"user":         viewUser(session.User),
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	session := Session{}
	if token := bearerToken(r); token != "" {
		if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			session = parsed
		}
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	s.service.Logout(r.Context(), session, body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Logout successful"})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		if status, _, _, _ := mapError(err); status >= http.StatusInternalServerError {
			respondError(w, r, s.logger, err)
			return
		}
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"user":         viewUser(session.User),
		"expiresAt":    session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleCheckAuth(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if errors.Is(err, errUnauthorized) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"isAuthenticated": false})
		return
	}
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"isAuthenticated": true,
		"user":            viewUser(session.User),
	})
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) Session {
	session, _ := ctx.Value(sessionKey{}).(Session)
	return session
}

// session resolves the bearer token. Missing, invalid, expired or revoked
// tokens come back as errUnauthorized; store failures pass through.
func (s *HTTPServer) session(r *http.Request) (Session, error) {
	token := bearerToken(r)
	if token == "" {
		return Session{}, errUnauthorized
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if status, _, _, _ := mapError(err); status == http.StatusUnauthorized {
			return Session{}, errUnauthorized
		}
		return Session{}, err
	}
	return session, nil
}

// authed rejects requests without a live access token.
func (s *HTTPServer) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.session(r)
		if err != nil {
			respondError(w, r, s.logger, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	}
}

func (s *HTTPServer) handleListNotes(w http.ResponseWriter, r *http.Request) {
	owner := sessionFrom(r.Context()).User.ID
	items, err := s.service.Notes().List(r.Context(), owner)
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	if items == nil {
		items = []notes.Note{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	owner := sessionFrom(r.Context()).User.ID
	var body notes.CreateInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	note, err := s.service.Notes().Create(r.Context(), owner, body)
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *HTTPServer) handleGetNote(w http.ResponseWriter, r *http.Request) {
	owner := sessionFrom(r.Context()).User.ID
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	note, err := s.service.Notes().Get(r.Context(), owner, id)
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *HTTPServer) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	owner := sessionFrom(r.Context()).User.ID
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	patch, err := notes.DecodePatch(raw)
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	note, err := s.service.Notes().Update(r.Context(), owner, id, patch)
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *HTTPServer) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	owner := sessionFrom(r.Context()).User.ID
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	if err := s.service.Notes().Delete(r.Context(), owner, id); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Note deleted successfully"})
}

func (s *HTTPServer) handleStorageInfo(w http.ResponseWriter, r *http.Request) {
	owner := sessionFrom(r.Context()).User.ID
	usage, err := s.service.Notes().Storage(r.Context(), owner)
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, usage.Report())
}

func noteID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Note not found", nil)
		return 0, false
	}
	return id, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		setCORSHeaders(w.Header(), s.corsOrigin)
		w.Header().Set("X-Request-ID", id)

		m := httpsnoop.CaptureMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		}), w, r)

		s.logger.InfoContext(r.Context(), "handled",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"duration_ms", m.Duration.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(raw) > maxBodyBytes {
		return nil, fmt.Errorf("request body too large")
	}
	return raw, nil
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
