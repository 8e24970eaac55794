package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"calmkit/internal/auth"
	"calmkit/internal/authpw"
	"calmkit/internal/keymgr"
	"calmkit/internal/passphrase"
	"calmkit/internal/store"
)

// maxBodyBytes bounds request bodies; log ciphertext is the largest payload.
const maxBodyBytes = 1 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{}
		for name, ping := range map[string]func(context.Context) error{
			"database": s.service.Ping,
			"jobs":     s.service.PingJobs,
		} {
			if err := ping(ctx); err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks[name] = map[string]any{"status": "error", "error": err.Error()}
				continue
			}
			checks[name] = map[string]any{"status": "ok"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/auth/register" {
		s.handleAuthRegister(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/auth/login" {
		s.handleAuthLogin(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/auth/logout":
		if err := s.service.Logout(r.Context(), session); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodGet && r.URL.Path == "/auth/session":
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": userView(session)})

	case r.Method == http.MethodPut && r.URL.Path == "/passphrase":
		s.handleUpdatePassphrase(w, r, session)

	case r.Method == http.MethodGet && r.URL.Path == "/passphrase/status":
		job, err := s.service.PassphraseStatus(r.Context(), session)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})

	case len(parts) >= 1 && parts[0] == "logs":
		s.handleLogs(w, r, session, parts[1:])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUpdatePassphrase(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Passcode   string `json:"passcode"`
		ClientSalt string `json:"clientSalt"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	job, err := s.service.UpdatePassphrase(r.Context(), session, body.Passcode, body.ClientSalt)
	if err != nil {
		s.fail(w, err)
		return
	}
	log.Printf("passphrase: started job %s for user %s", job.ID, session.UserID)
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

func (s *HTTPServer) handleLogs(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListLogs(r.Context(), session)
		if err != nil {
			s.fail(w, err)
			return
		}
		views := make([]logView, 0, len(items))
		for _, item := range items {
			views = append(views, newLogView(item))
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "logs": views})

	case len(parts) == 0 && r.Method == http.MethodPost:
		var body CreateLogInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		record, err := s.service.CreateLog(r.Context(), session, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "log": newLogView(record)})

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteLog(r.Context(), session, parts[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

type logView struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Ciphertext string          `json:"ciphertext,omitempty"`
	KeyID      string          `json:"keyId,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func newLogView(record store.LogRecord) logView {
	return logView{
		ID:         record.ID,
		Payload:    record.Payload,
		Ciphertext: record.Ciphertext,
		KeyID:      record.KeyID,
		CreatedAt:  record.CreatedAt,
	}
}

func userView(session Session) map[string]any {
	return map[string]any{
		"id":       session.UserID,
		"username": session.UserName,
		"email":    session.Email,
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := sessionToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Auth-Token, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"success": false,
		"code":    code,
		"msg":     message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// sessionToken reads the x-auth-token header, falling back to a bearer token.
func sessionToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get("X-Auth-Token")); token != "" {
		return token
	}
	return bearerToken(r)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *authpw.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationErr.Message, nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, passphrase.ErrJobInFlight):
		return http.StatusConflict, "JOB_IN_FLIGHT", "A passcode change is already in progress", nil
	case errors.Is(err, keymgr.ErrInvalidPasscode):
		return http.StatusUnprocessableEntity, "INVALID_PASSCODE", "Passcode must be exactly 4 digits", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func (s *HTTPServer) handleAuthRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.Register(r.Context(), body.Username, body.Email, body.Password)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"token":   session.Token,
		"user":    userView(session),
	})
}

func (s *HTTPServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   session.Token,
		"user":    userView(session),
	})
}
