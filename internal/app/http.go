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
	"strconv"
	"strings"
	"time"

	"thelist/api/internal/auth"
	"thelist/api/internal/search"
)

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

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
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
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Session routes, no auth required.
	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Username string `json:"username"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Username)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.sessionFromCredential(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"privileges":    session.Privileges,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) == 0 || segments[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	segments = segments[1:]

	var result any
	var err error

	switch {
	case r.Method == http.MethodGet && pathIs(segments, "search"):
		result, err = s.handleSearch(r, session)

	case r.Method == http.MethodGet && pathIs(segments, "summary"):
		result, err = s.service.Summary(r.Context(), session)

	case r.Method == http.MethodGet && pathIs(segments, "entities"):
		result, err = s.service.ListEntities(r.Context(), session, queryLimit(r))

	case r.Method == http.MethodPost && pathIs(segments, "entities"):
		var input CreateEntityInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err = s.service.CreateEntity(r.Context(), session, input)

	case r.Method == http.MethodGet && pathIs(segments, "entities", "*"):
		result, err = s.service.GetEntity(r.Context(), session, segments[1])

	case r.Method == http.MethodGet && pathIs(segments, "entities", "*", "history"):
		result, err = s.service.History(r.Context(), session, "entity", segments[1], queryLimit(r))

	case r.Method == http.MethodGet && pathIs(segments, "entities", "*", "export"):
		s.handleExport(w, r, session, segments[1])
		return

	case r.Method == http.MethodGet && pathIs(segments, "sources"):
		result, err = s.service.ListSources(r.Context(), session, queryLimit(r))

	case r.Method == http.MethodPost && pathIs(segments, "sources"):
		var input CreateSourceInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err = s.service.CreateSource(r.Context(), session, input)

	case r.Method == http.MethodGet && pathIs(segments, "sources", "*"):
		result, err = s.service.GetSource(r.Context(), session, segments[1])

	case r.Method == http.MethodGet && pathIs(segments, "sources", "*", "history"):
		result, err = s.service.History(r.Context(), session, "source", segments[1], queryLimit(r))

	case r.Method == http.MethodPost && pathIs(segments, "edits"):
		var input EditRecordInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err = s.service.EditRecord(r.Context(), session, input)

	case r.Method == http.MethodPost && pathIs(segments, "proposals"):
		var input SubmitProposalInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err = s.service.SubmitProposal(r.Context(), session, input)

	case r.Method == http.MethodGet && pathIs(segments, "proposals"):
		result, err = s.service.ProposalQueue(r.Context(), session, strings.TrimSpace(r.URL.Query().Get("status")), queryLimit(r))

	case r.Method == http.MethodGet && pathIs(segments, "proposals", "*", "review"):
		result, err = s.service.ReviewProposal(r.Context(), session, segments[1])

	case r.Method == http.MethodPost && pathIs(segments, "proposals", "*", "resolutions"):
		var body struct {
			Path       string `json:"path"`
			Resolution string `json:"resolution"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err = s.service.SelectResolution(r.Context(), session, segments[1], body.Path, body.Resolution)

	case r.Method == http.MethodDelete && pathIs(segments, "proposals", "*", "resolutions"):
		if err := s.service.AbandonReview(r.Context(), session, segments[1]); err != nil {
			s.writeServiceError(w, err)
			return
		}
		result = map[string]any{"ok": true}

	case r.Method == http.MethodPost && pathIs(segments, "proposals", "*", "accept"):
		var body struct {
			Note string `json:"note"`
		}
		_ = decodeBody(r, &body)
		result, err = s.service.AcceptProposal(r.Context(), session, segments[1], body.Note)

	case r.Method == http.MethodPost && pathIs(segments, "proposals", "*", "decline"):
		var body struct {
			Comment string `json:"comment"`
		}
		_ = decodeBody(r, &body)
		result, err = s.service.DeclineProposal(r.Context(), session, segments[1], body.Comment)

	case r.Method == http.MethodPost && pathIs(segments, "proposals", "*", "report"):
		var body struct {
			Comment string `json:"comment"`
		}
		_ = decodeBody(r, &body)
		result, err = s.service.ReportProposal(r.Context(), session, segments[1], body.Comment)

	case r.Method == http.MethodPost && pathIs(segments, "keys"):
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err = s.service.CreateAPIKey(r.Context(), session, body.Name)

	case r.Method == http.MethodPost && pathIs(segments, "inbox"):
		s.handleInboxUpload(w, r, session)
		return

	case r.Method == http.MethodGet && pathIs(segments, "inbox"):
		result, err = s.service.ListInbox(r.Context(), session, queryLimit(r))

	case r.Method == http.MethodGet && pathIs(segments, "inbox", "*", "url"):
		link, urlErr := s.service.InboxDownloadURL(r.Context(), session, segments[1])
		if urlErr != nil {
			s.writeServiceError(w, urlErr)
			return
		}
		result = map[string]any{"url": link.String()}

	case r.Method == http.MethodPost && pathIs(segments, "inbox", "*", "attach"):
		var body struct {
			SourceID string `json:"sourceId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err = s.service.AttachInboxFile(r.Context(), session, segments[1], body.SourceID)

	case r.Method == http.MethodPost && pathIs(segments, "inbox", "*", "discard"):
		result, err = s.service.DiscardInboxFile(r.Context(), session, segments[1])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleSearch(r *http.Request, session Session) (any, error) {
	query := search.Query{
		Text:       strings.TrimSpace(r.URL.Query().Get("q")),
		FilterType: search.ResultType(strings.TrimSpace(r.URL.Query().Get("type"))),
		FilterTag:  strings.TrimSpace(r.URL.Query().Get("tag")),
		Limit:      queryLimit(r),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, validationError("offset must be an integer")
		}
		query.Offset = offset
	}
	return s.service.Search(session, query)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session, entityID string) {
	includeEvents := r.URL.Query().Get("events") == "1"
	result, err := s.service.ExportArticle(r.Context(), session, entityID, includeEvents)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleInboxUpload(w http.ResponseWriter, r *http.Request, session Session) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart form expected", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field is required", nil)
		return
	}
	defer file.Close()

	result, err := s.service.StageUpload(r.Context(), session, file, header.Size, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// pathIs matches path segments against a pattern where "*" accepts any
// single non-empty segment.
func pathIs(segments []string, pattern ...string) bool {
	if len(segments) != len(pattern) {
		return false
	}
	for i, part := range pattern {
		if part == "*" {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if segments[i] != part {
			return false
		}
	}
	return true
}

func queryLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

// sessionFromCredential accepts either a signed access token or an
// "<id>.<secret>" API key; key ids carry the key_ prefix.
func (s *HTTPServer) sessionFromCredential(ctx context.Context, credential string) (Session, error) {
	if strings.HasPrefix(credential, "key_") {
		return s.service.SessionFromAPIKey(ctx, credential)
	}
	return s.service.SessionFromToken(ctx, credential)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.sessionFromCredential(r.Context(), token)
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

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

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

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
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
		"code":  code,
		"error": message,
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
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func sessionResponse(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"privileges":   session.Privileges,
		"expiresAt":    session.ExpiresAt,
	}
}
