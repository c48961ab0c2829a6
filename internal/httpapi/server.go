// Package httpapi exposes grid documents over JSON: cell edits, share
// tokens, externally observed URL tokens, and conflict decisions all go
// through one small surface backed by the dataflow registry.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/formulapad/cellsync/internal/dataflow"
	"github.com/formulapad/cellsync/internal/grid"
)

type ServerConfig struct {
	// AuthToken enables bearer auth when non-empty.
	AuthToken       string
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
}

type Server struct {
	registry    *dataflow.Registry
	cfg         ServerConfig
	rateLimiter *rateLimiter

	mu   sync.Mutex
	open map[string]*dataflow.Manager
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(registry *dataflow.Registry) *Server {
	return NewServerWithConfig(registry, ServerConfig{})
}

func NewServerWithConfig(registry *dataflow.Registry, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		registry:    registry,
		cfg:         cfg,
		rateLimiter: limiter,
		open:        map[string]*dataflow.Manager{},
	}
}

// Close releases every document the server has opened.
func (s *Server) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.open))
	for id := range s.open {
		ids = append(ids, id)
	}
	s.open = map[string]*dataflow.Manager{}
	s.mu.Unlock()
	for _, id := range ids {
		s.registry.Release(id)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if (r.URL.Path == "/" || r.URL.Path == "/dashboard") && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	correlationID := getCorrelationID(r)

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.AuthToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	if r.URL.Path == "/v1/documents" && r.Method == http.MethodGet {
		s.handleListDocuments(w, correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "documents" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	docID := parts[2]

	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		s.handleGetDocument(w, docID, correlationID)
	case len(parts) == 3 && r.Method == http.MethodDelete:
		s.handleCloseDocument(w, docID, correlationID)
	case len(parts) == 4 && parts[3] == "open" && r.Method == http.MethodPost:
		s.handleOpenDocument(w, r, docID, correlationID)
	case len(parts) == 4 && parts[3] == "share" && r.Method == http.MethodGet:
		s.handleShareToken(w, docID, correlationID)
	case len(parts) == 4 && parts[3] == "token" && r.Method == http.MethodPost:
		s.handleApplyToken(w, r, docID, correlationID)
	case len(parts) == 4 && parts[3] == "conflict" && r.Method == http.MethodGet:
		s.handleGetConflict(w, docID, correlationID)
	case len(parts) == 4 && parts[3] == "conflict" && r.Method == http.MethodPost:
		s.handleResolveConflict(w, r, docID, correlationID)
	case len(parts) == 6 && parts[3] == "cells" && r.Method == http.MethodPut:
		s.handleSetCell(w, r, docID, parts[4], parts[5], correlationID)
	case len(parts) == 6 && parts[3] == "cells" && r.Method == http.MethodGet:
		s.handleGetCell(w, docID, parts[4], parts[5], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// manager returns the document's manager, opening it on first touch. The
// server holds one registry reference per open document until Close or an
// explicit DELETE.
func (s *Server) manager(docID string) (*dataflow.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.open[docID]; ok {
		return m, nil
	}
	m, err := s.registry.Acquire(docID)
	if err != nil {
		return nil, err
	}
	s.open[docID] = m
	return m, nil
}

func (s *Server) handleListDocuments(w http.ResponseWriter, correlationID string) {
	s.mu.Lock()
	type docStatus struct {
		ID        string `json:"id"`
		State     string `json:"state"`
		CellCount int    `json:"cellCount"`
	}
	docs := make([]docStatus, 0, len(s.open))
	for id, m := range s.open {
		docs = append(docs, docStatus{
			ID:        id,
			State:     m.State().String(),
			CellCount: m.Store().Snapshot().CellCount(),
		})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "correlationId": correlationID})
}

func (s *Server) handleOpenDocument(w http.ResponseWriter, r *http.Request, docID, correlationID string) {
	var req struct {
		Token string `json:"token"`
	}
	if r.ContentLength != 0 {
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
	}
	m, err := s.manager(docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	initErr := m.Initialize(r.Context(), req.Token)
	resp := map[string]any{
		"id":            docID,
		"state":         m.State().String(),
		"correlationId": correlationID,
	}
	if info, ok := m.PendingConflict(); ok {
		resp["conflict"] = info
	}
	switch {
	case initErr == nil:
	case errors.Is(initErr, dataflow.ErrPersistence):
		// store is live, snapshot backend is not
		resp["warning"] = "persistence unavailable"
	case errors.Is(initErr, dataflow.ErrDisposed):
		writeError(w, http.StatusConflict, "disposed", "document manager is disposed", correlationID)
		return
	default:
		writeError(w, http.StatusInternalServerError, "internal", initErr.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCloseDocument(w http.ResponseWriter, docID, correlationID string) {
	s.mu.Lock()
	_, ok := s.open[docID]
	if ok {
		delete(s.open, docID)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "document is not open", correlationID)
		return
	}
	s.registry.Release(docID)
	writeJSON(w, http.StatusOK, map[string]any{"closed": docID, "correlationId": correlationID})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, docID, correlationID string) {
	m, err := s.manager(docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	store := m.Store()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            docID,
		"state":         m.State().String(),
		"columns":       store.Columns(),
		"cells":         store.Snapshot().CellMap(),
		"correlationId": correlationID,
	})
}

func (s *Server) handleSetCell(w http.ResponseWriter, r *http.Request, docID, rowID, columnID, correlationID string) {
	var value grid.Value
	if !s.decodeJSONBody(w, r, correlationID, &value) {
		return
	}
	m, err := s.manager(docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	column, ok := m.Store().Column(columnID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_column", "column does not exist", correlationID)
		return
	}
	if !column.Editable {
		writeError(w, http.StatusBadRequest, "column_not_editable", "column is not editable", correlationID)
		return
	}
	if column.Locked {
		writeError(w, http.StatusBadRequest, "column_locked", "column is locked", correlationID)
		return
	}
	m.Store().SetValue(rowID, columnID, value)
	writeJSON(w, http.StatusOK, map[string]any{
		"row":           rowID,
		"column":        columnID,
		"value":         m.Store().Value(rowID, columnID),
		"correlationId": correlationID,
	})
}

func (s *Server) handleGetCell(w http.ResponseWriter, docID, rowID, columnID, correlationID string) {
	m, err := s.manager(docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	if _, ok := m.Store().Column(columnID); !ok {
		writeError(w, http.StatusNotFound, "unknown_column", "column does not exist", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"row":           rowID,
		"column":        columnID,
		"value":         m.Store().Value(rowID, columnID),
		"correlationId": correlationID,
	})
}

func (s *Server) handleShareToken(w http.ResponseWriter, docID, correlationID string) {
	m, err := s.manager(docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	tok, err := m.ShareToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "correlationId": correlationID})
}

// handleApplyToken feeds an externally observed URL token into the manager,
// the same path a changed shared link takes.
func (s *Server) handleApplyToken(w http.ResponseWriter, r *http.Request, docID, correlationID string) {
	var req struct {
		Token string `json:"token"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "token is required", correlationID)
		return
	}
	m, err := s.manager(docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	initErr := m.Initialize(r.Context(), req.Token)
	resp := map[string]any{
		"id":            docID,
		"state":         m.State().String(),
		"correlationId": correlationID,
	}
	if info, ok := m.PendingConflict(); ok {
		resp["conflict"] = info
	}
	if initErr != nil {
		if errors.Is(initErr, dataflow.ErrPersistence) {
			resp["warning"] = "persistence unavailable"
		} else {
			writeError(w, http.StatusInternalServerError, "internal", initErr.Error(), correlationID)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetConflict(w http.ResponseWriter, docID, correlationID string) {
	m, err := s.manager(docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	info, ok := m.PendingConflict()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"pending": false, "correlationId": correlationID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":       true,
		"conflict":      info,
		"correlationId": correlationID,
	})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request, docID, correlationID string) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	m, err := s.manager(docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	resErr := m.ResolveConflict(r.Context(), dataflow.Resolution(req.Resolution))
	switch {
	case resErr == nil:
	case errors.Is(resErr, dataflow.ErrInvalidResolution):
		writeError(w, http.StatusBadRequest, "invalid_resolution", "resolution must be merge, replace-url, replace-db or cancel", correlationID)
		return
	case errors.Is(resErr, dataflow.ErrNoConflict):
		writeError(w, http.StatusConflict, "no_conflict", "no conflict is pending", correlationID)
		return
	case errors.Is(resErr, dataflow.ErrDisposed):
		writeError(w, http.StatusConflict, "disposed", "document manager is disposed", correlationID)
		return
	default:
		writeError(w, http.StatusInternalServerError, "internal", resErr.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            docID,
		"state":         m.State().String(),
		"correlationId": correlationID,
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
