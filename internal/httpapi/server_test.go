package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/formulapad/cellsync/internal/dataflow"
	"github.com/formulapad/cellsync/internal/grid"
	"github.com/formulapad/cellsync/internal/snapshotstore"
	"github.com/formulapad/cellsync/internal/token"
)

func testServer(t *testing.T, cfg ServerConfig) (*Server, snapshotstore.Store) {
	t.Helper()
	snapshots := snapshotstore.NewInMemoryStore()
	stores := grid.NewRegistry(grid.RegistryOptions{
		StoreDefaults: grid.StoreOptions{
			Columns: []grid.Column{
				{ID: "a", Type: grid.ColumnNumber, Editable: true},
				{ID: "b", Type: grid.ColumnNumber, Editable: true},
				{ID: "note", Type: grid.ColumnText, Editable: true, Locked: false},
				{ID: "frozen", Type: grid.ColumnText, Editable: true, Locked: true},
				{ID: "sum", Type: grid.ColumnResult, Formula: "a + b"},
			},
			DebounceWindow: time.Hour,
		},
	})
	registry, err := dataflow.NewRegistry(dataflow.RegistryOptions{
		Stores:    stores,
		Snapshots: snapshots,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	server := NewServerWithConfig(registry, cfg)
	t.Cleanup(server.Close)
	return server, snapshots
}

func doJSON(t *testing.T, server http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Correlation-Id", "test-corr")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	server, _ := testServer(t, ServerConfig{})
	rec, body := doJSON(t, server, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", rec.Code, body)
	}
}

func TestDashboardServesHTML(t *testing.T) {
	server, _ := testServer(t, ServerConfig{})
	rec, _ := doJSON(t, server, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard status %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("dashboard content type %q", rec.Header().Get("Content-Type"))
	}
}

func TestBearerAuth(t *testing.T) {
	server, _ := testServer(t, ServerConfig{AuthToken: "secret-token"})

	req := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing auth: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong token: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: %d %s", rec.Code, rec.Body.String())
	}
}

func TestOpenAndEditDocument(t *testing.T) {
	server, _ := testServer(t, ServerConfig{})

	rec, body := doJSON(t, server, http.MethodPost, "/v1/documents/doc-1/open", map[string]string{})
	if rec.Code != http.StatusOK {
		t.Fatalf("open: %d %v", rec.Code, body)
	}
	if body["state"] != "synced" {
		t.Fatalf("fresh document state %v", body["state"])
	}

	rec, body = doJSON(t, server, http.MethodPut, "/v1/documents/doc-1/cells/r1/a", map[string]float64{"n": 4})
	if rec.Code != http.StatusOK {
		t.Fatalf("set cell: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, server, http.MethodGet, "/v1/documents/doc-1/cells/r1/a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get cell: %d %v", rec.Code, body)
	}
	value, _ := body["value"].(map[string]any)
	if value["n"] != 4.0 {
		t.Fatalf("cell value %v", body["value"])
	}

	rec, body = doJSON(t, server, http.MethodGet, "/v1/documents/doc-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get document: %d %v", rec.Code, body)
	}
	cells, _ := body["cells"].(map[string]any)
	if cells["r1"] == nil {
		t.Fatalf("document missing edited row: %v", body)
	}
}

func TestSetCellValidation(t *testing.T) {
	server, _ := testServer(t, ServerConfig{})
	doJSON(t, server, http.MethodPost, "/v1/documents/doc-1/open", nil)

	rec, body := doJSON(t, server, http.MethodPut, "/v1/documents/doc-1/cells/r1/missing", map[string]float64{"n": 1})
	if rec.Code != http.StatusNotFound || body["code"] != "unknown_column" {
		t.Fatalf("unknown column: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, server, http.MethodPut, "/v1/documents/doc-1/cells/r1/sum", map[string]float64{"n": 1})
	if rec.Code != http.StatusBadRequest || body["code"] != "column_not_editable" {
		t.Fatalf("result column: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, server, http.MethodPut, "/v1/documents/doc-1/cells/r1/frozen", map[string]string{"t": "x"})
	if rec.Code != http.StatusBadRequest || body["code"] != "column_locked" {
		t.Fatalf("locked column: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, server, http.MethodPut, "/v1/documents/doc-1/cells/r1/a", map[string]any{"t": "x", "n": 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ambiguous value: %d %v", rec.Code, body)
	}
}

func TestShareTokenDecodes(t *testing.T) {
	server, _ := testServer(t, ServerConfig{})
	doJSON(t, server, http.MethodPost, "/v1/documents/doc-1/open", nil)
	doJSON(t, server, http.MethodPut, "/v1/documents/doc-1/cells/r1/a", map[string]float64{"n": 7})

	rec, body := doJSON(t, server, http.MethodGet, "/v1/documents/doc-1/share", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("share: %d %v", rec.Code, body)
	}
	tok, _ := body["token"].(string)
	decoded, err := token.Decode(tok)
	if err != nil {
		t.Fatalf("share token does not decode: %v", err)
	}
	if !decoded.Value("r1", "a").Equal(grid.Number(7)) {
		t.Fatalf("share token carries %v", decoded.CellMap())
	}
}

func TestConflictFlow(t *testing.T) {
	server, snapshots := testServer(t, ServerConfig{})

	// persisted state disagrees with the incoming URL token
	err := snapshots.Write(context.Background(), "doc-1", grid.SnapshotFromCells(map[string]map[string]grid.Value{
		"r1": {"a": grid.Number(10), "b": grid.Number(5)},
	}))
	if err != nil {
		t.Fatalf("seed snapshots: %v", err)
	}
	urlToken, err := token.Encode(grid.SnapshotFromCells(map[string]map[string]grid.Value{
		"r1": {"a": grid.Number(20)},
	}))
	if err != nil {
		t.Fatalf("encode url token: %v", err)
	}

	rec, body := doJSON(t, server, http.MethodPost, "/v1/documents/doc-1/open", map[string]string{"token": urlToken})
	if rec.Code != http.StatusOK || body["state"] != "conflict-pending" {
		t.Fatalf("open with conflict: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, server, http.MethodGet, "/v1/documents/doc-1/conflict", nil)
	if rec.Code != http.StatusOK || body["pending"] != true {
		t.Fatalf("get conflict: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, server, http.MethodPost, "/v1/documents/doc-1/conflict", map[string]string{"resolution": "overwrite"})
	if rec.Code != http.StatusBadRequest || body["code"] != "invalid_resolution" {
		t.Fatalf("invalid resolution: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, server, http.MethodPost, "/v1/documents/doc-1/conflict", map[string]string{"resolution": "merge"})
	if rec.Code != http.StatusOK || body["state"] != "synced" {
		t.Fatalf("merge: %d %v", rec.Code, body)
	}

	// URL wins the shared cell, DB-only cell survives
	rec, body = doJSON(t, server, http.MethodGet, "/v1/documents/doc-1/cells/r1/a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get cell: %d", rec.Code)
	}
	if value, _ := body["value"].(map[string]any); value["n"] != 20.0 {
		t.Fatalf("merged value %v", body["value"])
	}

	rec, body = doJSON(t, server, http.MethodPost, "/v1/documents/doc-1/conflict", map[string]string{"resolution": "merge"})
	if rec.Code != http.StatusConflict || body["code"] != "no_conflict" {
		t.Fatalf("resolve without conflict: %d %v", rec.Code, body)
	}
}

func TestApplyTokenRequiresToken(t *testing.T) {
	server, _ := testServer(t, ServerConfig{})
	rec, body := doJSON(t, server, http.MethodPost, "/v1/documents/doc-1/token", map[string]string{"token": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty token: %d %v", rec.Code, body)
	}
}

func TestCloseDocument(t *testing.T) {
	server, _ := testServer(t, ServerConfig{})
	doJSON(t, server, http.MethodPost, "/v1/documents/doc-1/open", nil)

	rec, _ := doJSON(t, server, http.MethodDelete, "/v1/documents/doc-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("close: %d", rec.Code)
	}
	rec, body := doJSON(t, server, http.MethodDelete, "/v1/documents/doc-1", nil)
	if rec.Code != http.StatusNotFound || body["code"] != "not_found" {
		t.Fatalf("double close: %d %v", rec.Code, body)
	}
}

func TestListDocuments(t *testing.T) {
	server, _ := testServer(t, ServerConfig{})
	doJSON(t, server, http.MethodPost, "/v1/documents/doc-1/open", nil)
	doJSON(t, server, http.MethodPost, "/v1/documents/doc-2/open", nil)

	rec, body := doJSON(t, server, http.MethodGet, "/v1/documents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	docs, _ := body["documents"].([]any)
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %v", body["documents"])
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := testServer(t, ServerConfig{})
	rec, body := doJSON(t, server, http.MethodGet, "/v1/nope", nil)
	if rec.Code != http.StatusNotFound || body["code"] != "not_found" {
		t.Fatalf("unknown route: %d %v", rec.Code, body)
	}
	if body["correlationId"] != "test-corr" {
		t.Fatalf("correlation id not echoed: %v", body)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	server, _ := testServer(t, ServerConfig{MaxBodyBytes: 16})
	big := strings.Repeat("x", 64)
	rec, body := doJSON(t, server, http.MethodPost, "/v1/documents/doc-1/token", map[string]string{"token": big})
	if rec.Code != http.StatusRequestEntityTooLarge || body["code"] != "payload_too_large" {
		t.Fatalf("oversized body: %d %v", rec.Code, body)
	}
}

func TestRateLimit(t *testing.T) {
	server, _ := testServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})

	for i := 0; i < 2; i++ {
		rec, _ := doJSON(t, server, http.MethodGet, "/v1/documents", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	rec, body := doJSON(t, server, http.MethodGet, "/v1/documents", nil)
	if rec.Code != http.StatusTooManyRequests || body["code"] != "rate_limited" {
		t.Fatalf("expected rate limit, got %d %v", rec.Code, body)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
}
