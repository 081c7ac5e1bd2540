package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nodewatch/fleetctl/internal/node/metricsapi"
	"github.com/nodewatch/fleetctl/internal/platform/errs"
)

func TestAuthMiddlewareRejectsMissingKey(t *testing.T) {
	mw := authMiddleware("secret")
	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", rec.Code)
	}
	if called {
		t.Error("expected next handler to not run without a valid API key")
	}
}

func TestAuthMiddlewareAcceptsMatchingKey(t *testing.T) {
	mw := authMiddleware("secret")
	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Error("expected next handler to run with a valid API key")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
}

func TestAuthMiddlewareBypassesHealthAndMetrics(t *testing.T) {
	mw := authMiddleware("secret")
	for _, path := range []string{"/health", "/metrics"} {
		called := false
		h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if !called {
			t.Errorf("expected %s to bypass auth", path)
		}
	}
}

func TestWriteJSONMarshalsValue(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusCreated, map[string]string{"foo": "bar"})

	if rec.Code != http.StatusCreated {
		t.Errorf("got status %d, want 201", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["foo"] != "bar" {
		t.Errorf("got body %v, want foo=bar", body)
	}
}

func TestWriteErrUsesKindedHTTPStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErr(rec, errs.New(errs.KindNotFound, "missing thing", nil))

	if rec.Code != errs.HTTPStatus(errs.KindNotFound) {
		t.Errorf("got status %d, want %d", rec.Code, errs.HTTPStatus(errs.KindNotFound))
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected a non-empty error message in the body")
	}
}

func TestWriteErrDefaultsToInternalServerErrorForPlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErr(rec, errors.New("boom"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500 for an unkinded error", rec.Code)
	}
}

func TestVersionHandlerReturnsConfiguredVersion(t *testing.T) {
	d := Deps{Version: "1.2.3"}
	h := versionHandler(d)

	req := httptest.NewRequest(http.MethodGet, "/api/system/version", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["version"] != "1.2.3" {
		t.Errorf("got version %q, want %q", body["version"], "1.2.3")
	}
}

func TestMetricsHandlerReturnsSnapshotJSON(t *testing.T) {
	d := Deps{Metrics: metricsapi.New()}
	h := metricsHandler(d)

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("got content type %q, want application/json", rec.Header().Get("Content-Type"))
	}
}
