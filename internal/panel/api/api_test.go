package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	store "github.com/nodewatch/fleetctl/internal/store/panel"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestAuthMiddlewareRejectsMissingKey(t *testing.T) {
	mw := authMiddleware("secret")
	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
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

	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Error("expected next handler to run with a valid API key")
	}
}

func TestParseSinceDefaultsWhenUnset(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/remnawave/top-users", nil)
	got := parseSince(req, 24*time.Hour)
	want := time.Now().Add(-24 * time.Hour)
	if got.Sub(want) > time.Second || want.Sub(got) > time.Second {
		t.Errorf("got %v, want close to %v", got, want)
	}
}

func TestParseSinceHonorsHoursParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/remnawave/top-users?hours=6", nil)
	got := parseSince(req, 24*time.Hour)
	want := time.Now().Add(-6 * time.Hour)
	if got.Sub(want) > time.Second || want.Sub(got) > time.Second {
		t.Errorf("got %v, want close to %v", got, want)
	}
}

func TestParseSinceIgnoresInvalidHours(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/remnawave/top-users?hours=bogus", nil)
	got := parseSince(req, 24*time.Hour)
	want := time.Now().Add(-24 * time.Hour)
	if got.Sub(want) > time.Second || want.Sub(got) > time.Second {
		t.Errorf("got %v, want fallback to default 24h", got)
	}
}

func TestParseLimitDefaultsWhenUnset(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/remnawave/top-users", nil)
	if got := parseLimit(req, 20); got != 20 {
		t.Errorf("got %d, want default 20", got)
	}
}

func TestParseLimitHonorsParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/remnawave/top-users?limit=5", nil)
	if got := parseLimit(req, 20); got != 5 {
		t.Errorf("got %d, want 5", got)
	}
}

func TestListServersHandlerReturnsOrderedServers(t *testing.T) {
	db := newTestDB(t)
	db.Create(&store.Server{Name: "b", BaseURL: "http://b", Position: 2})
	db.Create(&store.Server{Name: "a", BaseURL: "http://a", Position: 1})

	h := listServersHandler(Deps{DB: db})
	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	var servers []store.Server
	if err := json.Unmarshal(rec.Body.Bytes(), &servers); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(servers) != 2 || servers[0].Name != "a" {
		t.Errorf("expected servers ordered by position, got %+v", servers)
	}
}

func TestCreateServerHandlerForcesActiveTrue(t *testing.T) {
	db := newTestDB(t)
	h := createServerHandler(Deps{DB: db})

	body := `{"name":"new-node","base_url":"http://10.0.0.1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/servers", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var created store.Server
	db.Where("name = ?", "new-node").First(&created)
	if !created.Active {
		t.Error("expected a newly created server to be marked active")
	}
}

func TestCreateServerHandlerRejectsInvalidBody(t *testing.T) {
	db := newTestDB(t)
	h := createServerHandler(Deps{DB: db})

	req := httptest.NewRequest(http.MethodPost, "/api/servers", strings.NewReader("not-json"))
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400 for invalid JSON body", rec.Code)
	}
}

func TestDeleteServerHandlerRemovesRow(t *testing.T) {
	db := newTestDB(t)
	db.Create(&store.Server{Name: "x", BaseURL: "http://x"})
	var s store.Server
	db.Where("name = ?", "x").First(&s)

	r := chi.NewRouter()
	r.Delete("/api/servers/{id}", deleteServerHandler(Deps{DB: db}))

	req := httptest.NewRequest(http.MethodDelete, "/api/servers/"+strconv.FormatUint(uint64(s.ID), 10), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var remaining []store.Server
	db.Find(&remaining)
	if len(remaining) != 0 {
		t.Errorf("expected the server row to be deleted, got %d remaining", len(remaining))
	}
}

func TestXraySummaryHandlerReturnsGlobalRow(t *testing.T) {
	db := newTestDB(t)
	db.Create(&store.XrayGlobalSummary{ID: 1, TotalVisits: 99})

	h := xraySummaryHandler(Deps{DB: db})
	req := httptest.NewRequest(http.MethodGet, "/api/remnawave/summary", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	var got store.XrayGlobalSummary
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.TotalVisits != 99 {
		t.Errorf("got TotalVisits=%d, want 99", got.TotalVisits)
	}
}

func TestGetAlertSettingsHandlerReturnsStoredRow(t *testing.T) {
	db := newTestDB(t)
	db.Create(&store.AlertSettings{ID: 1, TelegramBotToken: "tok"})

	h := getAlertSettingsHandler(Deps{DB: db})
	req := httptest.NewRequest(http.MethodGet, "/api/alerts/settings", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	var got store.AlertSettings
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.TelegramBotToken != "tok" {
		t.Errorf("got token %q, want %q", got.TelegramBotToken, "tok")
	}
}

func TestListBlocklistRulesHandlerReturnsAllRows(t *testing.T) {
	db := newTestDB(t)
	db.Create(&store.BlocklistRule{IPCIDR: "1.2.3.4", Direction: "in"})

	h := listBlocklistRulesHandler(Deps{DB: db})
	req := httptest.NewRequest(http.MethodGet, "/api/blocklist/rules", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	var rules []store.BlocklistRule
	json.Unmarshal(rec.Body.Bytes(), &rules)
	if len(rules) != 1 || rules[0].IPCIDR != "1.2.3.4" {
		t.Errorf("got %+v", rules)
	}
}
