package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/tripwire/dupwatch/internal/app"
	"github.com/tripwire/dupwatch/internal/console"
	"github.com/tripwire/dupwatch/internal/executor"
	"github.com/tripwire/dupwatch/internal/journal"
	"github.com/tripwire/dupwatch/internal/monitor"
	"github.com/tripwire/dupwatch/internal/notify"
	"github.com/tripwire/dupwatch/internal/slab"
	"github.com/tripwire/dupwatch/internal/stats"
)

var testSecret = []byte("router-test-secret")

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeController is an in-memory Controller.
type fakeController struct {
	mu       sync.Mutex
	next     app.Handle
	monitors map[app.Handle]app.MonitorInfo
	byRoot   map[string]app.Handle
	startErr error
	clickErr error
	clicked  []string // notification IDs
	closed   bool
	found    []journal.Entry

	con *console.Console
}

func newFakeController() *fakeController {
	return &fakeController{
		monitors: make(map[app.Handle]app.MonitorInfo),
		byRoot:   make(map[string]app.Handle),
		con:      console.New(quietLogger(), 10, 8),
	}
}

func (f *fakeController) StartMonitor(_ context.Context, root string, _ app.MonitorOptions) (app.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	if h, ok := f.byRoot[root]; ok {
		return h, nil
	}
	f.next++
	f.monitors[f.next] = app.MonitorInfo{Handle: f.next, Root: root, Running: true}
	f.byRoot[root] = f.next
	return f.next, nil
}

func (f *fakeController) StopMonitor(h app.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	mi, ok := f.monitors[h]
	if !ok {
		return app.ErrUnknownHandle
	}
	delete(f.monitors, h)
	delete(f.byRoot, mi.Root)
	return nil
}

func (f *fakeController) GetStats(h app.Handle) (stats.Snapshot, error) {
	if _, err := f.Monitor(h); err != nil {
		return stats.Snapshot{}, err
	}
	return stats.Snapshot{LastFile: "b.txt", FilesSeen: 2, Duplicates: 1, Hashes: 1}, nil
}

func (f *fakeController) GetCacheStats() slab.Stats {
	return slab.Stats{Entries: 3, Path: "/var/cache/slab.bin", Tail: 3, MaxRecords: 8}
}

func (f *fakeController) Monitor(h app.Handle) (app.MonitorInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mi, ok := f.monitors[h]
	if !ok {
		return app.MonitorInfo{}, app.ErrUnknownHandle
	}
	return mi, nil
}

func (f *fakeController) Monitors() []app.MonitorInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []app.MonitorInfo{}
	for h := app.Handle(1); h <= f.next; h++ {
		if mi, ok := f.monitors[h]; ok {
			out = append(out, mi)
		}
	}
	return out
}

func (f *fakeController) Health() app.HealthStatus {
	if f.closed {
		return app.HealthStatus{Status: "closed"}
	}
	return app.HealthStatus{Status: "ok", Monitors: len(f.Monitors())}
}

func (f *fakeController) Metrics() app.Metrics {
	return app.Metrics{
		Stats: stats.Snapshot{FilesSeen: 2, Duplicates: 1},
		Cache: f.GetCacheStats(),
		Pools: []executor.PoolStats{{Name: "hashing", Workers: 4}},
		Monitors: []app.MonitorInfo{{
			Handle: 1, Root: "/data", Running: true,
			Counters: monitor.Counters{Events: 5, Hashed: 2},
		}},
		Notifications:  notify.DispatcherStats{Delivered: 7},
		JournalEntries: 4,
	}
}

func (f *fakeController) Console() *console.Console { return f.con }

func (f *fakeController) Click(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicked = append(f.clicked, id)
	return f.clickErr
}

func (f *fakeController) Duplicates(limit int) []journal.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.found
	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	return out
}

func newTestRouter(ctl Controller, secret []byte) http.Handler {
	return NewRouter(NewServer(ctl, quietLogger()), secret)
}

func signHS256(t *testing.T, key []byte, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validBearer(t *testing.T) string {
	t.Helper()
	return "Bearer " + signHS256(t, testSecret, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		Subject:   "test",
	})
}

func do(t *testing.T, h http.Handler, method, target, body, auth string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_HealthzNoAuth(t *testing.T) {
	h := newTestRouter(newFakeController(), testSecret)

	rec := do(t, h, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var hs app.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&hs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hs.Status != "ok" {
		t.Errorf("status = %q, want ok", hs.Status)
	}
}

func TestRouter_HealthzClosed(t *testing.T) {
	ctl := newFakeController()
	ctl.closed = true
	rec := do(t, newTestRouter(ctl, nil), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRouter_APIRoutesRequireJWT(t *testing.T) {
	h := newTestRouter(newFakeController(), testSecret)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/monitors"},
		{http.MethodPost, "/api/v1/monitors"},
		{http.MethodGet, "/api/v1/monitors/1"},
		{http.MethodDelete, "/api/v1/monitors/1"},
		{http.MethodGet, "/api/v1/monitors/1/stats"},
		{http.MethodGet, "/api/v1/cache"},
		{http.MethodGet, "/api/v1/console"},
		{http.MethodGet, "/api/v1/console/stream"},
		{http.MethodGet, "/api/v1/duplicates"},
		{http.MethodPost, "/api/v1/notifications/click"},
	}
	for _, rt := range routes {
		rec := do(t, h, rt.method, rt.path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401 without JWT, got %d", rt.method, rt.path, rec.Code)
		}
	}
}

func TestRouter_MonitorLifecycle(t *testing.T) {
	ctl := newFakeController()
	h := newTestRouter(ctl, testSecret)
	auth := validBearer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/monitors", `{"root":"/data","notifications":true}`, auth)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var mi app.MonitorInfo
	if err := json.NewDecoder(rec.Body).Decode(&mi); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mi.Handle != 1 || mi.Root != "/data" {
		t.Fatalf("monitor = %+v, want handle 1 on /data", mi)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/monitors", `{"root":"/data"}`, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("restart: expected 200 for an already watched root, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/monitors", "", auth)
	var list []app.MonitorInfo
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}

	rec = do(t, h, http.MethodGet, "/api/v1/monitors/1/stats", "", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rec.Code)
	}
	var st stats.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Duplicates != 1 || st.LastFile != "b.txt" {
		t.Errorf("stats = %+v", st)
	}

	rec = do(t, h, http.MethodDelete, "/api/v1/monitors/1", "", auth)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("stop: expected 204, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/monitors/1", "", auth)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after stop: expected 404, got %d", rec.Code)
	}
}

func TestRouter_StartMonitorValidation(t *testing.T) {
	ctl := newFakeController()
	h := newTestRouter(ctl, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", `nope`, http.StatusBadRequest},
		{"missing root", `{}`, http.StatusBadRequest},
		{"unknown field", `{"root":"/x","recursive":true}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/monitors", tc.body, "")
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}

	ctl.startErr = fmt.Errorf("app: start monitor: %w", os.ErrNotExist)
	rec := do(t, h, http.MethodPost, "/api/v1/monitors", `{"root":"/missing"}`, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("start failure: expected 422, got %d", rec.Code)
	}

	ctl.startErr = app.ErrClosed
	rec = do(t, h, http.MethodPost, "/api/v1/monitors", `{"root":"/x"}`, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("closed: expected 503, got %d", rec.Code)
	}
}

func TestRouter_BadHandle(t *testing.T) {
	h := newTestRouter(newFakeController(), nil)
	for _, path := range []string{"/api/v1/monitors/abc", "/api/v1/monitors/0/stats"} {
		rec := do(t, h, http.MethodGet, path, "", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, rec.Code)
		}
	}
	rec := do(t, h, http.MethodDelete, "/api/v1/monitors/42", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown handle: expected 404, got %d", rec.Code)
	}
}

func TestRouter_CacheAndConsole(t *testing.T) {
	ctl := newFakeController()
	for i := 1; i <= 5; i++ {
		ctl.con.Log(fmt.Sprintf("line %d", i))
	}
	h := newTestRouter(ctl, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/cache", "", "")
	var cs slab.Stats
	if err := json.NewDecoder(rec.Body).Decode(&cs); err != nil {
		t.Fatalf("decode cache: %v", err)
	}
	if cs.Entries != 3 || cs.Path != "/var/cache/slab.bin" {
		t.Errorf("cache = %+v", cs)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/console?limit=2", "", "")
	var lines []console.Line
	if err := json.NewDecoder(rec.Body).Decode(&lines); err != nil {
		t.Fatalf("decode console: %v", err)
	}
	if len(lines) != 2 || lines[0].Message != "line 4" || lines[1].Message != "line 5" {
		t.Errorf("console = %+v, want the last two lines", lines)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/console?limit=-1", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", rec.Code)
	}
}

func TestRouter_Duplicates(t *testing.T) {
	ctl := newFakeController()
	h := newTestRouter(ctl, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/duplicates", "", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty journal: got %d %q, want 200 []", rec.Code, rec.Body.String())
	}

	for i := 1; i <= 3; i++ {
		ctl.found = append(ctl.found, journal.Entry{
			Seq:     int64(i),
			Finding: journal.Finding{Hash: journal.FormatHash(uint64(i)), Path: fmt.Sprintf("/data/copy-%d", i), Original: "/data/orig"},
		})
	}
	rec = do(t, h, http.MethodGet, "/api/v1/duplicates?limit=2", "", "")
	var got []journal.Entry
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode duplicates: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 2 || got[1].Finding.Path != "/data/copy-3" {
		t.Errorf("duplicates = %+v, want seq 2 and 3", got)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/duplicates?limit=abc", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", rec.Code)
	}
}

func TestRouter_Click(t *testing.T) {
	ctl := newFakeController()
	h := newTestRouter(ctl, nil)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"opened", nil, http.StatusNoContent},
		{"blocked", notify.ErrBlocked, http.StatusForbidden},
		{"gone", fmt.Errorf("notify: click: %w", os.ErrNotExist), http.StatusNotFound},
		{"unknown id", notify.ErrUnknownNotification, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctl.clickErr = tc.err
			rec := do(t, h, http.MethodPost, "/api/v1/notifications/click", `{"id":"0f8c"}`, "")
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
	ctl.clickErr = nil

	rec := do(t, h, http.MethodPost, "/api/v1/notifications/click", `{}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty id: expected 400, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/notifications/click", `{"path":"C:/Windows/System32/calc.exe"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("raw path: expected 400, got %d", rec.Code)
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if len(ctl.clicked) != len(tests) {
		t.Errorf("controller saw %d clicks, want %d", len(ctl.clicked), len(tests))
	}
	for _, id := range ctl.clicked {
		if id != "0f8c" {
			t.Errorf("controller clicked %q, want the notification id", id)
		}
	}
}

// A page on another origin can POST text/plain without a preflight; the
// API must refuse it before any handler runs.
func TestRouter_RejectsNonJSONBodies(t *testing.T) {
	ctl := newFakeController()
	h := newTestRouter(ctl, nil)

	for _, target := range []string{"/api/v1/notifications/click", "/api/v1/monitors"} {
		for _, ct := range []string{"text/plain", "application/x-www-form-urlencoded", ""} {
			req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(`{"id":"0f8c","path":"/tmp"}`))
			if ct != "" {
				req.Header.Set("Content-Type", ct)
			}
			req.Header.Set("Origin", "http://evil.example")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnsupportedMediaType {
				t.Errorf("POST %s with %q: expected 415, got %d", target, ct, rec.Code)
			}
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/click", strings.NewReader(`{"id":"0f8c"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("json with charset: expected 204, got %d", rec.Code)
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if len(ctl.clicked) != 1 {
		t.Errorf("controller saw %d clicks, want only the json one", len(ctl.clicked))
	}
	if len(ctl.monitors) != 0 {
		t.Errorf("controller started %d monitors from non-json bodies", len(ctl.monitors))
	}
}

func TestRouter_Metrics(t *testing.T) {
	h := newTestRouter(newFakeController(), testSecret)

	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without auth, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"dupwatch_duplicates_total 1",
		"dupwatch_cache_entries 3",
		`dupwatch_pool_workers{pool="hashing"} 4`,
		`dupwatch_monitor_hashed_total{handle="1",root="/data"} 2`,
		"dupwatch_notifications_delivered_total 7",
		"dupwatch_journal_entries 4",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRouter_ConsoleStream(t *testing.T) {
	ctl := newFakeController()
	ctl.con.Log("before connect")
	srv := httptest.NewServer(newTestRouter(ctl, testSecret))
	defer srv.Close()

	token := strings.TrimPrefix(validBearer(t), "Bearer ")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/console/stream?history=1&access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var l console.Line
	if err := conn.ReadJSON(&l); err != nil {
		t.Fatalf("read history: %v", err)
	}
	if l.Message != "before connect" {
		t.Fatalf("history line = %q", l.Message)
	}

	// The subscription is registered before history is sent.
	ctl.con.Log("live line")
	if err := conn.ReadJSON(&l); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if l.Message != "live line" {
		t.Fatalf("live line = %q", l.Message)
	}
}

func TestRouter_ConsoleStreamRejectsBadToken(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(newFakeController(), testSecret))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/console/stream?access_token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}
