package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"funnelbot/internal/engage"
	"funnelbot/internal/scheduler"
	"funnelbot/internal/storage"
	logx "funnelbot/pkg/logx"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type sink struct {
	mu   sync.Mutex
	sent []string
}

func (s *sink) Send(_ context.Context, handle, text string) error {
	s.mu.Lock()
	s.sent = append(s.sent, handle+": "+text)
	s.mu.Unlock()
	return nil
}

func (s *sink) Connected() bool { return true }

type registry map[string]*engage.Bot

func (r registry) Bot(id string) (*engage.Bot, bool) {
	b, ok := r[id]
	return b, ok
}

func (r registry) Bots() []*engage.Bot {
	out := make([]*engage.Bot, 0, len(r))
	for _, b := range r {
		out = append(out, b)
	}
	return out
}

func newTestServer(t *testing.T, token string, at time.Time) (*Server, *engage.Bot, *sink) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := engage.DefaultSettings()
	s.JitterMin, s.JitterMax = 0, 0
	ch := &sink{}
	b := engage.New(engage.Config{ID: "sales", Location: time.UTC, Settings: s}, ch, storage.NewMemory(),
		engage.WithClock(func() time.Time { return at }))
	return New(Config{Token: token}, registry{"sales": b}, logx.Nop()), b, ch
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if srv.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+srv.cfg.Token)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthAndAuth(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret", t0)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}

	for _, hdr := range []string{"", "Bearer nope", "secret"} {
		req := httptest.NewRequest(http.MethodGet, "/api/bots", nil)
		if hdr != "" {
			req.Header.Set("Authorization", hdr)
		}
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("auth %q = %d", hdr, w.Code)
		}
	}

	w = do(t, srv, http.MethodGet, "/api/bots", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"bot":"sales"`) {
		t.Fatalf("bots = %d %s", w.Code, w.Body.String())
	}
	if w = do(t, srv, http.MethodGet, "/api/bots/ghost/status", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown bot = %d", w.Code)
	}
}

func TestContactLifecycle(t *testing.T) {
	srv, b, _ := newTestServer(t, "", t0)
	const h = "/api/bots/sales/contacts/5511999990001"

	w := do(t, srv, http.MethodPost, "/api/bots/sales/inbound", `{"handle":"5511999990001","name":"Ana","text":"oi, tenho um onix 2023"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("inbound = %d %s", w.Code, w.Body.String())
	}
	w = do(t, srv, http.MethodGet, "/api/bots/sales/contacts?stage=new", "")
	if w.Code != http.StatusOK || decode(t, w)["total"].(float64) != 1 {
		t.Fatalf("contacts = %d %s", w.Code, w.Body.String())
	}
	if w = do(t, srv, http.MethodGet, "/api/bots/sales/contacts?stage=bogus", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad stage = %d", w.Code)
	}

	w = do(t, srv, http.MethodGet, h, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"detected_year":2023`) {
		t.Fatalf("contact = %d %s", w.Code, w.Body.String())
	}

	if w = do(t, srv, http.MethodPost, h+"/pause", `{"duration":"48h"}`); w.Code != http.StatusOK {
		t.Fatalf("pause = %d %s", w.Code, w.Body.String())
	}
	if r, _ := b.Book().Get("5511999990001"); !r.PausedUntil.Equal(t0.Add(48 * time.Hour)) {
		t.Fatalf("paused until %s", r.PausedUntil)
	}
	if w = do(t, srv, http.MethodPatch, h, `{"stage":"quoted","notes":"ligar sexta"}`); w.Code != http.StatusOK {
		t.Fatalf("patch = %d %s", w.Code, w.Body.String())
	}
	if w = do(t, srv, http.MethodPatch, h, `{"stage":"sleeping"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad patch = %d %s", w.Code, w.Body.String())
	}

	if w = do(t, srv, http.MethodPost, h+"/block", `{"reason":"pediu"}`); w.Code != http.StatusOK {
		t.Fatalf("block = %d", w.Code)
	}
	if w = do(t, srv, http.MethodPost, h+"/send", `{"text":"oi"}`); w.Code != http.StatusConflict {
		t.Fatalf("send to blocked = %d %s", w.Code, w.Body.String())
	}
	if w = do(t, srv, http.MethodDelete, h+"/block", ""); w.Code != http.StatusOK {
		t.Fatalf("unblock = %d", w.Code)
	}

	if w = do(t, srv, http.MethodGet, "/api/bots/sales/contacts/5511000000000", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing contact = %d", w.Code)
	}
}

func TestSettingsPatch(t *testing.T) {
	srv, b, _ := newTestServer(t, "", t0)

	w := do(t, srv, http.MethodPatch, "/api/bots/sales/settings", `{"window":{"end_hour":30}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid patch = %d %s", w.Code, w.Body.String())
	}
	if w = do(t, srv, http.MethodPatch, "/api/bots/sales/settings", `{"window":`); w.Code != http.StatusBadRequest {
		t.Fatalf("broken json = %d", w.Code)
	}
	w = do(t, srv, http.MethodPatch, "/api/bots/sales/settings", `{"min_year_follow_up":2015}`)
	if w.Code != http.StatusOK || b.Settings().MinYear != 2015 {
		t.Fatalf("patch = %d, min year %d", w.Code, b.Settings().MinYear)
	}

	if w = do(t, srv, http.MethodPost, "/api/bots/sales/enabled", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("enabled without value = %d", w.Code)
	}
	w = do(t, srv, http.MethodPost, "/api/bots/sales/enabled", `{"enabled":false}`)
	if w.Code != http.StatusOK || b.Enabled() {
		t.Fatalf("disable = %d, enabled %v", w.Code, b.Enabled())
	}
}

func TestSendOutsideWindowDenied(t *testing.T) {
	night := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	srv, _, _ := newTestServer(t, "", night)

	w := do(t, srv, http.MethodPost, "/api/bots/sales/contacts/5511999990001/send", `{"text":"oi"}`)
	if w.Code != http.StatusTooManyRequests || decode(t, w)["reason"] != "outside_window" {
		t.Fatalf("send = %d %s", w.Code, w.Body.String())
	}
	if w = do(t, srv, http.MethodPost, "/api/bots/sales/contacts/5511999990001/send", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("send without text = %d", w.Code)
	}
}

func TestSendDelivers(t *testing.T) {
	srv, b, ch := newTestServer(t, "", t0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	w := do(t, srv, http.MethodPost, "/api/bots/sales/contacts/5511999990001/send", `{"text":"bom dia"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("send = %d %s", w.Code, w.Body.String())
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.sent) != 1 || ch.sent[0] != "5511999990001: bom dia" {
		t.Fatalf("sent = %q", ch.sent)
	}
}

func TestAgendaAndDeferredRoutes(t *testing.T) {
	srv, _, _ := newTestServer(t, "", t0)
	const h = "/api/bots/sales/contacts/5511999990002"

	w := do(t, srv, http.MethodPost, h+"/agenda", `{"at":"2026-03-20T14:30:00Z","data":{"VEICULO":"Onix"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("agenda = %d %s", w.Code, w.Body.String())
	}
	if es := decode(t, w)["entries"].([]any); len(es) != 3 {
		t.Fatalf("entries = %v", es)
	}
	if !strings.Contains(w.Body.String(), `"HORA":"14:30"`) {
		t.Fatalf("agenda data lacks HORA: %s", w.Body.String())
	}
	w = do(t, srv, http.MethodDelete, h+"/agenda", "")
	if w.Code != http.StatusOK || decode(t, w)["cancelled"].(float64) != 3 {
		t.Fatalf("cancel agenda = %d %s", w.Code, w.Body.String())
	}
	if w = do(t, srv, http.MethodPost, h+"/agenda", `{"at":"2026-03-01T10:00:00Z"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("past agenda = %d", w.Code)
	}
	if w = do(t, srv, http.MethodPost, h+"/agenda", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("agenda without at = %d", w.Code)
	}

	if w = do(t, srv, http.MethodPost, h+"/deferred", `{"at":"2026-03-11T09:00:00Z","text":"oi!"}`); w.Code != http.StatusCreated {
		t.Fatalf("deferred = %d %s", w.Code, w.Body.String())
	}
	w = do(t, srv, http.MethodDelete, h+"/deferred", "")
	if w.Code != http.StatusOK || decode(t, w)["cancelled"] != true {
		t.Fatalf("cancel deferred = %d %s", w.Code, w.Body.String())
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.5:8080":  false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}

func TestStartStop(t *testing.T) {
	srv, _, _ := newTestServer(t, "", t0)
	srv.cfg.Addr = "0.0.0.0:0"
	if err := srv.Start(context.Background()); !errors.Is(err, ErrInsecureAddr) {
		t.Fatalf("public addr without token: %v", err)
	}

	srv.cfg.Addr = "127.0.0.1:0"
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if srv.Addr() != "" {
		t.Fatal("still bound after stop")
	}
}

type schedRegistry struct {
	registry
	sched *scheduler.Service
}

func (r schedRegistry) Scheduler() *scheduler.Service { return r.sched }

func TestSchedulerRouteOnlyWhenExposed(t *testing.T) {
	srv, _, _ := newTestServer(t, "", t0)
	if w := do(t, srv, http.MethodGet, "/api/scheduler", ""); w.Code != http.StatusNotFound {
		t.Fatalf("plain registry: code=%d want 404", w.Code)
	}

	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, logx.Nop())
	if err := sched.AddInterval("sales.tick", time.Hour, time.Second, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	srv = New(Config{}, schedRegistry{registry: registry{}, sched: sched}, logx.Nop())
	w := do(t, srv, http.MethodGet, "/api/scheduler", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	var snap scheduler.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Schedules) != 1 || snap.Schedules[0].Name != "sales.tick" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestPprofMountedBehindToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := New(Config{Token: "secret", Pprof: true}, registry{}, logx.Nop())

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code=%d want 401", w.Code)
	}

	for _, path := range []string{"/debug/pprof/", "/debug/pprof/goroutine?debug=1", "/debug/pprof/cmdline"} {
		if w := do(t, srv, http.MethodGet, path, ""); w.Code != http.StatusOK {
			t.Fatalf("%s: code=%d", path, w.Code)
		}
	}

	off := New(Config{}, registry{}, logx.Nop())
	if w := do(t, off, http.MethodGet, "/debug/pprof/", ""); w.Code != http.StatusNotFound {
		t.Fatalf("pprof off: code=%d want 404", w.Code)
	}
}
