package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/talonscope/internal/auth"
	"github.com/vesaa/talonscope/internal/config"
	"github.com/vesaa/talonscope/internal/ingest"
	"github.com/vesaa/talonscope/internal/live"
	"github.com/vesaa/talonscope/internal/store"
	"github.com/vesaa/talonscope/internal/telemetry"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

const testPassword = "hunter22"

var testHash = func() string {
	h, err := auth.HashPassword(testPassword)
	if err != nil {
		panic(err)
	}
	return h
}()

type fixture struct {
	api     *API
	data    http.Handler
	control http.Handler
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(db) })

	cfg := &config.Config{
		ServerHost:            "0.0.0.0",
		ControlPort:           6677,
		DataPort:              1616,
		RetentionDays:         14,
		HistoryDefaultMinutes: 60,
		HistoryMaxMinutes:     1440,
		HistoryMaxPoints:      100,
		RateLimits: config.RateLimits{
			Enroll:   config.RateLimit{Requests: 100, Window: time.Minute},
			Login:    config.RateLimit{Requests: 3, Window: time.Minute},
			Register: config.RateLimit{Requests: 100, Window: time.Minute},
		},
	}
	accounts := []auth.Account{
		{Username: "ops", Email: "ops@lab.example", PasswordHash: testHash},
		{Username: "guest", Email: "guest@elsewhere.example", PasswordHash: testHash},
		{Username: "old", Email: "old@lab.example", PasswordHash: testHash, Disabled: true},
	}
	authSvc := auth.NewService(accounts, nil, []string{"lab.example"})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := store.NewRegistry(db)
	snaps := store.NewSnapshotStore(db)
	notes := store.NewNotifications(db, 10*time.Minute)
	metrics := telemetry.New(telemetry.StoreInventory{Registry: registry, Snapshots: snaps})
	hub := live.NewHub(logger)
	gw := ingest.NewGateway(registry, snaps, ingest.Options{
		RetentionDays: cfg.RetentionDays,
		Authorizer:    authSvc,
		Notifications: notes,
		Observers:     []ingest.Observer{metrics, hub},
		Logger:        logger,
	})

	api := New(Options{
		Config:        cfg,
		DB:            db,
		Registry:      registry,
		Snapshots:     snaps,
		Notifications: notes,
		Gateway:       gw,
		Auth:          authSvc,
		JWT:           NewJWT("test-secret", time.Hour),
		Metrics:       metrics,
		Hub:           hub,
		Logger:        logger,
	})
	return &fixture{api: api, data: api.DataHandler(), control: api.ControlHandler(), cfg: cfg}
}

func call(t *testing.T, h http.Handler, method, path string, body any, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return w, out
}

func ingestHeader(token string) http.Header {
	return http.Header{"X-Monitoring-Token": {token}}
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	w, out := call(t, f.control, http.MethodPost, "/api/auth/login",
		map[string]string{"username": "ops", "password": testPassword}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login: got %d, want 200 (%s)", w.Code, w.Body.String())
	}
	return out["token"].(string)
}

func (f *fixture) register(t *testing.T, name string) (slug, token string) {
	t.Helper()
	srv, token, err := f.api.Registry.Register(context.Background(), store.RegisterParams{Name: name})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return srv.Slug, token
}

func sample(collectedAt time.Time, cpu float64) map[string]any {
	return map[string]any{
		"sample": map[string]any{
			"collected_at":      collectedAt.UTC().Format(time.RFC3339),
			"cpu_usage_percent": cpu,
			"memory_percent":    40,
			"disks": []map[string]any{
				{"device": "sda", "read_bytes_total": 1000, "write_bytes_total": 2000},
			},
		},
		"agent": map[string]any{"hostname": "gpu-box", "version": "1.2.0"},
	}
}

func errMsg(out map[string]any) string {
	s, _ := out["error"].(string)
	return s
}

// ── Data plane ───────────────────────────────────────────────────────────────

func TestIngest_StoresSnapshot(t *testing.T) {
	f := newFixture(t)
	slug, token := f.register(t, "Web 1")

	w, out := call(t, f.data, http.MethodPost, "/api/ingest/servers/"+slug+"/metrics/",
		sample(time.Now(), 97), ingestHeader(token))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%s)", w.Code, w.Body.String())
	}
	snap := out["snapshot"].(map[string]any)
	if got, want := snap["bottleneck"], "cpu-bound"; got != want {
		t.Errorf("bottleneck: got %v, want %v", got, want)
	}
	if got, want := snap["cpu_usage_percent"], 97.0; got != want {
		t.Errorf("cpu_usage_percent: got %v, want %v", got, want)
	}
	if _, ok := snap["top_gpu_util_percent"]; !ok {
		t.Error("top_gpu_util_percent missing from response")
	}

	srv, err := f.api.Registry.GetBySlug(context.Background(), slug)
	if err != nil {
		t.Fatalf("GetBySlug: %v", err)
	}
	if srv.LastSeenAt == nil || srv.LastAgentVersion != "1.2.0" {
		t.Errorf("heartbeat not recorded: last_seen=%v version=%q", srv.LastSeenAt, srv.LastAgentVersion)
	}
}

func TestIngest_AcceptsBearerWithoutTrailingSlash(t *testing.T) {
	f := newFixture(t)
	slug, token := f.register(t, "Web 1")

	w, _ := call(t, f.data, http.MethodPost, "/api/ingest/servers/"+slug+"/metrics",
		sample(time.Now(), 10), bearer(token))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%s)", w.Code, w.Body.String())
	}
}

func TestIngest_Rejections(t *testing.T) {
	f := newFixture(t)
	slug, token := f.register(t, "Web 1")
	offSlug, offToken := f.register(t, "Web 2")
	if _, err := f.api.Registry.SetActive(context.Background(), offSlug, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	tests := []struct {
		name   string
		slug   string
		header http.Header
		body   any
		status int
		msg    string
	}{
		{"unknown slug", "nope", ingestHeader(token), sample(time.Now(), 1), http.StatusNotFound, "Unknown server."},
		{"disabled wins over bad token", offSlug, ingestHeader("wrong"), sample(time.Now(), 1), http.StatusForbidden, "Server is disabled."},
		{"disabled with good token", offSlug, ingestHeader(offToken), sample(time.Now(), 1), http.StatusForbidden, "Server is disabled."},
		{"missing token", slug, nil, sample(time.Now(), 1), http.StatusUnauthorized, "Invalid ingest token."},
		{"wrong token", slug, ingestHeader("wrong"), sample(time.Now(), 1), http.StatusUnauthorized, "Invalid ingest token."},
		{"malformed json", slug, ingestHeader(token), "{not json", http.StatusBadRequest, "Invalid JSON payload."},
		{"non-object", slug, ingestHeader(token), "[1,2,3]", http.StatusBadRequest, "Payload must be a JSON object."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, out := call(t, f.data, http.MethodPost, "/api/ingest/servers/"+tt.slug+"/metrics/", tt.body, tt.header)
			if w.Code != tt.status {
				t.Fatalf("status: got %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if got := errMsg(out); got != tt.msg {
				t.Errorf("error: got %q, want %q", got, tt.msg)
			}
			if out["ok"] != false {
				t.Errorf("ok: got %v, want false", out["ok"])
			}
		})
	}

	n, err := f.api.Snapshots.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("snapshots stored after rejections: got %d, want 0", n)
	}
}

func enrollBody(user, machineID string) map[string]string {
	return map[string]string{
		"username":      user,
		"password":      testPassword,
		"machine_id":    machineID,
		"hostname":      "trainer-01",
		"platform":      "linux",
		"agent_version": "1.2.0",
	}
}

func TestEnroll_ThenIngest(t *testing.T) {
	f := newFixture(t)

	w, out := call(t, f.data, http.MethodPost, "/api/agent/enroll/", enrollBody("ops", "abc-123"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("enroll: got %d, want 200 (%s)", w.Code, w.Body.String())
	}
	slug := out["server_slug"].(string)
	token := out["ingest_token"].(string)
	if slug != "trainer-01" {
		t.Errorf("server_slug: got %q, want %q", slug, "trainer-01")
	}
	server := out["server"].(map[string]any)
	if got := server["agent_user"]; got != "ops" {
		t.Errorf("agent_user: got %v, want ops", got)
	}

	w, _ = call(t, f.data, http.MethodPost, "/api/ingest/servers/"+slug+"/metrics/", sample(time.Now(), 5), ingestHeader(token))
	if w.Code != http.StatusOK {
		t.Fatalf("ingest with enrolled token: got %d, want 200 (%s)", w.Code, w.Body.String())
	}

	// Re-enrolling the same machine reuses the server and retires the old token.
	w, out = call(t, f.data, http.MethodPost, "/api/agent/enroll", enrollBody("ops", "abc-123"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("re-enroll: got %d, want 200", w.Code)
	}
	if got := out["server_slug"]; got != slug {
		t.Errorf("re-enroll slug: got %v, want %v", got, slug)
	}
	w, _ = call(t, f.data, http.MethodPost, "/api/ingest/servers/"+slug+"/metrics/", sample(time.Now(), 5), ingestHeader(token))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("old token after re-enroll: got %d, want 401", w.Code)
	}
}

func TestEnroll_Rejections(t *testing.T) {
	f := newFixture(t)

	badPassword := enrollBody("ops", "abc-123")
	badPassword["password"] = "nope"
	noMachine := enrollBody("ops", "")
	badMachine := enrollBody("ops", "has spaces")

	tests := []struct {
		name   string
		body   any
		status int
		msg    string
	}{
		{"malformed", "{", http.StatusBadRequest, "Invalid JSON payload."},
		{"missing machine id", noMachine, http.StatusBadRequest, "machine_id is required."},
		{"bad machine id", badMachine, http.StatusBadRequest, "Invalid machine_id format."},
		{"bad password", badPassword, http.StatusUnauthorized, "Invalid credentials."},
		{"unknown user", enrollBody("nobody", "abc-123"), http.StatusUnauthorized, "Invalid credentials."},
		{"disabled account", enrollBody("old", "abc-123"), http.StatusForbidden, "Account is disabled."},
		{"not allowlisted", enrollBody("guest", "abc-123"), http.StatusForbidden, "Account not in allowlist."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, out := call(t, f.data, http.MethodPost, "/api/agent/enroll/", tt.body, nil)
			if w.Code != tt.status {
				t.Fatalf("status: got %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if got := errMsg(out); got != tt.msg {
				t.Errorf("error: got %q, want %q", got, tt.msg)
			}
		})
	}

	list, err := f.api.Registry.List(context.Background(), false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("servers after rejected enrollments: got %d, want 0", len(list))
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	for name, h := range map[string]http.Handler{"data": f.data, "control": f.control} {
		w, out := call(t, h, http.MethodGet, "/healthz", nil, nil)
		if w.Code != http.StatusOK || out["ok"] != true {
			t.Errorf("%s /healthz: got %d %v", name, w.Code, out)
		}
	}
}

// ── Control plane ────────────────────────────────────────────────────────────

func TestControl_RequiresJWT(t *testing.T) {
	f := newFixture(t)

	w, out := call(t, f.control, http.MethodGet, "/api/servers", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d, want 401", w.Code)
	}
	if got, want := errMsg(out), "missing Authorization header"; got != want {
		t.Errorf("error: got %q, want %q", got, want)
	}

	w, _ = call(t, f.control, http.MethodGet, "/api/servers", nil, bearer("garbage"))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: got %d, want 401", w.Code)
	}

	other := NewJWT("other-secret", time.Hour)
	forged, _, err := other.Generate("ops", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	w, _ = call(t, f.control, http.MethodGet, "/api/servers", nil, bearer(forged))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("foreign signature: got %d, want 401", w.Code)
	}

	w, _ = call(t, f.control, http.MethodGet, "/api/servers", nil, bearer(f.login(t)))
	if w.Code != http.StatusOK {
		t.Errorf("valid token: got %d, want 200", w.Code)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		body   any
		status int
		msg    string
	}{
		{"missing fields", map[string]string{"username": "ops"}, http.StatusBadRequest, "Username and password are required."},
		{"wrong password", map[string]string{"username": "ops", "password": "x"}, http.StatusUnauthorized, "Invalid username or password."},
		{"disabled", map[string]string{"username": "old", "password": testPassword}, http.StatusForbidden, "This account is disabled."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, out := call(t, f.control, http.MethodPost, "/api/auth/login", tt.body, nil)
			if w.Code != tt.status {
				t.Fatalf("status: got %d, want %d", w.Code, tt.status)
			}
			if got := errMsg(out); got != tt.msg {
				t.Errorf("error: got %q, want %q", got, tt.msg)
			}
		})
	}
}

func TestLogin_RateLimited(t *testing.T) {
	f := newFixture(t)
	body := map[string]string{"username": "ops", "password": "wrong"}
	for i := 0; i < f.cfg.RateLimits.Login.Requests; i++ {
		if w, _ := call(t, f.control, http.MethodPost, "/api/auth/login", body, nil); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: got %d, want 401", i+1, w.Code)
		}
	}
	w, out := call(t, f.control, http.MethodPost, "/api/auth/login", body, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit: got %d, want 429", w.Code)
	}
	if got, want := errMsg(out), "Too many requests. Please try again later."; got != want {
		t.Errorf("error: got %q, want %q", got, want)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestRegisterAndManage(t *testing.T) {
	f := newFixture(t)
	hdr := bearer(f.login(t))

	w, out := call(t, f.control, http.MethodPost, "/api/servers", map[string]any{"name": "GPU Box #2"}, hdr)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: got %d, want 201 (%s)", w.Code, w.Body.String())
	}
	token := out["ingest_token"].(string)
	cmd := out["agent_command"].(string)
	if want := "--slug gpu-box-2 --token " + token; !strings.Contains(cmd, want) {
		t.Errorf("agent_command %q does not contain %q", cmd, want)
	}
	if want := "http://example.com:1616"; !strings.Contains(cmd, want) {
		t.Errorf("agent_command %q does not contain %q", cmd, want)
	}

	w, out = call(t, f.control, http.MethodPost, "/api/servers", map[string]any{"name": "gpu box 2"}, hdr)
	if w.Code != http.StatusConflict || errMsg(out) != "Slug already exists. Choose another." {
		t.Errorf("duplicate: got %d %q", w.Code, errMsg(out))
	}
	w, out = call(t, f.control, http.MethodPost, "/api/servers", map[string]any{"name": " "}, hdr)
	if w.Code != http.StatusBadRequest || errMsg(out) != "Name is required." {
		t.Errorf("blank name: got %d %q", w.Code, errMsg(out))
	}
	w, out = call(t, f.control, http.MethodPost, "/api/servers", map[string]any{"name": "!!!"}, hdr)
	if w.Code != http.StatusBadRequest || errMsg(out) != "Slug could not be derived from name." {
		t.Errorf("unsluggable name: got %d %q", w.Code, errMsg(out))
	}

	w, out = call(t, f.control, http.MethodPost, "/api/servers/gpu-box-2/rotate", nil, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("rotate: got %d, want 200", w.Code)
	}
	rotated := out["ingest_token"].(string)
	if w, _ := call(t, f.data, http.MethodPost, "/api/ingest/servers/gpu-box-2/metrics/", sample(time.Now(), 1), ingestHeader(token)); w.Code != http.StatusUnauthorized {
		t.Errorf("old token after rotate: got %d, want 401", w.Code)
	}
	if w, _ := call(t, f.data, http.MethodPost, "/api/ingest/servers/gpu-box-2/metrics/", sample(time.Now(), 1), ingestHeader(rotated)); w.Code != http.StatusOK {
		t.Errorf("new token after rotate: got %d, want 200", w.Code)
	}

	w, out = call(t, f.control, http.MethodPost, "/api/servers/gpu-box-2/disable", nil, hdr)
	if w.Code != http.StatusOK || out["server"].(map[string]any)["is_active"] != false {
		t.Errorf("disable: got %d %v", w.Code, out)
	}
	w, out = call(t, f.control, http.MethodGet, "/api/servers?active=1", nil, hdr)
	if got := len(out["servers"].([]any)); w.Code != http.StatusOK || got != 0 {
		t.Errorf("active list after disable: got %d servers", got)
	}
	w, out = call(t, f.control, http.MethodGet, "/api/servers", nil, hdr)
	servers := out["servers"].([]any)
	if len(servers) != 1 {
		t.Fatalf("full list: got %d servers, want 1", len(servers))
	}
	if got := servers[0].(map[string]any)["snapshot_count"]; got != 1.0 {
		t.Errorf("snapshot_count: got %v, want 1", got)
	}

	w, _ = call(t, f.control, http.MethodDelete, "/api/servers/gpu-box-2", nil, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: got %d, want 200", w.Code)
	}
	w, _ = call(t, f.control, http.MethodDelete, "/api/servers/gpu-box-2", nil, hdr)
	if w.Code != http.StatusNotFound {
		t.Errorf("delete again: got %d, want 404", w.Code)
	}
}

func TestLatestAndHistory(t *testing.T) {
	f := newFixture(t)
	hdr := bearer(f.login(t))
	slug, token := f.register(t, "Web 1")

	w, out := call(t, f.control, http.MethodGet, "/api/servers/"+slug+"/latest", nil, hdr)
	if w.Code != http.StatusNotFound || errMsg(out) != "No snapshots collected yet." {
		t.Errorf("latest before ingest: got %d %q", w.Code, errMsg(out))
	}

	now := time.Now().UTC()
	for i := 90; i >= 0; i -= 10 {
		at := now.Add(-time.Duration(i) * time.Minute)
		if w, _ := call(t, f.data, http.MethodPost, "/api/ingest/servers/"+slug+"/metrics/", sample(at, float64(i)), ingestHeader(token)); w.Code != http.StatusOK {
			t.Fatalf("ingest at -%dm: got %d", i, w.Code)
		}
	}

	w, out = call(t, f.control, http.MethodGet, "/api/servers/"+slug+"/latest", nil, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("latest: got %d, want 200", w.Code)
	}
	snap := out["snapshot"].(map[string]any)
	if got := snap["cpu_usage_percent"]; got != 0.0 {
		t.Errorf("latest cpu: got %v, want 0", got)
	}
	if disks := snap["disks"].([]any); len(disks) != 1 {
		t.Errorf("latest disks: got %d, want 1", len(disks))
	}

	tests := []struct {
		query   string
		minutes float64
		points  int
	}{
		{"", 60, 6},
		{"?minutes=25", 25, 3},
		{"?minutes=abc", 60, 6},
		{"?minutes=0", 1, 1},
		{"?minutes=999999", 1440, 10},
	}
	for _, tt := range tests {
		w, out := call(t, f.control, http.MethodGet, "/api/servers/"+slug+"/history"+tt.query, nil, hdr)
		if w.Code != http.StatusOK {
			t.Fatalf("history%s: got %d", tt.query, w.Code)
		}
		if got := out["minutes"]; got != tt.minutes {
			t.Errorf("history%s minutes: got %v, want %v", tt.query, got, tt.minutes)
		}
		if got := len(out["points"].([]any)); got != tt.points {
			t.Errorf("history%s points: got %d, want %d", tt.query, got, tt.points)
		}
	}

	w, _ = call(t, f.control, http.MethodGet, "/api/servers/missing/history", nil, hdr)
	if w.Code != http.StatusNotFound {
		t.Errorf("history of unknown server: got %d, want 404", w.Code)
	}
}

func TestNotifications(t *testing.T) {
	f := newFixture(t)
	hdr := bearer(f.login(t))
	slug, token := f.register(t, "Web 1")

	// cpu 97 raises a cpu-bound notification; the second is inside the cooldown.
	for i := 0; i < 2; i++ {
		if w, _ := call(t, f.data, http.MethodPost, "/api/ingest/servers/"+slug+"/metrics/", sample(time.Now(), 97), ingestHeader(token)); w.Code != http.StatusOK {
			t.Fatalf("ingest: got %d", w.Code)
		}
	}

	w, out := call(t, f.control, http.MethodGet, "/api/notifications?unread=1", nil, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("list: got %d", w.Code)
	}
	notes := out["notifications"].([]any)
	if len(notes) != 1 {
		t.Fatalf("unread notifications: got %d, want 1", len(notes))
	}
	note := notes[0].(map[string]any)
	if got, want := note["title"], "Cpu Bound on Web 1"; got != want {
		t.Errorf("title: got %v, want %v", got, want)
	}

	w, out = call(t, f.control, http.MethodPost, "/api/notifications/read", `{"ids":"7"}`, hdr)
	if w.Code != http.StatusBadRequest || errMsg(out) != "ids must be a list." {
		t.Errorf("bad ids: got %d %q", w.Code, errMsg(out))
	}
	w, out = call(t, f.control, http.MethodPost, "/api/notifications/read", map[string]any{"all": true}, hdr)
	if w.Code != http.StatusOK || out["updated"] != 1.0 {
		t.Errorf("mark all read: got %d %v", w.Code, out)
	}
	_, out = call(t, f.control, http.MethodGet, "/api/notifications?unread=1", nil, hdr)
	if got := len(out["notifications"].([]any)); got != 0 {
		t.Errorf("unread after mark read: got %d, want 0", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	slug, token := f.register(t, "Web 1")
	call(t, f.data, http.MethodPost, "/api/ingest/servers/"+slug+"/metrics/", sample(time.Now(), 97), ingestHeader(token))
	call(t, f.data, http.MethodPost, "/api/ingest/servers/"+slug+"/metrics/", sample(time.Now(), 97), ingestHeader("bad"))

	w, _ := call(t, f.control, http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics: got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`talonscope_ingest_total{result="ok"} 1`,
		`talonscope_ingest_total{result="unauthorized"} 1`,
		`talonscope_snapshots_by_bottleneck_total{bottleneck="cpu-bound"} 1`,
		`talonscope_servers 1`,
		`talonscope_http_requests_total{plane="data",route="/api/ingest/servers/:slug/metrics/",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}

func TestStream_AcceptsQueryToken(t *testing.T) {
	f := newFixture(t)

	w, _ := call(t, f.control, http.MethodGet, "/api/metrics/stream", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("stream without token: got %d, want 401", w.Code)
	}

	// A plain GET with a valid token passes auth and fails the websocket
	// handshake instead.
	w, _ = call(t, f.control, http.MethodGet, "/api/metrics/stream?access_token="+f.login(t), nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("stream with query token: got %d, want 400", w.Code)
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func TestHistoryMinutes(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 60},
		{"15", 15},
		{" 30 ", 30},
		{"-5", 1},
		{"0", 1},
		{"5000", 1440},
		{"1.5", 60},
	}
	for _, tt := range tests {
		if got := historyMinutes(tt.raw, 60, 1440); got != tt.want {
			t.Errorf("historyMinutes(%q): got %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestWindowLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newWindowLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.allow("10.0.0.1"); !ok {
			t.Fatalf("hit %d denied", i+1)
		}
	}
	ok, wait := l.allow("10.0.0.1")
	if ok || wait != time.Minute {
		t.Errorf("third hit: got ok=%v wait=%v, want denied with 1m", ok, wait)
	}
	if ok, _ := l.allow("10.0.0.2"); !ok {
		t.Error("other address denied")
	}

	now = now.Add(61 * time.Second)
	if ok, _ := l.allow("10.0.0.1"); !ok {
		t.Error("hit after window reset denied")
	}
}

func TestSourceIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got, want := sourceIP(r, false), "192.0.2.10"; got != want {
		t.Errorf("untrusted proxy: got %q, want %q", got, want)
	}
	if got, want := sourceIP(r, true), "203.0.113.7"; got != want {
		t.Errorf("trusted proxy: got %q, want %q", got, want)
	}
}

func TestJWT_Expiry(t *testing.T) {
	j := NewJWT("s3cret", time.Minute)
	issued := time.Now()
	j.now = func() time.Time { return issued }
	token, exp, err := j.Generate("ops", "ops@lab.example")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !exp.Equal(issued.Add(time.Minute)) {
		t.Errorf("expiry: got %v, want %v", exp, issued.Add(time.Minute))
	}
	claims, err := j.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Username != "ops" {
		t.Errorf("username: got %q, want ops", claims.Username)
	}

	j.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := j.Parse(token); err == nil {
		t.Error("expired token accepted")
	}
}
