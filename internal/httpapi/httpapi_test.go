package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/intake"
	"github.com/SirClappington/dmq/internal/jobs"
	"github.com/SirClappington/dmq/internal/jobs/jobstest"
	"github.com/SirClappington/dmq/internal/vault"
)

const (
	secret = "app-secret"
	admin  = "admin-token"
)

var body = []byte(`{"object":"instagram","entry":[{"id":"page","messaging":[{"sender":{"id":"user-1"},"recipient":{"id":"page"},"message":{"mid":"mid.1","text":"hello"}}]}]}`)

type fixture struct {
	srv   *httptest.Server
	store *jobstest.MemoryStore
}

func newFixture(t *testing.T, checks ...Check) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := jobstest.NewMemoryStore()
	q := jobs.NewQueue(store, nil, domain.TenantIDs{}, 3, nil)
	gate := intake.NewGate(secret, domain.TenantIDs{}, intake.NewDedupStore(rdb, time.Hour), q, nil, nil)
	srv := httptest.NewServer(NewRouter(Config{
		Intake:       gate,
		Jobs:         q,
		VerifyToken:  "verify-me",
		AdminToken:   admin,
		MaxBodyBytes: 4096,
		Metrics:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("# metrics")) }),
		Checks:       checks,
	}))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store}
}

func (f *fixture) post(t *testing.T, path string, b []byte, sig string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(b))
	if sig != "" {
		req.Header.Set(intake.SignatureHeader, sig)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type errorBody struct {
	Error struct {
		Category string `json:"category"`
		Code     int    `json:"code"`
		TextCode string `json:"text_code"`
	} `json:"error"`
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestWebhook_Accepts(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/webhooks/instagram/t1", body, intake.Sign(body, secret))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	res := decode[intake.Result](t, resp)
	if res.Accepted != 1 || res.Events[0].JobID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	again := decode[intake.Result](t, f.post(t, "/webhooks/instagram/t1", body, intake.Sign(body, secret)))
	if again.Accepted != 0 || !again.Events[0].Duplicate || again.Events[0].JobID != res.Events[0].JobID {
		t.Fatalf("redelivery should be a duplicate of the first: %+v", again)
	}
	if n := len(f.store.Jobs()); n != 1 {
		t.Fatalf("%d jobs, want 1", n)
	}
}

func TestWebhook_Rejections(t *testing.T) {
	f := newFixture(t)
	bad := []byte(`{"object":`)
	tests := []struct {
		name     string
		path     string
		body     []byte
		sig      string
		status   int
		textCode string
	}{
		{"bad signature", "/webhooks/instagram/t1", body, intake.Sign(body, "wrong"), http.StatusUnauthorized, "SIGNATURE_INVALID"},
		{"no signature", "/webhooks/instagram/t1", body, "", http.StatusUnauthorized, "SIGNATURE_INVALID"},
		{"malformed tenant", "/webhooks/instagram/t%201", body, intake.Sign(body, secret), http.StatusBadRequest, "TENANT_MALFORMED"},
		{"malformed json", "/webhooks/instagram/t1", bad, intake.Sign(bad, secret), http.StatusBadRequest, "PAYLOAD_MALFORMED"},
		{"too large", "/webhooks/instagram/t1", bytes.Repeat([]byte("x"), 5000), "sha256=00", http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, tt.path, tt.body, tt.sig)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			eb := decode[errorBody](t, resp)
			if eb.Error.TextCode != tt.textCode || eb.Error.Code != tt.status {
				t.Fatalf("unexpected envelope %+v", eb)
			}
		})
	}
	if n := len(f.store.Jobs()); n != 0 {
		t.Fatalf("%d jobs enqueued from rejected requests", n)
	}
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/webhooks/instagram/t1?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", "")
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || buf.String() != "12345" {
		t.Fatalf("handshake = %d %q", resp.StatusCode, buf.String())
	}
	resp = f.get(t, "/webhooks/instagram/t1?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad verify token status = %d", resp.StatusCode)
	}
}

func TestGetJob(t *testing.T) {
	f := newFixture(t)
	res := decode[intake.Result](t, f.post(t, "/webhooks/instagram/t1", body, intake.Sign(body, secret)))
	id := res.Events[0].JobID

	if resp := f.get(t, "/v1/jobs/"+id, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}
	if resp := f.get(t, "/v1/jobs/"+id, "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", resp.StatusCode)
	}

	resp := f.get(t, "/v1/jobs/"+id, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	j := decode[map[string]any](t, resp)
	if j["id"] != id || j["status"] != string(domain.Pending) || j["type"] != string(domain.AIResponse) {
		t.Fatalf("unexpected job %v", j)
	}
	if _, leaked := j["LeaseToken"]; leaked {
		t.Fatal("lease token exposed")
	}

	if resp := f.get(t, "/v1/jobs/"+uuid.NewString(), admin); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job status = %d", resp.StatusCode)
	}
	if resp := f.get(t, "/v1/jobs/not-a-uuid", admin); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("malformed id status = %d", resp.StatusCode)
	}
}

func TestDeadLetters(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/v1/dead-letters?limit=10", admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out := decode[map[string][]domain.DeadLetter](t, resp)
	if list, ok := out["dead_letters"]; !ok || len(list) != 0 {
		t.Fatalf("unexpected body %v", out)
	}
	if resp := f.get(t, "/v1/dead-letters?limit=zero", admin); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid limit status = %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ok := newFixture(t, Check{Name: "redis", Probe: func(context.Context) error { return nil }})
	if resp := ok.get(t, "/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthy status = %d", resp.StatusCode)
	}
	resp := ok.get(t, "/metrics", "")
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "# metrics") {
		t.Fatalf("metrics handler not mounted: %q", buf.String())
	}

	down := newFixture(t, Check{Name: "postgres", Probe: func(context.Context) error { return errors.New("refused") }})
	resp = down.get(t, "/healthz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d", resp.StatusCode)
	}
	if got := decode[map[string]any](t, resp)["checks"].(map[string]any)["postgres"]; got != "down" {
		t.Fatalf("check result = %v", got)
	}
}

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{domain.Validation("x", "tenant_missing"), http.StatusBadRequest},
		{domain.Validation("x", "signature_invalid"), http.StatusUnauthorized},
		{domain.RateLimited("x", time.Second), http.StatusTooManyRequests},
		{domain.Transient("x", "store_unavailable", errors.New("down")), http.StatusServiceUnavailable},
		{domain.Permanent("x", "boom", nil), http.StatusInternalServerError},
		{domain.ErrNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		if got := toHTTPError(tt.err).Code; got != tt.code {
			t.Errorf("toHTTPError(%v).Code = %d, want %d", tt.err, got, tt.code)
		}
	}
}

type creds struct {
	stored  map[string]string
	rotated string
}

func (c *creds) StoreToken(_ context.Context, tenantID, plat, token string, _ vault.Metadata) error {
	if token == "" {
		return domain.Validation("vault.store", "token_missing")
	}
	c.stored[tenantID+"/"+plat] = token
	return nil
}

func (c *creds) IsValid(_ context.Context, tenantID, plat string) (bool, error) {
	_, ok := c.stored[tenantID+"/"+plat]
	return ok, nil
}

func (c *creds) Rotate(_ context.Context, tenantID string) (int64, error) {
	c.rotated = tenantID
	return int64(len(c.stored)), nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+admin)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCredentials(t *testing.T) {
	c := &creds{stored: map[string]string{}}
	h := NewRouter(Config{Jobs: jobs.NewQueue(jobstest.NewMemoryStore(), nil, domain.TenantIDs{}, 3, nil), Credentials: c, AdminToken: admin})

	if rec := do(t, h, http.MethodPut, "/v1/tenants/t1/credentials/instagram", `{"token":"tok","identifier":"178"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("put status = %d %s", rec.Code, rec.Body)
	}
	if c.stored["t1/instagram"] != "tok" {
		t.Fatal("token not stored")
	}
	if rec := do(t, h, http.MethodPut, "/v1/tenants/t1/credentials/instagram", `{"token":""}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty token status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/v1/tenants/t1/credentials/instagram", `{"tok":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/v1/tenants/t1/credentials/instagram", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"valid":true`) {
		t.Fatalf("get = %d %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "tok") {
		t.Fatal("token echoed back")
	}

	rec = do(t, h, http.MethodPost, "/v1/tenants/t1/credentials/rotate", "")
	if rec.Code != http.StatusOK || c.rotated != "t1" || !strings.Contains(rec.Body.String(), `"cleared":1`) {
		t.Fatalf("rotate = %d %s", rec.Code, rec.Body)
	}
}

type brokenJobs struct{}

func (brokenJobs) Get(context.Context, string) (*domain.Job, error) { return nil, errors.New("db down") }

func (brokenJobs) DeadLetters(context.Context, int) ([]domain.DeadLetter, error) {
	return nil, errors.New("db down")
}

type mirror []domain.DeadLetter

func (m mirror) RecentDeadLetters(context.Context, int64) ([]domain.DeadLetter, error) { return m, nil }

func TestDeadLetters_FallsBackToMirror(t *testing.T) {
	h := NewRouter(Config{Jobs: brokenJobs{}, AdminToken: admin})
	if rec := do(t, h, http.MethodGet, "/v1/dead-letters", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status without mirror = %d", rec.Code)
	}

	h = NewRouter(Config{Jobs: brokenJobs{}, Mirror: mirror{{JobID: "j1", Reason: "timeout"}}, AdminToken: admin})
	rec := do(t, h, http.MethodGet, "/v1/dead-letters", "")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Dead-Letter-Source") != "mirror" || !strings.Contains(rec.Body.String(), `"j1"`) {
		t.Fatalf("mirror fallback = %d %s", rec.Code, rec.Body)
	}

	if rec := do(t, h, http.MethodGet, "/v1/jobs/"+uuid.NewString(), ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("store failure status = %d", rec.Code)
	}
}
