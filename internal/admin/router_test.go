package admin

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ferro-labs/cache-proxy/internal/cache"
	"github.com/ferro-labs/cache-proxy/internal/metrics"
	"github.com/ferro-labs/cache-proxy/internal/requestlog"
)

func newTestServer(t *testing.T, token string) (*httptest.Server, *metrics.Recorder) {
	t.Helper()
	rec := metrics.NewRecorder()
	logs := requestlog.NewMemory(10)
	h := &Handlers{
		Stats:    rec,
		Cache:    cache.NewMemory(4),
		State:    func() string { return "running" },
		Logs:     logs,
		LogAdmin: logs,
	}
	router, err := NewRouter(h, RouterOptions{
		Token:      token,
		Gatherer:   rec.Registry(),
		Version:    "test",
		OriginAddr: "localhost:8010",
		ListenAddr: ":9000",
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, rec
}

func get(t *testing.T, url, token string) (int, string, http.Header) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), resp.Header
}

func TestRouter_Health(t *testing.T) {
	srv, _ := newTestServer(t, "")
	code, body, hdr := get(t, srv.URL+"/health", "")
	if code != http.StatusOK || body != "OK" {
		t.Fatalf("health = %d %q", code, body)
	}
	if hdr.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestRouter_Metrics(t *testing.T) {
	srv, rec := newTestServer(t, "")
	rec.IncrementTotal()
	rec.IncrementHit()

	code, body, _ := get(t, srv.URL+"/metrics", "")
	if code != http.StatusOK {
		t.Fatalf("metrics status = %d", code)
	}
	for _, want := range []string{"cacheproxy_requests_total 1", "cacheproxy_cache_hits_total 1"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRouter_Dashboard(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")
	code, body, hdr := get(t, srv.URL+"/", "")
	if code != http.StatusOK {
		t.Fatalf("dashboard status = %d", code)
	}
	if !strings.HasPrefix(hdr.Get("Content-Type"), "text/html") {
		t.Errorf("content type = %q", hdr.Get("Content-Type"))
	}
	for _, want := range []string{"localhost:8010", "Reset metrics", "Clear logs", `id="token"`} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}
}

func TestRouter_AdminRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	if code, _, _ := get(t, srv.URL+"/admin/stats", ""); code != http.StatusUnauthorized {
		t.Fatalf("without token: %d, want 401", code)
	}
	code, body, _ := get(t, srv.URL+"/admin/stats", "s3cret")
	if code != http.StatusOK {
		t.Fatalf("with token: %d", code)
	}
	if !strings.Contains(body, `"state":"running"`) {
		t.Errorf("unexpected stats body %s", body)
	}
	// Health and metrics stay open.
	if code, _, _ := get(t, srv.URL+"/health", ""); code != http.StatusOK {
		t.Errorf("health with token configured: %d", code)
	}
}
