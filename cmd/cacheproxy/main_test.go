package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	cacheproxy "github.com/ferro-labs/cache-proxy"
	"github.com/ferro-labs/cache-proxy/internal/demo"
	"github.com/ferro-labs/cache-proxy/internal/metrics"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "cacheproxy dev") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestValidateCommand(t *testing.T) {
	path := writeTempFile(t, "proxy.yaml", `
listen:
  port: 9100
origin:
  host: origin.internal
  port: 8080
cache:
  capacity: 42
circuit_breaker:
  enabled: true
  failure_threshold: 3
admin:
  addr: "-"
`)
	out, err := execute(t, "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"Config is valid", "origin.internal:8080", "42 entries", "after 3 failures", "Admin:    disabled"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestValidateCommand_Invalid(t *testing.T) {
	path := writeTempFile(t, "proxy.json", `{"cache": {"capacity": -1}}`)
	if _, err := execute(t, "validate", path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateCommand_RequiresArgument(t *testing.T) {
	if _, err := execute(t, "validate"); err == nil {
		t.Fatal("expected argument error")
	}
}

func TestResolveConfig_FlagOverrides(t *testing.T) {
	path := writeTempFile(t, "proxy.json", `{"origin": {"host": "from-file", "port": 7000}, "cache": {"capacity": 5}}`)
	t.Setenv(envAdminToken, "env-token")

	cmd := newServeCmd()
	if err := cmd.ParseFlags([]string{"--config", path, "--port", "0", "--capacity", "9", "--admin-addr", "-"}); err != nil {
		t.Fatalf("parsing flags: %v", err)
	}
	cfg, err := resolveConfig(cmd.Flags())
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.Listen.Port != 0 {
		t.Errorf("listen port = %d, want 0", cfg.Listen.Port)
	}
	if cfg.Origin.Host != "from-file" || cfg.Origin.Port != 7000 {
		t.Errorf("origin = %s:%d, want file values", cfg.Origin.Host, cfg.Origin.Port)
	}
	if cfg.Cache.Capacity != 9 {
		t.Errorf("capacity = %d, want flag value 9", cfg.Cache.Capacity)
	}
	if cfg.AdminEnabled() {
		t.Error("admin should be disabled")
	}
	if cfg.Admin.Token != "env-token" {
		t.Errorf("token = %q, want env value", cfg.Admin.Token)
	}
}

func TestResolveConfig_InvalidOverride(t *testing.T) {
	cmd := newServeCmd()
	if err := cmd.ParseFlags([]string{"--workers", "0"}); err != nil {
		t.Fatalf("parsing flags: %v", err)
	}
	if _, err := resolveConfig(cmd.Flags()); err == nil {
		t.Fatal("expected invalid config error")
	}
}

func roundTrip(t *testing.T, addr, raw string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(resp)
}

func TestServer_EndToEnd(t *testing.T) {
	origin := demo.NewOrigin("127.0.0.1:0", 2)
	if err := origin.Start(); err != nil {
		t.Fatalf("origin: %v", err)
	}
	t.Cleanup(func() { _ = origin.Stop() })
	host, port, _ := net.SplitHostPort(origin.Addr().String())
	originPort, _ := strconv.Atoi(port)

	cfg := cacheproxy.DefaultConfig()
	cfg.Listen.Host = "127.0.0.1"
	cfg.Listen.Port = 0
	cfg.Origin.Host = host
	cfg.Origin.Port = originPort
	cfg.Admin.Addr = "127.0.0.1:0"
	cfg.Admin.Token = "s3cret"

	s, err := newServer(cfg)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	if err := s.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			_ = s.shutdown(context.Background())
		}
	})

	proxyAddr := s.proxy.Addr().String()
	req := "GET /api/data?id=5 HTTP/1.1\r\nHost: localhost\r\n\r\n"
	first := roundTrip(t, proxyAddr, req)
	second := roundTrip(t, proxyAddr, req)
	if !strings.Contains(first, `{"data":"Response for ID 5"}`) {
		t.Fatalf("unexpected first response %q", first)
	}
	if first != second {
		t.Errorf("cached response differs:\n%q\n%q", first, second)
	}

	httpReq, _ := http.NewRequest(http.MethodGet, "http://"+s.adminLn.Addr().String()+"/admin/stats", nil)
	httpReq.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("admin stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin stats status %d", resp.StatusCode)
	}
	var body struct {
		State   string        `json:"state"`
		Metrics metrics.Stats `json:"metrics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State != "running" {
		t.Errorf("state = %q", body.State)
	}
	if body.Metrics.TotalRequests != 2 || body.Metrics.CacheHits != 1 || body.Metrics.CacheMisses != 1 {
		t.Errorf("unexpected metrics %+v", body.Metrics)
	}

	stopped = true
	if err := s.shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := s.proxy.State(); got != cacheproxy.StateStopped {
		t.Errorf("proxy state after shutdown = %s", got)
	}
}
