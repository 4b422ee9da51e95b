package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/site"
)

func TestHandlerOnlineDocumentComesFromNetwork(t *testing.T) {
	env := newProxyEnv(t)
	env.deploy(t)

	resp := env.do(t, http.MethodGet, "/index.html", map[string]string{"Sec-Fetch-Mode": "navigate"})
	assertStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get("X-Offline-Hub-Route"); got != "document" {
		t.Fatalf("expected document route, got %q", got)
	}
	if got := resp.Header.Get("X-Offline-Hub-Source"); got != "network" {
		t.Fatalf("expected network source, got %q", got)
	}
	if got := resp.Header.Get("X-Offline-Hub-Generation"); got != "dve-patel-v1" {
		t.Fatalf("expected generation header, got %q", got)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Fatalf("upstream content type should be preserved, got %q", got)
	}
	if body := readBody(t, resp); body != "<html>home</html>" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHandlerSeededAssetServedFromCache(t *testing.T) {
	env := newProxyEnv(t)
	env.deploy(t)
	before := env.hits.Load()

	resp := env.do(t, http.MethodGet, "/style.css", nil)
	assertStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get("X-Offline-Hub-Source"); got != "cache" {
		t.Fatalf("expected cache source, got %q", got)
	}
	if env.hits.Load() != before {
		t.Fatalf("cached asset must not reach the upstream")
	}
}

func TestHandlerOfflineServesCacheFallbackOrGatewayTimeout(t *testing.T) {
	env := newProxyEnv(t)
	env.deploy(t)
	env.upstream.Close()

	nav := map[string]string{"Sec-Fetch-Mode": "navigate"}

	resp := env.do(t, http.MethodGet, "/index.html", nav)
	assertStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get("X-Offline-Hub-Source"); got != "cache" {
		t.Fatalf("expected cache source offline, got %q", got)
	}

	resp = env.do(t, http.MethodGet, "/about.html", nav)
	assertStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get("X-Offline-Hub-Source"); got != "fallback" {
		t.Fatalf("expected fallback source offline, got %q", got)
	}
	if body := readBody(t, resp); body != "<html>home</html>" {
		t.Fatalf("fallback should serve root document, got %q", body)
	}

	resp = env.do(t, http.MethodGet, "/missing.png", nil)
	assertStatus(t, resp, http.StatusGatewayTimeout)
	if body := readBody(t, resp); !strings.Contains(body, "offline_unavailable") {
		t.Fatalf("expected offline_unavailable error, got %s", body)
	}
}

func TestHandlerPostIsPassedThrough(t *testing.T) {
	env := newProxyEnv(t)
	env.deploy(t)

	resp := env.do(t, http.MethodPost, "/api/contact", nil)
	assertStatus(t, resp, http.StatusAccepted)
	if got := resp.Header.Get("X-Offline-Hub-Route"); got != "unhandled" {
		t.Fatalf("expected unhandled route, got %q", got)
	}

	env.upstream.Close()
	resp = env.do(t, http.MethodPost, "/api/contact", nil)
	assertStatus(t, resp, http.StatusBadGateway)
	if body := readBody(t, resp); !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected upstream_failed error, got %s", body)
	}
}

func TestHandlerBeforeDeployPassesThrough(t *testing.T) {
	env := newProxyEnv(t)

	resp := env.do(t, http.MethodGet, "/index.html", map[string]string{"Sec-Fetch-Mode": "navigate"})
	assertStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get("X-Offline-Hub-Route"); got != "unhandled" {
		t.Fatalf("expected unhandled route before deploy, got %q", got)
	}
	if got := resp.Header.Get("X-Offline-Hub-Generation"); got != "" {
		t.Fatalf("generation header should be absent before deploy, got %q", got)
	}
}

func TestHandlerRevalidatedPageIsStillCachedForOffline(t *testing.T) {
	env := newProxyEnv(t)
	env.deploy(t)

	resp := env.do(t, http.MethodGet, "/about.html", map[string]string{
		"Sec-Fetch-Mode": "navigate",
		"If-None-Match":  `"about-v1"`,
	})
	assertStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get("X-Offline-Hub-Source"); got != "network" {
		t.Fatalf("expected network source, got %q", got)
	}
	if body := readBody(t, resp); body != "<html>about</html>" {
		t.Fatalf("expected full page body, got %q", body)
	}

	env.upstream.Close()
	resp = env.do(t, http.MethodGet, "/about.html", map[string]string{"Sec-Fetch-Mode": "navigate"})
	assertStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get("X-Offline-Hub-Source"); got != "cache" {
		t.Fatalf("page visited with a browser validator should be cached, got source %q", got)
	}
	if body := readBody(t, resp); body != "<html>about</html>" {
		t.Fatalf("expected cached about page, got %q", body)
	}
}

var aboutModified = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

type proxyEnv struct {
	app      *fiber.App
	registry *site.Registry
	upstream *httptest.Server
	hits     atomic.Int64
}

func newProxyEnv(t *testing.T) *proxyEnv {
	t.Helper()
	env := &proxyEnv{}

	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.hits.Add(1)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/contact":
			w.WriteHeader(http.StatusAccepted)
		case r.URL.Path == "/index.html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, "<html>home</html>")
		case r.URL.Path == "/about.html":
			w.Header().Set("ETag", `"about-v1"`)
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			http.ServeContent(w, r, "about.html", aboutModified, strings.NewReader("<html>about</html>"))
		case r.URL.Path == "/style.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, "body{}")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(env.upstream.Close)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			StoragePath:     t.TempDir(),
			SeedConcurrency: 2,
			MaxEntrySize:    1 << 20,
		},
		Sites: []config.SiteConfig{{
			Name:              "portfolio",
			Domain:            "portfolio.local",
			Origin:            "https://portfolio.local",
			Upstream:          env.upstream.URL,
			Product:           "dve-patel",
			Version:           "v1",
			FallbackDocument:  "/index.html",
			DocumentExtension: ".html",
			CDNMarkers:        []string{"cdnjs"},
			FontMarkers:       []string{"googleapis"},
			SeedAssets:        []string{"/index.html", "/style.css"},
		}},
	}

	registry, err := site.NewRegistry(cfg, logging.Discard(), nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(registry.Flush)
	env.registry = registry

	app, err := server.NewApp(server.AppOptions{
		Logger:     logging.Discard(),
		Registry:   registry,
		Proxy:      NewHandler(logging.Discard()),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	env.app = app
	return env
}

func (e *proxyEnv) deploy(t *testing.T) {
	t.Helper()
	if err := e.registry.DeployAll(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
}

func (e *proxyEnv) do(t *testing.T, method, path string, headers map[string]string) *http.Response {
	t.Helper()
	// 后台写缓存先落盘，保证断网场景读到的是确定的状态。
	e.registry.Flush()
	req := httptest.NewRequest(method, "http://portfolio.local"+path, nil)
	req.Host = "portfolio.local"
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func assertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d (body=%s)", want, resp.StatusCode, string(body))
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}
