package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/fetch"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/site"
)

func TestSitesListReportsActiveGeneration(t *testing.T) {
	app, registry := newRoutesApp(t)
	if err := registry.DeployAll(context.Background()); err != nil {
		t.Fatalf("deploy all: %v", err)
	}

	resp := doRequest(t, app, http.MethodGet, "/-/sites", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Sites []site.Status `json:"sites"`
	}
	decodeBody(t, resp, &payload)
	if len(payload.Sites) != 1 {
		t.Fatalf("expected 1 site, got %d", len(payload.Sites))
	}
	if payload.Sites[0].Generation != "dve-patel-v1" || payload.Sites[0].State != "active" {
		t.Fatalf("unexpected site status: %+v", payload.Sites[0])
	}
}

func TestSiteDetailUnknownReturns404(t *testing.T) {
	app, _ := newRoutesApp(t)

	resp := doRequest(t, app, http.MethodGet, "/-/sites/missing", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "site_not_found") {
		t.Fatalf("expected site_not_found, got %s", string(body))
	}
}

func TestDeployRouteSwitchesGeneration(t *testing.T) {
	app, registry := newRoutesApp(t)
	if err := registry.DeployAll(context.Background()); err != nil {
		t.Fatalf("deploy all: %v", err)
	}

	resp := doRequest(t, app, http.MethodPost, "/-/sites/portfolio/deploy", `{"version":"v2","seed_assets":["/index.html"]}`)
	if resp.StatusCode != fiber.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, string(body))
	}
	var result site.DeployResult
	decodeBody(t, resp, &result)
	if result.Generation != "dve-patel-v2" || result.Previous != "dve-patel-v1" {
		t.Fatalf("unexpected deploy result: %+v", result)
	}

	detail := doRequest(t, app, http.MethodGet, "/-/sites/portfolio", "")
	var status site.Status
	decodeBody(t, detail, &status)
	if status.Version != "v2" || status.Generation != "dve-patel-v2" {
		t.Fatalf("detail should reflect new deployment, got %+v", status)
	}
}

func TestDeployRouteRejectsInvalidPayload(t *testing.T) {
	app, _ := newRoutesApp(t)

	resp := doRequest(t, app, http.MethodPost, "/-/sites/portfolio/deploy", `{"version":`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDeployRouteRejectsInvalidSeedsAndVersion(t *testing.T) {
	app, registry := newRoutesApp(t)
	if err := registry.DeployAll(context.Background()); err != nil {
		t.Fatalf("deploy all: %v", err)
	}

	for _, body := range []string{
		`{"version":"v 2"}`,
		`{"version":"v2","seed_assets":["style.css"]}`,
		`{"version":"v2","seed_assets":["javascript:alert(1)"]}`,
	} {
		resp := doRequest(t, app, http.MethodPost, "/-/sites/portfolio/deploy", body)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, resp.StatusCode)
		}
		payload, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(payload), "invalid_deployment") {
			t.Fatalf("%s: expected invalid_deployment, got %s", body, string(payload))
		}
	}

	s, _ := registry.Get("portfolio")
	if s.Generation() != "dve-patel-v1" || s.Config().Version != "v1" {
		t.Fatalf("rejected deployments must leave the active generation alone, got %s", s.Generation())
	}
}

func newRoutesApp(t *testing.T) (*fiber.App, *site.Registry) {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			StoragePath:     t.TempDir(),
			SeedConcurrency: 1,
		},
		Sites: []config.SiteConfig{{
			Name:             "portfolio",
			Domain:           "portfolio.local",
			Origin:           "https://portfolio.local",
			Upstream:         "http://127.0.0.1:8080",
			Product:          "dve-patel",
			Version:          "v1",
			FallbackDocument: "/index.html",
			SeedAssets:       []string{"/index.html"},
		}},
	}
	registry, err := site.NewRegistry(cfg, logging.Discard(), func(config.SiteConfig) fetch.Fetcher {
		return fetch.FetcherFunc(func(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
			return &fetch.Response{
				Status: http.StatusOK,
				Header: http.Header{"Content-Type": []string{"text/html"}},
				Body:   []byte("<html>home</html>"),
				Type:   fetch.TypeBasic,
				URL:    req.URL.String(),
			}, nil
		})
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	app := fiber.New()
	RegisterSiteRoutes(app, registry, logging.Discard())
	t.Cleanup(registry.Flush)
	return app, registry
}

func doRequest(t *testing.T, app *fiber.App, method, target, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}
