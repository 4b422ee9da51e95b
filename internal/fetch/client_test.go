package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestClientRewritesSameOriginToUpstream(t *testing.T) {
	var gotPath, gotQuery, gotForwarded string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotForwarded = r.Header.Get("X-Forwarded-Host")
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Connection", "close")
		_, _ = w.Write([]byte("<h1>home</h1>"))
	}))
	defer upstream.Close()

	client := newTestClient(t, "https://portfolio.local", upstream.URL+"/site")
	req := NewRequest("", mustParse(t, "https://portfolio.local/index.html?lang=en"))

	resp, err := client.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if gotPath != "/site/index.html" || gotQuery != "lang=en" {
		t.Fatalf("unexpected upstream request %s?%s", gotPath, gotQuery)
	}
	if gotForwarded != "portfolio.local" {
		t.Fatalf("expected X-Forwarded-Host portfolio.local, got %s", gotForwarded)
	}
	if resp.Type != TypeBasic {
		t.Fatalf("same-origin response should be basic, got %s", resp.Type)
	}
	if resp.URL != "https://portfolio.local/index.html?lang=en" {
		t.Fatalf("final URL should be page-relative, got %s", resp.URL)
	}
	if string(resp.Body) != "<h1>home</h1>" || !resp.OK() {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Header.Get("Connection") != "" {
		t.Fatalf("hop-by-hop header must be stripped")
	}
}

func TestClientClassifiesCrossOriginResponses(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cors.css" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		_, _ = w.Write([]byte("body{}"))
	}))
	defer cdn.Close()

	client := newTestClient(t, "https://portfolio.local", "http://127.0.0.1:1")

	testCases := []struct {
		path string
		want ResponseType
	}{
		{"/cors.css", TypeCORS},
		{"/plain.css", TypeOpaque},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := client.Fetch(context.Background(), NewRequest("GET", mustParse(t, cdn.URL+tc.path)))
			if err != nil {
				t.Fatalf("fetch error: %v", err)
			}
			if resp.Type != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, resp.Type)
			}
		})
	}
}

func TestClientReturnsErrorStatusWithoutError(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	client := newTestClient(t, "https://portfolio.local", upstream.URL)
	resp, err := client.Fetch(context.Background(), NewRequest("GET", mustParse(t, "https://portfolio.local/missing.png")))
	if err != nil {
		t.Fatalf("HTTP error status should not be a fetch error: %v", err)
	}
	if resp.OK() || resp.Status != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %d", resp.Status)
	}
}

func TestClientNetworkFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	client := newTestClient(t, "https://portfolio.local", addr)
	if _, err := client.Fetch(context.Background(), NewRequest("GET", mustParse(t, "https://portfolio.local/"))); err == nil {
		t.Fatalf("expected network error for closed upstream")
	}
}

func TestNewHTTPClientUsesTimeout(t *testing.T) {
	client := NewHTTPClient(45 * time.Second)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}
	if got := dst.Values("X-Test-Header"); len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestResponseCloneIsIndependent(t *testing.T) {
	resp := &Response{Status: 200, Header: http.Header{"A": {"1"}}, Body: []byte("abc")}
	cloned := resp.Clone()
	cloned.Body[0] = 'x'
	cloned.Header.Set("A", "2")
	if string(resp.Body) != "abc" || resp.Header.Get("A") != "1" {
		t.Fatalf("clone must not share buffers")
	}
}

func newTestClient(t *testing.T, origin, upstream string) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{
		HTTPClient: NewHTTPClient(5 * time.Second),
		Origin:     mustParse(t, origin),
		Upstream:   mustParse(t, upstream),
	})
	if err != nil {
		t.Fatalf("client error: %v", err)
	}
	return client
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return parsed
}
