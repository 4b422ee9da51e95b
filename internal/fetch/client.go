package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ClientOptions 描述站点的公开源与真实上游。
type ClientOptions struct {
	HTTPClient *http.Client
	// Origin 是页面眼中的站点源，同源请求会被改写到 Upstream。
	Origin *url.URL
	// Upstream 是实际提供站点文件的服务地址。
	Upstream *url.URL
}

// Client 是基于 net/http 的 Fetcher：同源请求回源到 Upstream，跨源请求原样访问目标地址。
type Client struct {
	http     *http.Client
	origin   *url.URL
	upstream *url.URL
}

// NewClient 校验并构造 Client。
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("site origin required")
	}
	if opts.Upstream == nil || opts.Upstream.Host == "" {
		return nil, errors.New("site upstream required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	return &Client{
		http:     httpClient,
		origin:   opts.Origin,
		upstream: opts.Upstream,
	}, nil
}

// Fetch 执行一次完整的上游请求并把正文读入内存。网络层错误原样返回，HTTP 错误状态不视为 error。
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	target := c.upstreamURL(req.URL)
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		CopyHeaders(httpReq.Header, req.Header)
	}
	httpReq.Header.Del("Host")
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = target.Host
	if SameOrigin(req.URL, c.origin) {
		httpReq.Header.Set("X-Forwarded-Host", c.origin.Host)
		httpReq.Header.Set("X-Forwarded-Proto", c.origin.Scheme)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = c.pageURL(resp.Request.URL)
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)

	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		Type:   c.responseType(final, resp.Header),
		URL:    final.String(),
	}, nil
}

// upstreamURL 把页面视角的同源地址改写到 Upstream，保留 Upstream 自带的路径前缀。
func (c *Client) upstreamURL(page *url.URL) *url.URL {
	if !SameOrigin(page, c.origin) {
		return page
	}
	rewritten := *c.upstream
	rewritten.Path = strings.TrimSuffix(c.upstream.Path, "/") + page.Path
	if page.RawPath != "" {
		rewritten.RawPath = strings.TrimSuffix(c.upstream.EscapedPath(), "/") + page.RawPath
	} else {
		rewritten.RawPath = ""
	}
	rewritten.RawQuery = page.RawQuery
	rewritten.Fragment = ""
	return &rewritten
}

// pageURL 是 upstreamURL 的逆过程，用于把重定向后的最终地址还原成页面视角。
func (c *Client) pageURL(actual *url.URL) *url.URL {
	if !SameOrigin(actual, c.upstream) {
		return actual
	}
	prefix := strings.TrimSuffix(c.upstream.Path, "/")
	if !strings.HasPrefix(actual.Path, prefix) {
		return actual
	}
	page := *c.origin
	page.Path = strings.TrimPrefix(actual.Path, prefix)
	if page.Path == "" {
		page.Path = "/"
	}
	page.RawPath = ""
	page.RawQuery = actual.RawQuery
	return &page
}

func (c *Client) responseType(final *url.URL, header http.Header) ResponseType {
	if SameOrigin(final, c.origin) {
		return TypeBasic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return TypeCORS
	}
	return TypeOpaque
}
