package fetch

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Mode 对应页面发起请求时的 Sec-Fetch-Mode。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// DestinationDocument 对应 Sec-Fetch-Dest: document。
const DestinationDocument = "document"

// ResponseType 描述响应相对站点源的可见性，只有 basic 允许在运行期写入缓存。
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
)

// Request 是页面发起的一次被拦截请求，URL 始终为绝对地址。
type Request struct {
	Method      string
	URL         *url.URL
	Mode        Mode
	Destination string
	Header      http.Header
	Body        []byte
}

// NewRequest 构造 GET 以外也可用的请求，method 为空时按 GET 处理。
func NewRequest(method string, target *url.URL) *Request {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: method,
		URL:    target,
		Header: http.Header{},
	}
}

// IsNavigation 表示请求是否为页面导航。
func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

// Response 是一次完整读取到内存的上游响应。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Type   ResponseType
	// URL 是重定向之后的最终地址（以页面视角表示）。
	URL string
}

// OK 对应 2xx 状态。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone 深拷贝响应，缓存写入方与返回给页面的一方互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}

// Fetcher 抽象“网络”，测试中可替换为内存实现。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// SameOrigin 比较 scheme 与 host（含端口）。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
