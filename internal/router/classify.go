package router

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/offline-hub/internal/fetch"
)

// Route 是请求分类结果。
type Route string

const (
	RouteDocument  Route = "document"
	RouteAsset     Route = "asset"
	RouteUnhandled Route = "unhandled"
)

// Rules 描述站点的分类规则。
type Rules struct {
	// Origin 是站点自身的源，同源请求一律按资源处理（文档规则优先）。
	Origin *url.URL
	// DocumentExtension 例如 ".html"。
	DocumentExtension string
	// CDNMarkers/FontMarkers 是 host 子串匹配，命中即视为可缓存的第三方资源。
	CDNMarkers  []string
	FontMarkers []string
}

// Classify 按顺序匹配，第一条命中的规则生效：
//  1. 导航请求、destination=document 或路径以文档扩展名结尾 → document；
//  2. 同源，或 host 含 CDN / 字体服务标记 → asset；
//  3. 其余 → unhandled。
//
// 非 GET 请求不参与分类，直接返回 unhandled。
func Classify(req *fetch.Request, rules Rules) Route {
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return RouteUnhandled
	}

	if req.IsNavigation() || req.Destination == fetch.DestinationDocument {
		return RouteDocument
	}
	if ext := rules.DocumentExtension; ext != "" && strings.HasSuffix(req.URL.Path, ext) {
		return RouteDocument
	}

	if fetch.SameOrigin(req.URL, rules.Origin) {
		return RouteAsset
	}
	host := strings.ToLower(req.URL.Hostname())
	if containsAny(host, rules.CDNMarkers) || containsAny(host, rules.FontMarkers) {
		return RouteAsset
	}
	return RouteUnhandled
}

func containsAny(host string, markers []string) bool {
	for _, marker := range markers {
		marker = strings.ToLower(strings.TrimSpace(marker))
		if marker != "" && strings.Contains(host, marker) {
			return true
		}
	}
	return false
}
