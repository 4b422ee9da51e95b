package site

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/fetch"
)

// Registry 提供 Host/Host:port 到 Site 的查询能力，所有站点共享同一个监听端口。
type Registry struct {
	sites   map[string]*Site
	byName  map[string]*Site
	ordered []*Site
}

// FetcherFactory 允许调用方（主要是测试）为每个站点注入自定义网络实现。
type FetcherFactory func(cfg config.SiteConfig) fetch.Fetcher

// NewRegistry 根据配置构建站点映射。调用方应在启动阶段创建一次并复用。
func NewRegistry(cfg *config.Config, logger *logrus.Logger, fetchers FetcherFactory) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &Registry{
		sites:  make(map[string]*Site, len(cfg.Sites)),
		byName: make(map[string]*Site, len(cfg.Sites)),
	}

	for _, siteCfg := range cfg.Sites {
		host := normalizeHost(siteCfg.Domain)
		if host == "" {
			return nil, fmt.Errorf("invalid domain for site %s", siteCfg.Name)
		}
		if _, exists := registry.sites[host]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", host)
		}

		opts := Options{Config: siteCfg, Global: cfg.Global, Logger: logger}
		if fetchers != nil {
			opts.Fetcher = fetchers(siteCfg)
		}
		s, err := New(opts)
		if err != nil {
			return nil, err
		}

		registry.sites[host] = s
		registry.byName[s.Name()] = s
		registry.ordered = append(registry.ordered, s)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找站点，端口与大小写都会被忽略。
func (r *Registry) Lookup(host string) (*Site, bool) {
	if r == nil {
		return nil, false
	}
	normalized := normalizeHost(host)
	if normalized == "" {
		return nil, false
	}
	s, ok := r.sites[normalized]
	return s, ok
}

// Get 按站点名查找。
func (r *Registry) Get(name string) (*Site, bool) {
	if r == nil {
		return nil, false
	}
	s, ok := r.byName[name]
	return s, ok
}

// List 按配置顺序返回全部站点。
func (r *Registry) List() []*Site {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*Site(nil), r.ordered...)
}

// DeployAll 依次部署所有站点，单个站点失败不会影响其他站点，错误合并返回。
func (r *Registry) DeployAll(ctx context.Context) error {
	var errs []error
	for _, s := range r.List() {
		if _, err := s.Deploy(ctx, "", nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush 等待所有站点的后台缓存写入完成，通常在退出前调用。
func (r *Registry) Flush() {
	for _, s := range r.List() {
		s.Flush()
	}
}

func normalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	host := raw
	if h, _, err := net.SplitHostPort(raw); err == nil {
		host = h
	} else if idx := strings.LastIndex(raw, ":"); idx > -1 && !strings.Contains(raw[:idx], ":") {
		host = raw[:idx]
	}

	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}
