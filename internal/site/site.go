package site

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/fetch"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/router"
)

// CrossOriginPrefix 是访问跨源资源的代理路径前缀：/_x/<host>/<path> → https://<host>/<path>。
const CrossOriginPrefix = "/_x/"

// ErrInvalidDeployment 表示部署参数（版本或 seed 列表）未通过配置同等级别的校验。
var ErrInvalidDeployment = errors.New("invalid deployment")

// Options 描述构建 Site 所需的共享依赖。
type Options struct {
	Config config.SiteConfig
	Global config.GlobalConfig
	// Storage 为空时在 Global.StoragePath/<Name> 下创建。
	Storage cache.Storage
	// Fetcher 为空时使用基于 net/http 的 fetch.Client。
	Fetcher fetch.Fetcher
	Logger  *logrus.Logger
}

// Site 是单个站点的运行时：持有当前生效的缓存代际，并作为生命周期控制器的宿主。
type Site struct {
	name         string
	domain       string
	origin       *url.URL
	upstream     *url.URL
	storage      cache.Storage
	fetcher      fetch.Fetcher
	logger       *logrus.Logger
	rules        router.Rules
	fallback     string
	maxEntrySize int64
	concurrency  int

	// deployMu 串行化同一站点的部署。
	deployMu sync.Mutex

	mu       sync.RWMutex
	cfg      config.SiteConfig
	deployed *DeployResult

	active atomic.Pointer[generation]
}

// generation 把控制器与绑定其 Store 的 Router 作为一个整体原子替换。
type generation struct {
	controller *lifecycle.Controller
	router     *router.Router
	claimedAt  time.Time
}

// DeployResult 汇总一次部署的 install/activate 结果。
type DeployResult struct {
	Site       string                   `json:"site"`
	Generation string                   `json:"generation"`
	Previous   string                   `json:"previous,omitempty"`
	Install    lifecycle.InstallResult  `json:"install"`
	Activate   lifecycle.ActivateResult `json:"activate"`
	FinishedAt time.Time                `json:"finished_at"`
}

// Status 是站点当前状态的只读快照，供诊断接口输出。
type Status struct {
	Name       string        `json:"name"`
	Domain     string        `json:"domain"`
	Origin     string        `json:"origin"`
	Upstream   string        `json:"upstream"`
	Product    string        `json:"product"`
	Version    string        `json:"version"`
	Generation string        `json:"generation,omitempty"`
	State      string        `json:"state"`
	ClaimedAt  *time.Time    `json:"claimed_at,omitempty"`
	Seeds      []string      `json:"seed_assets"`
	Stored     []string      `json:"stored,omitempty"`
	LastDeploy *DeployResult `json:"last_deploy,omitempty"`
}

// New 解析站点地址并准备存储与网络依赖，此时尚未部署任何代际。
func New(opts Options) (*Site, error) {
	cfg := opts.Config
	if cfg.Name == "" {
		return nil, errors.New("site name required")
	}

	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("site %s: invalid origin %q", cfg.Name, cfg.Origin)
	}
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil || upstream.Host == "" {
		return nil, fmt.Errorf("site %s: invalid upstream %q", cfg.Name, cfg.Upstream)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	storage := opts.Storage
	if storage == nil {
		storage, err = cache.NewStorage(filepath.Join(opts.Global.StoragePath, cfg.Name))
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", cfg.Name, err)
		}
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		client, err := fetch.NewClient(fetch.ClientOptions{
			HTTPClient: fetch.NewHTTPClient(opts.Global.UpstreamTimeout.DurationValue()),
			Origin:     origin,
			Upstream:   upstream,
		})
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", cfg.Name, err)
		}
		fetcher = client
	}

	return &Site{
		name:     cfg.Name,
		domain:   cfg.Domain,
		origin:   origin,
		upstream: upstream,
		storage:  storage,
		fetcher:  fetcher,
		logger:   logger,
		rules: router.Rules{
			Origin:            origin,
			DocumentExtension: cfg.DocumentExtension,
			CDNMarkers:        append([]string(nil), cfg.CDNMarkers...),
			FontMarkers:       append([]string(nil), cfg.FontMarkers...),
		},
		fallback:     cfg.FallbackDocument,
		maxEntrySize: opts.Global.MaxEntrySize,
		concurrency:  opts.Global.SeedConcurrency,
		cfg:          cfg,
	}, nil
}

// Name 返回站点名。
func (s *Site) Name() string { return s.name }

// Domain 返回站点绑定的 Host。
func (s *Site) Domain() string { return s.domain }

// Origin 返回页面眼中的站点源。
func (s *Site) Origin() *url.URL { return s.origin }

// Config 返回当前生效配置的副本。
func (s *Site) Config() config.SiteConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Generation 返回当前生效的代际名，尚未 Claim 时为空。
func (s *Site) Generation() string {
	if active := s.active.Load(); active != nil {
		return active.controller.Generation()
	}
	return ""
}

// Deploy 以 version/seeds 执行一次完整的 install → activate → claim。
// version 为空时沿用当前配置；seeds 为 nil 时沿用当前配置的 SeedAssets。
// 新代际 Claim 之前，旧代际继续对外服务。
func (s *Site) Deploy(ctx context.Context, version string, seeds []string) (*DeployResult, error) {
	s.deployMu.Lock()
	defer s.deployMu.Unlock()

	cfg := s.Config()
	if version = strings.TrimSpace(version); version != "" {
		cfg.Version = version
	}
	if seeds != nil {
		cfg.SeedAssets = append([]string(nil), seeds...)
	}
	if err := cfg.ValidateDeployment(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDeployment, err)
	}
	name := cache.GenerationName(cfg.Product, cfg.Version)

	result := &DeployResult{Site: s.name, Generation: name, Previous: s.Generation()}
	fields := logging.SiteFields(s.name, name)

	ctrl, err := lifecycle.New(lifecycle.Options{
		Storage:     s.storage,
		Generation:  name,
		Origin:      s.origin,
		Seeds:       cfg.SeedAssets,
		Fetcher:     s.fetcher,
		Host:        s,
		Concurrency: s.concurrency,
		Logger:      s.logger,
		Fields:      logrus.Fields{"site": s.name},
	})
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", s.name, err)
	}

	if result.Install, err = ctrl.Install(ctx); err != nil {
		return result, fmt.Errorf("site %s install: %w", s.name, err)
	}
	if result.Activate, err = ctrl.Activate(ctx); err != nil {
		return result, fmt.Errorf("site %s activate: %w", s.name, err)
	}
	if s.activeController() != ctrl {
		return result, fmt.Errorf("site %s: generation %s was not claimed", s.name, name)
	}
	result.FinishedAt = time.Now().UTC()

	s.mu.Lock()
	s.cfg = cfg
	s.deployed = result
	s.mu.Unlock()

	s.logger.WithFields(fields).WithFields(logrus.Fields{
		"action":   "deploy",
		"previous": result.Previous,
		"stored":   len(result.Install.Stored),
		"failed":   len(result.Install.Failed),
		"deleted":  len(result.Activate.Deleted),
	}).Info("deploy_complete")
	return result, nil
}

// SkipWaiting 实现 lifecycle.Host：Deploy 在 Install 返回后立即 Activate，这里只记录信号。
func (s *Site) SkipWaiting(c *lifecycle.Controller) {
	s.logger.WithFields(logging.SiteFields(s.name, c.Generation())).
		WithField("action", "install").
		Debug("skip_waiting")
}

// Claim 实现 lifecycle.Host：为新代际构建 Router 并原子替换，旧代际标记为 redundant。
func (s *Site) Claim(c *lifecycle.Controller) {
	fields := logging.SiteFields(s.name, c.Generation())
	rt, err := router.New(router.Options{
		Store:            c.Store(),
		Fetcher:          s.fetcher,
		Rules:            s.rules,
		FallbackDocument: s.fallback,
		MaxEntrySize:     s.maxEntrySize,
		Logger:           s.logger,
		Fields:           logrus.Fields{"site": s.name},
	})
	if err != nil {
		s.logger.WithFields(fields).WithError(err).WithField("action", "claim").Error("claim_failed")
		return
	}

	previous := s.active.Swap(&generation{controller: c, router: rt, claimedAt: time.Now().UTC()})
	if previous != nil && previous.controller != c {
		previous.controller.Retire()
		previous.router.Retire()
	}
	s.logger.WithFields(fields).WithField("action", "claim").Info("claim_complete")
}

// Intercept 交给当前代际的 Router；尚未 Claim 时一律按未处理返回，由调用方透传。
func (s *Site) Intercept(ctx context.Context, req *fetch.Request) (router.Outcome, string, error) {
	active := s.active.Load()
	if active == nil {
		return router.Outcome{Route: router.RouteUnhandled}, "", nil
	}
	outcome, err := active.router.Intercept(ctx, req)
	return outcome, active.router.Generation(), err
}

// Passthrough 绕过缓存直接访问网络。
func (s *Site) Passthrough(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	return s.fetcher.Fetch(ctx, req)
}

// Flush 等待当前代际的后台缓存写入完成。
func (s *Site) Flush() {
	if active := s.active.Load(); active != nil {
		active.router.Flush()
	}
}

// RequestURL 把代理收到的路径映射成页面视角的绝对地址。
func (s *Site) RequestURL(path, rawQuery string) (*url.URL, error) {
	if path == "" {
		path = "/"
	}
	if strings.HasPrefix(path, CrossOriginPrefix) {
		rest := strings.TrimPrefix(path, CrossOriginPrefix)
		host, remainder, _ := strings.Cut(rest, "/")
		if host == "" || strings.ContainsAny(host, `\@`) {
			return nil, fmt.Errorf("invalid cross-origin path %q", path)
		}
		return &url.URL{
			Scheme:   "https",
			Host:     strings.ToLower(host),
			Path:     "/" + remainder,
			RawQuery: rawQuery,
		}, nil
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &url.URL{
		Scheme:   s.origin.Scheme,
		Host:     s.origin.Host,
		Path:     path,
		RawQuery: rawQuery,
	}, nil
}

// Status 汇总站点当前状态；读取 Store 键失败只影响 Stored 字段。
func (s *Site) Status(ctx context.Context) Status {
	s.mu.RLock()
	cfg := s.cfg
	deployed := s.deployed
	s.mu.RUnlock()

	status := Status{
		Name:       s.name,
		Domain:     s.domain,
		Origin:     s.origin.String(),
		Upstream:   s.upstream.String(),
		Product:    cfg.Product,
		Version:    cfg.Version,
		State:      string(lifecycle.StateNew),
		Seeds:      append([]string(nil), cfg.SeedAssets...),
		LastDeploy: deployed,
	}
	active := s.active.Load()
	if active == nil {
		return status
	}
	claimed := active.claimedAt
	status.Generation = active.controller.Generation()
	status.State = string(active.controller.State())
	status.ClaimedAt = &claimed
	if keys, err := active.controller.Store().Keys(ctx); err == nil {
		for _, key := range keys {
			if key.Method == http.MethodGet {
				status.Stored = append(status.Stored, key.URL)
			}
		}
	}
	return status
}

func (s *Site) activeController() *lifecycle.Controller {
	if active := s.active.Load(); active != nil {
		return active.controller
	}
	return nil
}
