package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/fetch"
)

// Source 标识响应来自哪里，写入 X-Offline-Hub-Source 响应头与日志。
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

var (
	// ErrDocumentUnavailable 表示文档请求离线且缓存与兜底文档均不存在。
	ErrDocumentUnavailable = errors.New("document unavailable offline")
	// ErrAssetUnavailable 表示资源请求未命中缓存且网络失败。
	ErrAssetUnavailable = errors.New("asset unavailable offline")
)

// Outcome 是一次拦截的结构化结果。Handled=false 时调用方应按默认网络行为透传。
type Outcome struct {
	Route    Route
	Handled  bool
	Source   Source
	Response *fetch.Response
}

// Options 描述 Router 依赖。
type Options struct {
	Store   cache.Store
	Fetcher fetch.Fetcher
	Rules   Rules
	// FallbackDocument 是离线兜底文档的站内路径，例如 /index.html。
	FallbackDocument string
	// MaxEntrySize 为 0 表示不限制；超过该大小的响应只返回不缓存。
	MaxEntrySize int64
	Logger       *logrus.Logger
	Fields       logrus.Fields
}

// Router 把拦截到的请求分发到 network-first（文档）或 cache-first（资源）策略。
// Store 由生命周期控制器在 Claim 时注入，Router 本身不按名字查找缓存。
type Router struct {
	store        cache.Store
	fetcher      fetch.Fetcher
	rules        Rules
	fallback     cache.Key
	maxEntrySize int64
	logger       *logrus.Logger
	fields       logrus.Fields
	now          func() time.Time

	// mu 保护 retired 与 pending.Add，保证 Retire 之后不再有新的后台写入登记。
	mu      sync.Mutex
	retired bool
	pending sync.WaitGroup
}

// conditionalHeaders 是浏览器 HTTP 缓存附带的条件与分段请求头。
// 拦截策略需要完整的 200 响应才能写入缓存，转发前统一去掉。
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// New 构造 Router，Store 与 Fetcher 不能为空。
func New(opts Options) (*Router, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if opts.Rules.Origin == nil {
		return nil, errors.New("site origin required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	fields := logrus.Fields{}
	for k, v := range opts.Fields {
		fields[k] = v
	}
	fields["generation"] = opts.Store.Name()

	r := &Router{
		store:        opts.Store,
		fetcher:      opts.Fetcher,
		rules:        opts.Rules,
		maxEntrySize: opts.MaxEntrySize,
		logger:       logger,
		fields:       fields,
		now:          time.Now,
	}
	if opts.FallbackDocument != "" {
		fallbackURL := opts.Rules.Origin.ResolveReference(&url.URL{Path: opts.FallbackDocument})
		r.fallback = cache.NewKey(http.MethodGet, fallbackURL.String())
	}
	return r, nil
}

// Generation 返回 Router 绑定的缓存代际名。
func (r *Router) Generation() string {
	return r.store.Name()
}

// Intercept 对单个请求执行分类与对应策略。
func (r *Router) Intercept(ctx context.Context, req *fetch.Request) (Outcome, error) {
	route := Classify(req, r.rules)
	switch route {
	case RouteDocument:
		return r.networkFirst(ctx, req)
	case RouteAsset:
		return r.cacheFirst(ctx, req)
	default:
		return Outcome{Route: RouteUnhandled}, nil
	}
}

// Flush 等待所有 write-behind 写入完成。
func (r *Router) Flush() {
	r.pending.Wait()
}

// Retire 停止接受新的 write-behind 并等待已登记的写入完成。
// 代际被替换后调用；之后的拦截仍可返回网络响应，只是不再写缓存。
func (r *Router) Retire() {
	r.mu.Lock()
	r.retired = true
	r.mu.Unlock()
	r.pending.Wait()
}

func (r *Router) networkFirst(ctx context.Context, req *fetch.Request) (Outcome, error) {
	outcome := Outcome{Route: RouteDocument, Handled: true}
	key := requestKey(req)

	resp, fetchErr := r.fetcher.Fetch(ctx, unconditional(req))
	if fetchErr == nil {
		if r.cacheable(resp) {
			r.writeBehind(ctx, key, resp.Clone())
		}
		outcome.Source = SourceNetwork
		outcome.Response = resp
		return outcome, nil
	}

	if cached := r.match(ctx, key); cached != nil {
		outcome.Source = SourceCache
		outcome.Response = cached
		return outcome, nil
	}
	if r.fallback.URL != "" {
		if cached := r.match(ctx, r.fallback); cached != nil {
			outcome.Source = SourceFallback
			outcome.Response = cached
			return outcome, nil
		}
	}
	return outcome, fmt.Errorf("%w: %s: %v", ErrDocumentUnavailable, req.URL, fetchErr)
}

func (r *Router) cacheFirst(ctx context.Context, req *fetch.Request) (Outcome, error) {
	outcome := Outcome{Route: RouteAsset, Handled: true}
	key := requestKey(req)

	if cached := r.match(ctx, key); cached != nil {
		outcome.Source = SourceCache
		outcome.Response = cached
		return outcome, nil
	}

	resp, err := r.fetcher.Fetch(ctx, unconditional(req))
	if err != nil {
		return outcome, fmt.Errorf("%w: %s: %v", ErrAssetUnavailable, req.URL, err)
	}
	if r.cacheable(resp) {
		r.put(ctx, key, resp.Clone())
	}
	outcome.Source = SourceNetwork
	outcome.Response = resp
	return outcome, nil
}

// cacheable 只允许 200 + basic，且不超过 MaxEntrySize。
func (r *Router) cacheable(resp *fetch.Response) bool {
	if resp == nil || resp.Status != http.StatusOK || resp.Type != fetch.TypeBasic {
		return false
	}
	return r.maxEntrySize <= 0 || int64(len(resp.Body)) <= r.maxEntrySize
}

// writeBehind 在后台写缓存，不阻塞响应返回；请求 ctx 结束不会中断写入。
func (r *Router) writeBehind(ctx context.Context, key cache.Key, resp *fetch.Response) {
	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return
	}
	r.pending.Add(1)
	r.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer r.pending.Done()
		r.put(detached, key, resp)
	}()
}

func (r *Router) put(ctx context.Context, key cache.Key, resp *fetch.Response) {
	snapshot := &cache.Snapshot{
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		Type:     string(resp.Type),
		URL:      resp.URL,
		StoredAt: r.now().UTC(),
	}
	if err := r.store.Put(ctx, key, snapshot); err != nil {
		r.logger.WithFields(r.fields).WithError(err).
			WithFields(logrus.Fields{"action": "cache_put_failed", "key": key.String()}).
			Debug("cache_put_failed")
	}
}

func (r *Router) match(ctx context.Context, key cache.Key) *fetch.Response {
	snapshot, err := r.store.Match(ctx, key)
	switch {
	case err == nil:
		return snapshotResponse(snapshot)
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		r.logger.WithFields(r.fields).WithError(err).
			WithFields(logrus.Fields{"action": "cache_get_failed", "key": key.String()}).
			Warn("cache_get_failed")
		return nil
	}
}

func snapshotResponse(snapshot *cache.Snapshot) *fetch.Response {
	return &fetch.Response{
		Status: snapshot.Status,
		Header: snapshot.Header.Clone(),
		Body:   snapshot.Body,
		Type:   fetch.ResponseType(snapshot.Type),
		URL:    snapshot.URL,
	}
}

// unconditional 返回去掉条件请求头的浅拷贝，原请求保持不变。
func unconditional(req *fetch.Request) *fetch.Request {
	out := *req
	out.Header = req.Header.Clone()
	for _, name := range conditionalHeaders {
		out.Header.Del(name)
	}
	return &out
}

func requestKey(req *fetch.Request) cache.Key {
	return cache.NewKey(req.Method, req.URL.String())
}
