package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/fetch"
)

// State 描述一个缓存代际在生命周期中的位置。
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	// StateInstalled 即 waiting-to-activate。
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// ErrInvalidState 表示在错误的阶段触发了生命周期事件。
var ErrInvalidState = errors.New("invalid lifecycle state")

// Host 是承载控制器的运行环境，接收两个控制信号。
type Host interface {
	// SkipWaiting 在 Install 完成后发出：不必等待旧页面关闭，立即进入 Activate。
	SkipWaiting(c *Controller)
	// Claim 在 Activate 完成后发出：立即接管所有已打开页面的请求。
	Claim(c *Controller)
}

// Options 描述控制器依赖。
type Options struct {
	Storage    cache.Storage
	Generation string
	// Origin 用于解析相对 seed 地址。
	Origin *url.URL
	Seeds  []string
	// Fetcher 用于拉取 seed。
	Fetcher fetch.Fetcher
	Host    Host
	// Concurrency 限制并发拉取 seed 的数量，<=0 时为 1。
	Concurrency int
	Logger      *logrus.Logger
	Fields      logrus.Fields
}

// SeedFailure 记录单个 seed 失败原因。
type SeedFailure struct {
	URL string `json:"url"`
	Err string `json:"error"`
}

// InstallResult 是 Install 事件的结构化结果。
type InstallResult struct {
	Generation string        `json:"generation"`
	Stored     []string      `json:"stored"`
	Failed     []SeedFailure `json:"failed,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// DeleteFailure 记录未能删除的旧代际。
type DeleteFailure struct {
	Generation string `json:"generation"`
	Err        string `json:"error"`
}

// ActivateResult 是 Activate 事件的结构化结果。
type ActivateResult struct {
	Current string          `json:"current"`
	Deleted []string        `json:"deleted"`
	Failed  []DeleteFailure `json:"failed,omitempty"`
}

// Controller 管理单个缓存代际的 install → activate → redundant 流程。
// 控制器持有本代际的 Store，并在 Claim 时交给宿主绑定到 Router。
type Controller struct {
	storage     cache.Storage
	generation  string
	origin      *url.URL
	seeds       []string
	fetcher     fetch.Fetcher
	host        Host
	concurrency int
	logger      *logrus.Logger
	fields      logrus.Fields
	now         func() time.Time

	mu    sync.RWMutex
	state State
	store cache.Store
}

// New 校验依赖并构造处于 new 状态的控制器。
func New(opts Options) (*Controller, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage required")
	}
	if opts.Generation == "" {
		return nil, errors.New("generation required")
	}
	if opts.Origin == nil {
		return nil, errors.New("site origin required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if opts.Host == nil {
		return nil, errors.New("host required")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	fields := logrus.Fields{}
	for k, v := range opts.Fields {
		fields[k] = v
	}
	fields["generation"] = opts.Generation

	return &Controller{
		storage:     opts.Storage,
		generation:  opts.Generation,
		origin:      opts.Origin,
		seeds:       append([]string(nil), opts.Seeds...),
		fetcher:     opts.Fetcher,
		host:        opts.Host,
		concurrency: concurrency,
		logger:      logger,
		fields:      fields,
		now:         time.Now,
		state:       StateNew,
	}, nil
}

// Generation 返回控制器负责的代际名。
func (c *Controller) Generation() string {
	return c.generation
}

// State 返回当前状态。
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Store 返回本代际的缓存句柄，Install 之前为 nil。
func (c *Controller) Store() cache.Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}

// Install 打开（必要时创建）本代际的 Store，并尽力写入全部 seed。
// 单个 seed 失败只记录日志与结果，不会让 Install 失败；只有 Store 打不开才返回 error。
func (c *Controller) Install(ctx context.Context) (InstallResult, error) {
	started := c.now()
	result := InstallResult{Generation: c.generation}

	if err := c.transition(StateNew, StateInstalling); err != nil {
		return result, err
	}

	store, err := c.storage.Open(ctx, c.generation)
	if err != nil {
		c.setState(StateRedundant)
		c.log("install").WithError(err).Error("install_failed")
		return result, fmt.Errorf("open generation %s: %w", c.generation, err)
	}
	c.mu.Lock()
	c.store = store
	c.mu.Unlock()

	outcomes := c.seedAll(ctx, store)
	for _, outcome := range outcomes {
		if outcome.err != nil {
			result.Failed = append(result.Failed, SeedFailure{URL: outcome.url, Err: outcome.err.Error()})
			continue
		}
		result.Stored = append(result.Stored, outcome.url)
	}
	result.Elapsed = c.now().Sub(started)

	c.setState(StateInstalled)
	c.log("install").WithFields(logrus.Fields{
		"stored":     len(result.Stored),
		"failed":     len(result.Failed),
		"elapsed_ms": result.Elapsed.Milliseconds(),
	}).Info("install_complete")

	c.host.SkipWaiting(c)
	return result, nil
}

// Activate 删除本站点除当前代际以外的全部代际，随后通知宿主 Claim。
// 删除失败会记录在结果中，但不会阻止激活。
func (c *Controller) Activate(ctx context.Context) (ActivateResult, error) {
	result := ActivateResult{Current: c.generation}

	if err := c.transition(StateInstalled, StateActivating); err != nil {
		return result, err
	}

	names, err := c.storage.Names(ctx)
	if err != nil {
		c.log("activate").WithError(err).Warn("generation_list_failed")
	}
	for _, name := range names {
		if name == c.generation {
			continue
		}
		deleted, delErr := c.storage.Delete(ctx, name)
		if delErr != nil {
			result.Failed = append(result.Failed, DeleteFailure{Generation: name, Err: delErr.Error()})
			c.log("generation_deleted").WithError(delErr).WithField("stale", name).Warn("generation_delete_failed")
			continue
		}
		if deleted {
			result.Deleted = append(result.Deleted, name)
			c.log("generation_deleted").WithField("stale", name).Info("generation_deleted")
		}
	}

	c.setState(StateActive)
	c.log("activate").WithField("deleted", len(result.Deleted)).Info("activate_complete")

	c.host.Claim(c)
	return result, nil
}

// Retire 把被新代际取代的控制器标记为 redundant。
func (c *Controller) Retire() {
	c.setState(StateRedundant)
}

type seedOutcome struct {
	url string
	err error
}

// seedAll 并发拉取 seed；结果顺序与 seed 列表一致。
func (c *Controller) seedAll(ctx context.Context, store cache.Store) []seedOutcome {
	outcomes := make([]seedOutcome, len(c.seeds))
	var group errgroup.Group
	group.SetLimit(c.concurrency)

	for i, raw := range c.seeds {
		group.Go(func() error {
			outcomes[i] = seedOutcome{url: raw, err: c.seedOne(ctx, store, raw)}
			if outcomes[i].err != nil {
				c.log("seed_failed").WithError(outcomes[i].err).WithField("seed", raw).Warn("seed_failed")
			}
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}

func (c *Controller) seedOne(ctx context.Context, store cache.Store, raw string) error {
	target, err := c.resolveSeed(raw)
	if err != nil {
		return err
	}

	req := fetch.NewRequest(http.MethodGet, target)
	req.Mode = fetch.ModeCORS
	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("seed responded with status %d", resp.Status)
	}

	snapshot := &cache.Snapshot{
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		Type:     string(resp.Type),
		URL:      resp.URL,
		StoredAt: c.now().UTC(),
	}
	return store.Put(ctx, cache.NewKey(http.MethodGet, target.String()), snapshot)
}

func (c *Controller) resolveSeed(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid seed %q: %w", raw, err)
	}
	return c.origin.ResolveReference(parsed), nil
}

func (c *Controller) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("%w: %s requires %s, current %s", ErrInvalidState, to, from, c.state)
	}
	c.state = to
	return nil
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Controller) log(action string) *logrus.Entry {
	return c.logger.WithFields(c.fields).WithField("action", action)
}
