package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage 管理同一站点下的全部缓存代际。磁盘布局遵循：
//
//	<StoragePath>/<Site>/<Product>-<Version>/<sha1(key)>.body
//	<StoragePath>/<Site>/<Product>-<Version>/<sha1(key)>.json
type Storage interface {
	// Open 返回指定代际的 Store，不存在时创建。重复打开返回同一个句柄。
	Open(ctx context.Context, name string) (Store, error)

	// Names 返回磁盘上存在的全部代际名，按字典序排列。
	Names(ctx context.Context) ([]string, error)

	// Delete 整体删除一个代际，并让已打开的句柄失效。代际不存在时返回 false。
	Delete(ctx context.Context, name string) (bool, error)
}

// Store 表示单个代际的请求 → 响应快照映射。
type Store interface {
	// Name 返回代际名。
	Name() string

	// Match 精确匹配 Key。未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Snapshot, error)

	// Put 写入（或覆盖）一个条目，后写入者胜出。
	Put(ctx context.Context, key Key, snapshot *Snapshot) error

	// Keys 返回当前代际内的全部 Key，按 String() 排序。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一定位一个缓存条目（方法 + 完整 URL）。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化方法名（空方法视为 GET），并把 URL 的 scheme 与 host 转为小写，
// 这样种子里写成 Fonts.GoogleAPIs.com 的条目也能被运行期请求命中。
func NewKey(method, rawURL string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: canonicalURL(rawURL)}
}

// canonicalURL 只改写 scheme 与 host；解析失败或已是小写时原样返回。
func canonicalURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	scheme, host := strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host)
	if scheme == parsed.Scheme && host == parsed.Host {
		return rawURL
	}
	parsed.Scheme, parsed.Host = scheme, host
	return parsed.String()
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Snapshot 是一次响应的完整副本，读写双方互不共享底层切片。
type Snapshot struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	Type     string      `json:"type"`
	URL      string      `json:"url"`
	StoredAt time.Time   `json:"stored_at"`
}

// GenerationName 拼接代际名 <product>-<version>。
func GenerationName(product, version string) string {
	return product + "-" + version
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreRetired 表示代际已被删除，句柄不再接受写入。
	ErrStoreRetired = errors.New("cache generation retired")
)
