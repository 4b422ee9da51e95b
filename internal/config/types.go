package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述全局运行时行为，所有 Site 共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxEntrySize    int64    `mapstructure:"MaxEntrySize"`
	SeedConcurrency int      `mapstructure:"SeedConcurrency"`
}

// SiteConfig 描述一个被离线缓存托管的静态站点，以及它当前部署的缓存代际。
type SiteConfig struct {
	Name   string `mapstructure:"Name"`
	Domain string `mapstructure:"Domain"`
	// Origin 是页面眼中的站点源（scheme://host[:port]），缺省为 http://<Domain>。
	Origin   string `mapstructure:"Origin"`
	Upstream string `mapstructure:"Upstream"`
	// Product/Version 组合成缓存代际名 <Product>-<Version>，部署新版本时只需修改 Version。
	Product           string   `mapstructure:"Product"`
	Version           string   `mapstructure:"Version"`
	FallbackDocument  string   `mapstructure:"FallbackDocument"`
	DocumentExtension string   `mapstructure:"DocumentExtension"`
	CDNMarkers        []string `mapstructure:"CDNMarkers"`
	FontMarkers       []string `mapstructure:"FontMarkers"`
	SeedAssets        []string `mapstructure:"SeedAssets"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// GenerationName 返回当前配置对应的缓存代际名。
func (s SiteConfig) GenerationName() string {
	return s.Product + "-" + s.Version
}

// Generations 返回所有 Site 的代际摘要，例如 portfolio:dve-patel-v2。
func Generations(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.GenerationName())
	}
	return result
}

// FindSite 按名称查找 Site 配置。
func (c *Config) FindSite(name string) (SiteConfig, bool) {
	if c == nil {
		return SiteConfig{}, false
	}
	for _, site := range c.Sites {
		if site.Name == name {
			return site, true
		}
	}
	return SiteConfig{}, false
}
