package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[[Site]]
Name = "portfolio"
Domain = "portfolio.local"
Upstream = "http://127.0.0.1:8080"
Version = "v1"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsRelativeSeedWithoutSlash(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[Site]]
Name = "portfolio"
Domain = "portfolio.local"
Upstream = "http://127.0.0.1:8080"
Version = "v1"
SeedAssets = ["style.css"]
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("不以 / 开头的相对 seed 应失败")
	}
}
