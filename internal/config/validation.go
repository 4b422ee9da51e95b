package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxEntrySize <= 0 {
		return newFieldError("Global.MaxEntrySize", "必须大于 0")
	}
	if g.SeedConcurrency <= 0 {
		return newFieldError("Global.SeedConcurrency", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if strings.ContainsAny(site.Name, `/\ `) {
			return newFieldError(siteField(site.Name, "Name"), "不允许包含路径分隔符或空格")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if _, exists := seenDomains[site.Domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "与其他 Site 重复")
		}
		seenDomains[site.Domain] = struct{}{}

		if err := validateHTTPURL(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if err := validateOrigin(site.Origin); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Origin"), err)
		}

		if err := site.ValidateDeployment(); err != nil {
			return err
		}
		if !strings.HasPrefix(site.FallbackDocument, "/") {
			return newFieldError(siteField(site.Name, "FallbackDocument"), "必须是以 / 开头的站内路径")
		}
		if !strings.HasPrefix(site.DocumentExtension, ".") {
			return newFieldError(siteField(site.Name, "DocumentExtension"), "必须以 . 开头")
		}
	}

	return nil
}

// ValidateDeployment 校验决定缓存代际内容的字段（Version 与 SeedAssets），
// 配置加载与运行期手动部署共用同一套规则。
func (s SiteConfig) ValidateDeployment() error {
	if strings.TrimSpace(s.Version) == "" {
		return newFieldError(siteField(s.Name, "Version"), "不能为空")
	}
	if strings.ContainsAny(s.GenerationName(), `/\ `) {
		return newFieldError(siteField(s.Name, "Product/Version"), "不允许包含路径分隔符或空格")
	}
	for idx, seed := range s.SeedAssets {
		if err := validateSeed(seed); err != nil {
			return fmt.Errorf("%s: %w", siteField(s.Name, fmt.Sprintf("SeedAssets[%d]", idx)), err)
		}
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}

func validateOrigin(raw string) error {
	if err := validateHTTPURL(raw); err != nil {
		return err
	}
	parsed, _ := url.Parse(raw)
	if parsed.Path != "" || parsed.RawQuery != "" {
		return fmt.Errorf("Origin 只能包含 scheme 与 host: %s", raw)
	}
	return nil
}

func validateSeed(raw string) error {
	seed := strings.TrimSpace(raw)
	if seed == "" {
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(seed)
	if err != nil {
		return err
	}
	if parsed.IsAbs() {
		return validateHTTPURL(seed)
	}
	if !strings.HasPrefix(parsed.Path, "/") {
		return fmt.Errorf("相对地址必须以 / 开头: %s", seed)
	}
	return nil
}
