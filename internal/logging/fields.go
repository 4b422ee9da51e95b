package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SiteFields 提供 site/代际字段，供生命周期日志复用。
func SiteFields(site, generation string) logrus.Fields {
	return logrus.Fields{
		"site":       site,
		"generation": generation,
	}
}

// RequestFields 提供 site/domain/代际/路由/来源字段，供拦截请求日志复用。
func RequestFields(site, domain, generation, route, source string) logrus.Fields {
	return logrus.Fields{
		"site":       site,
		"domain":     domain,
		"generation": generation,
		"route":      route,
		"source":     source,
		"cache_hit":  source == "cache" || source == "fallback",
	}
}
