package server

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/site"
)

// ProxyHandler 处理已解析到站点的请求，测试中可替换为假实现。
type ProxyHandler interface {
	Handle(fiber.Ctx, *site.Site) error
}

// ProxyHandlerFunc 把普通函数适配为 ProxyHandler。
type ProxyHandlerFunc func(fiber.Ctx, *site.Site) error

func (f ProxyHandlerFunc) Handle(c fiber.Ctx, s *site.Site) error {
	return f(c, s)
}

// AppOptions 是 NewApp 的依赖集合。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *site.Registry
	Proxy      ProxyHandler
	ListenPort int
}

// localKey 作为 fiber Locals 的键，避免与其他中间件的字符串键冲突。
type localKey int

const (
	siteKey localKey = iota
	requestIDKey
)

// diagnosticsPrefix 下的路径属于管理接口，不参与 Host 路由。
const diagnosticsPrefix = "/-/"

// dispatcher 把 Host 映射到站点，再交给 ProxyHandler。
type dispatcher struct {
	logger   *logrus.Logger
	registry *site.Registry
	proxy    ProxyHandler
	port     int
}

// NewApp 构建带 Host 路由与 panic 恢复的 Fiber 应用。管理接口由调用方另行注册。
func NewApp(opts AppOptions) (*fiber.App, error) {
	switch {
	case opts.Logger == nil:
		return nil, errors.New("logger is required")
	case opts.Registry == nil:
		return nil, errors.New("site registry is required")
	case opts.Proxy == nil:
		return nil, errors.New("proxy handler is required")
	case opts.ListenPort <= 0:
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	d := &dispatcher{
		logger:   opts.Logger,
		registry: opts.Registry,
		proxy:    opts.Proxy,
		port:     opts.ListenPort,
	}

	app := fiber.New(fiber.Config{CaseSensitive: true})
	app.Use(recover.New(recover.Config{
		EnableStackTrace:  true,
		StackTraceHandler: d.logPanic,
	}))
	app.Use(d.resolve)
	app.All("/*", d.serve)
	return app, nil
}

// resolve 为每个请求分配 ID；非管理路径按 Host 查找站点，找不到直接 404。
func (d *dispatcher) resolve(c fiber.Ctx) error {
	reqID := uuid.NewString()
	c.Locals(requestIDKey, reqID)
	c.Set("X-Request-ID", reqID)

	if isDiagnostics(c) {
		return c.Next()
	}

	host := strings.TrimSpace(string(c.Request().Host()))
	s, ok := d.registry.Lookup(host)
	if !ok {
		return d.unmapped(c, host)
	}
	c.Locals(siteKey, s)
	return c.Next()
}

func (d *dispatcher) serve(c fiber.Ctx) error {
	if isDiagnostics(c) {
		return c.Next()
	}
	s, ok := c.Locals(siteKey).(*site.Site)
	if !ok || s == nil {
		return d.unmapped(c, "")
	}
	return d.proxy.Handle(c, s)
}

func (d *dispatcher) unmapped(c fiber.Ctx, host string) error {
	d.logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       d.port,
		"request_id": RequestID(c),
	}).Warn("host_unmapped")

	if host != "" {
		c.Set("X-Offline-Hub-Host", host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "host_unmapped"})
}

func (d *dispatcher) logPanic(c fiber.Ctx, e any) {
	d.logger.WithFields(logrus.Fields{
		"action":     "panic",
		"path":       c.Path(),
		"request_id": RequestID(c),
		"panic":      fmt.Sprint(e),
		"stack":      string(debug.Stack()),
	}).Error("handler_panic")
}

// RequestID 返回 resolve 中间件写入的请求 ID，未经过中间件时为空。
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(requestIDKey).(string)
	return reqID
}

func isDiagnostics(c fiber.Ctx) bool {
	return strings.HasPrefix(c.Path(), diagnosticsPrefix)
}
