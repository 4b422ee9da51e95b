package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/fetch"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/router"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/site"
)

// 响应头：路由结果、响应来源与当前缓存代际，便于在浏览器开发者工具中排查。
const (
	headerRoute      = "X-Offline-Hub-Route"
	headerSource     = "X-Offline-Hub-Source"
	headerGeneration = "X-Offline-Hub-Generation"
)

// Handler 把 Fiber 请求转换为被拦截的页面请求，交给站点的 Router 处理；
// 未被处理的请求按默认网络行为透传。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, s *site.Site) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := buildRequest(c, s)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"action":     "intercept",
			"site":       s.Name(),
			"request_id": requestID,
		}).WithError(err).Warn("invalid_request_path")
		return h.writeError(c, fiber.StatusBadRequest, "invalid_path")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	outcome, generation, err := s.Intercept(ctx, req)
	if err != nil {
		h.logResult(s, req, generation, outcome.Route, "", requestID, 0, started, err)
		if errors.Is(err, router.ErrDocumentUnavailable) || errors.Is(err, router.ErrAssetUnavailable) {
			return h.writeError(c, fiber.StatusGatewayTimeout, "offline_unavailable")
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	if !outcome.Handled {
		return h.passthrough(ctx, c, s, req, generation, requestID, started)
	}

	h.writeResponse(c, outcome.Response, outcome.Route, outcome.Source, generation)
	h.logResult(s, req, generation, outcome.Route, outcome.Source, requestID, outcome.Response.Status, started, nil)
	return nil
}

func (h *Handler) passthrough(
	ctx context.Context,
	c fiber.Ctx,
	s *site.Site,
	req *fetch.Request,
	generation string,
	requestID string,
	started time.Time,
) error {
	resp, err := s.Passthrough(ctx, req)
	if err != nil {
		h.logPassthrough(s, req, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	h.writeResponse(c, resp, router.RouteUnhandled, router.SourceNetwork, generation)
	h.logPassthrough(s, req, requestID, resp.Status, started, nil)
	return nil
}

func (h *Handler) writeResponse(c fiber.Ctx, resp *fetch.Response, route router.Route, source router.Source, generation string) {
	copyResponseHeaders(c, resp.Header)
	c.Set(headerRoute, string(route))
	c.Set(headerSource, string(source))
	if generation != "" {
		c.Set(headerGeneration, generation)
	}
	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		c.Response().SkipBody = true
		return
	}
	c.Response().SetBodyRaw(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	s *site.Site,
	req *fetch.Request,
	generation string,
	route router.Route,
	source router.Source,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(s.Name(), s.Domain(), generation, string(route), string(source))
	fields["action"] = "intercept"
	fields["method"] = req.Method
	fields["url"] = req.URL.String()
	fields["mode"] = string(req.Mode)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Warn("intercept_unavailable")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

func (h *Handler) logPassthrough(s *site.Site, req *fetch.Request, requestID string, status int, started time.Time, err error) {
	fields := logrus.Fields{
		"action":     "passthrough",
		"site":       s.Name(),
		"domain":     s.Domain(),
		"method":     req.Method,
		"url":        req.URL.String(),
		"status":     status,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Error("passthrough_failed")
		return
	}
	h.logger.WithFields(fields).Debug("passthrough_complete")
}

// buildRequest 从 Fiber 请求还原页面视角的 fetch.Request，Mode/Destination 取自 Sec-Fetch-* 头。
func buildRequest(c fiber.Ctx, s *site.Site) (*fetch.Request, error) {
	uri := c.Request().URI()
	target, err := s.RequestURL(string(uri.Path()), string(uri.QueryString()))
	if err != nil {
		return nil, err
	}

	req := fetch.NewRequest(c.Method(), target)
	req.Mode = fetch.Mode(c.Get("Sec-Fetch-Mode"))
	req.Destination = c.Get("Sec-Fetch-Dest")
	req.Header = fiberHeadersAsHTTP(c)
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req, nil
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
