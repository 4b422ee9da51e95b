package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/site"
)

// deployPayload 是 POST /-/sites/:name/deploy 的请求体，字段都可省略。
type deployPayload struct {
	Version    string   `json:"version"`
	SeedAssets []string `json:"seed_assets"`
}

// RegisterSiteRoutes 暴露 /-/sites 诊断接口：查看站点与当前缓存代际，以及手动触发新版本部署。
func RegisterSiteRoutes(app *fiber.App, registry *site.Registry, logger *logrus.Logger) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		sites := registry.List()
		payload := make([]site.Status, 0, len(sites))
		for _, s := range sites {
			payload = append(payload, s.Status(c.Context()))
		}
		return c.JSON(fiber.Map{"sites": payload})
	})

	app.Get("/-/sites/:name", func(c fiber.Ctx) error {
		s, ok := registry.Get(strings.TrimSpace(c.Params("name")))
		if !ok {
			return siteNotFound(c)
		}
		return c.JSON(s.Status(c.Context()))
	})

	app.Post("/-/sites/:name/deploy", func(c fiber.Ctx) error {
		s, ok := registry.Get(strings.TrimSpace(c.Params("name")))
		if !ok {
			return siteNotFound(c)
		}

		var payload deployPayload
		if len(c.Body()) > 0 {
			if err := c.Bind().JSON(&payload); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
			}
		}

		result, err := s.Deploy(c.Context(), payload.Version, payload.SeedAssets)
		if errors.Is(err, site.ErrInvalidDeployment) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":  "invalid_deployment",
				"detail": err.Error(),
			})
		}
		if err != nil {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"action": "deploy",
					"site":   s.Name(),
				}).WithError(err).Error("deploy_failed")
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "deploy_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(result)
	})
}

func siteNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
}
