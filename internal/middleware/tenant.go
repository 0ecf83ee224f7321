package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/wilgrace/session-sub001/internal/cache"
	"github.com/wilgrace/session-sub001/internal/models"
)

type organizationReader interface {
	GetBySlug(ctx context.Context, slug string) (*models.Organization, error)
}

// TenantResolver resolves the :org path segment to an organization and
// stores it in locals. Lookups go through the injected cache with a bounded
// TTL; the cache is a lookup accelerator only, the database stays the
// source of truth and a decode failure falls through to it.
func TenantResolver(orgRepo organizationReader, store cache.Cache, ttl time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		slug := strings.ToLower(strings.TrimSpace(c.Params("org")))
		if slug == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing organization"})
		}

		cacheKey := "org:" + slug
		if raw, err := store.Get(c.Context(), cacheKey); err == nil {
			var org models.Organization
			if err := json.Unmarshal(raw, &org); err == nil && org.ID > 0 {
				c.Locals("organization_id", org.ID)
				c.Locals("organization", &org)
				return c.Next()
			}
		}

		org, err := orgRepo.GetBySlug(c.Context(), slug)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Organization not found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to resolve organization"})
		}

		if raw, err := json.Marshal(org); err == nil {
			_ = store.Set(c.Context(), cacheKey, raw, ttl)
		}

		c.Locals("organization_id", org.ID)
		c.Locals("organization", org)
		return c.Next()
	}
}
