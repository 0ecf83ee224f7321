package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/wilgrace/session-sub001/internal/models"
	"github.com/wilgrace/session-sub001/internal/repository"
	"github.com/wilgrace/session-sub001/internal/services"
)

// CatalogHandler is the public browse surface: open session templates and
// their upcoming instances with live spot counts.
type CatalogHandler struct {
	templateRepo    *repository.TemplateRepository
	instanceService *services.InstanceService
}

func NewCatalogHandler(templateRepo *repository.TemplateRepository, instanceService *services.InstanceService) *CatalogHandler {
	return &CatalogHandler{templateRepo: templateRepo, instanceService: instanceService}
}

func (h *CatalogHandler) ListTemplates(c *fiber.Ctx) error {
	orgID, ok := currentOrganizationID(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing organization"})
	}

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", defaultPageLimit)
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	templates, total, err := h.templateRepo.List(c.Context(), repository.TemplateListFilter{
		OrganizationID: orgID,
		Visibility:     models.VisibilityOpen,
		Page:           page,
		Limit:          limit,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list sessions"})
	}

	return c.JSON(fiber.Map{
		"templates":  templates,
		"pagination": buildPaginationMeta(page, limit, total),
	})
}

func (h *CatalogHandler) GetTemplate(c *fiber.Ctx) error {
	orgID, ok := currentOrganizationID(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing organization"})
	}
	templateID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || templateID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid template id"})
	}

	template, err := h.templateRepo.GetByID(c.Context(), templateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch session"})
	}
	if template.OrganizationID != orgID || template.Visibility == models.VisibilityClosed {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
	}

	horizon := time.Duration(0)
	if days := c.QueryInt("days", 0); days > 0 {
		horizon = time.Duration(days) * 24 * time.Hour
	}
	instances, err := h.instanceService.ListUpcoming(c.Context(), template.ID, horizon)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list upcoming sessions"})
	}

	return c.JSON(fiber.Map{
		"template":  template,
		"instances": instances,
	})
}

func (h *CatalogHandler) GetInstance(c *fiber.Ctx) error {
	orgID, ok := currentOrganizationID(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing organization"})
	}
	instanceID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || instanceID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid instance id"})
	}

	detail, err := h.instanceService.GetInstanceDetail(c.Context(), instanceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch session"})
	}
	if detail.OrganizationID != orgID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
	}
	return c.JSON(fiber.Map{"instance": detail})
}
