package handlers

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/wilgrace/session-sub001/internal/models"
	"github.com/wilgrace/session-sub001/internal/repository"
	"github.com/wilgrace/session-sub001/internal/services"
)

type TemplateHandler struct {
	templateRepo    *repository.TemplateRepository
	instanceService *services.InstanceService
}

func NewTemplateHandler(templateRepo *repository.TemplateRepository, instanceService *services.InstanceService) *TemplateHandler {
	return &TemplateHandler{templateRepo: templateRepo, instanceService: instanceService}
}

type templateRequest struct {
	Name            string     `json:"name"`
	Description     *string    `json:"description"`
	Capacity        int        `json:"capacity"`
	DurationMinutes int        `json:"duration_minutes"`
	PricingType     string     `json:"pricing_type"`
	DropInPrice     int64      `json:"drop_in_price"`
	MemberPrice     *int64     `json:"member_price"`
	Visibility      string     `json:"visibility"`
	OneOffStartAt   *time.Time `json:"one_off_start_at"`
}

func (r *templateRequest) validate() string {
	if strings.TrimSpace(r.Name) == "" {
		return "name is required"
	}
	if r.Capacity < 1 {
		return "capacity must be at least 1"
	}
	if r.DurationMinutes < 1 {
		return "duration_minutes must be at least 1"
	}
	switch r.PricingType {
	case models.PricingTypeFree:
	case models.PricingTypePaid:
		if r.DropInPrice < 1 {
			return "drop_in_price is required for paid sessions"
		}
		if r.MemberPrice != nil && *r.MemberPrice < 0 {
			return "member_price must not be negative"
		}
	default:
		return "pricing_type must be free or paid"
	}
	switch r.Visibility {
	case "":
		r.Visibility = models.VisibilityOpen
	case models.VisibilityOpen, models.VisibilityHidden, models.VisibilityClosed:
	default:
		return "visibility must be open, hidden or closed"
	}
	return ""
}

func requireAdmin(c *fiber.Ctx) error {
	if currentRole(c) != models.RoleAdmin {
		return services.ErrForbidden
	}
	return nil
}

// List returns every template in the organization regardless of visibility,
// so hidden and closed sessions stay manageable.
func (h *TemplateHandler) List(c *fiber.Ctx) error {
	if err := requireAdmin(c); err != nil {
		return mapBookingError(c, err)
	}
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
		Page:           page,
		Limit:          limit,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list templates"})
	}
	return c.JSON(fiber.Map{
		"templates":  templates,
		"pagination": buildPaginationMeta(page, limit, total),
	})
}

func (h *TemplateHandler) Create(c *fiber.Ctx) error {
	if err := requireAdmin(c); err != nil {
		return mapBookingError(c, err)
	}
	orgID, ok := currentOrganizationID(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing organization"})
	}

	var req templateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if msg := req.validate(); msg != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
	}

	template, err := h.templateRepo.Create(c.Context(), repository.CreateTemplateInput{
		OrganizationID:  orgID,
		Name:            strings.TrimSpace(req.Name),
		Description:     req.Description,
		Capacity:        req.Capacity,
		DurationMinutes: req.DurationMinutes,
		PricingType:     req.PricingType,
		DropInPrice:     req.DropInPrice,
		MemberPrice:     req.MemberPrice,
		Visibility:      req.Visibility,
		OneOffStartAt:   req.OneOffStartAt,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create template"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"template": template})
}

func (h *TemplateHandler) Update(c *fiber.Ctx) error {
	if err := requireAdmin(c); err != nil {
		return mapBookingError(c, err)
	}
	template, res := h.ownedTemplate(c)
	if template == nil {
		return res
	}

	var req templateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if msg := req.validate(); msg != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
	}

	updated, err := h.templateRepo.Update(c.Context(), template.ID, repository.UpdateTemplateInput{
		Name:            strings.TrimSpace(req.Name),
		Description:     req.Description,
		Capacity:        req.Capacity,
		DurationMinutes: req.DurationMinutes,
		PricingType:     req.PricingType,
		DropInPrice:     req.DropInPrice,
		MemberPrice:     req.MemberPrice,
		Visibility:      req.Visibility,
		OneOffStartAt:   req.OneOffStartAt,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Template not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update template"})
	}
	return c.JSON(fiber.Map{"template": updated})
}

func (h *TemplateHandler) Delete(c *fiber.Ctx) error {
	if err := requireAdmin(c); err != nil {
		return mapBookingError(c, err)
	}
	template, res := h.ownedTemplate(c)
	if template == nil {
		return res
	}

	if err := h.templateRepo.Delete(c.Context(), template.ID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to delete template"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type scheduleRequest struct {
	Weekday      int `json:"weekday"`
	StartMinutes int `json:"start_minutes"`
}

func (h *TemplateHandler) AddSchedule(c *fiber.Ctx) error {
	if err := requireAdmin(c); err != nil {
		return mapBookingError(c, err)
	}
	template, res := h.ownedTemplate(c)
	if template == nil {
		return res
	}

	var req scheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.Weekday < 0 || req.Weekday > 6 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "weekday must be 0 (Sunday) through 6"})
	}
	if req.StartMinutes < 0 || req.StartMinutes >= 24*60 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "start_minutes must be within a day"})
	}

	schedule, err := h.templateRepo.AddSchedule(c.Context(), template.ID, req.Weekday, req.StartMinutes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict target hit: the slot already exists.
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Schedule slot already exists"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to add schedule"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"schedule": schedule})
}

func (h *TemplateHandler) ListSchedules(c *fiber.Ctx) error {
	if err := requireAdmin(c); err != nil {
		return mapBookingError(c, err)
	}
	template, res := h.ownedTemplate(c)
	if template == nil {
		return res
	}

	schedules, err := h.templateRepo.ListSchedules(c.Context(), template.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list schedules"})
	}
	return c.JSON(fiber.Map{"schedules": schedules})
}

func (h *TemplateHandler) DeleteSchedule(c *fiber.Ctx) error {
	if err := requireAdmin(c); err != nil {
		return mapBookingError(c, err)
	}
	template, res := h.ownedTemplate(c)
	if template == nil {
		return res
	}

	scheduleID, err := strconv.ParseInt(c.Params("scheduleId"), 10, 64)
	if err != nil || scheduleID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid schedule id"})
	}
	if err := h.templateRepo.DeleteSchedule(c.Context(), template.ID, scheduleID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to delete schedule"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Expand materializes instances from the template's schedules over an
// optional horizon in days.
func (h *TemplateHandler) Expand(c *fiber.Ctx) error {
	if err := requireAdmin(c); err != nil {
		return mapBookingError(c, err)
	}
	template, res := h.ownedTemplate(c)
	if template == nil {
		return res
	}

	horizon := time.Duration(0)
	if days := c.QueryInt("days", 0); days > 0 {
		horizon = time.Duration(days) * 24 * time.Hour
	}

	created, err := h.instanceService.ExpandSchedules(c.Context(), template.ID, horizon)
	if err != nil {
		return mapBookingError(c, err)
	}
	return c.JSON(fiber.Map{"created_instances": created})
}

type cancelInstanceRequest struct {
	Reason *string `json:"reason"`
}

func (h *TemplateHandler) CancelInstance(c *fiber.Ctx) error {
	if err := requireAdmin(c); err != nil {
		return mapBookingError(c, err)
	}
	orgID, ok := currentOrganizationID(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing organization"})
	}

	instanceID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || instanceID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid instance id"})
	}

	var req cancelInstanceRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}

	result, err := h.instanceService.CancelInstance(c.Context(), orgID, instanceID, req.Reason)
	if err != nil {
		return mapBookingError(c, err)
	}
	return c.JSON(fiber.Map{"result": result})
}

// ownedTemplate loads the :id template and checks it belongs to the
// request's organization.
func (h *TemplateHandler) ownedTemplate(c *fiber.Ctx) (*models.SessionTemplate, error) {
	orgID, ok := currentOrganizationID(c)
	if !ok {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing organization"})
	}
	templateID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || templateID <= 0 {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid template id"})
	}

	template, err := h.templateRepo.GetByID(c.Context(), templateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Template not found"})
		}
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch template"})
	}
	if template.OrganizationID != orgID {
		return nil, c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}
	return template, nil
}
