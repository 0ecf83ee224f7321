package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/wilgrace/session-sub001/internal/models"
	"github.com/wilgrace/session-sub001/internal/services"
)

var timeNow = time.Now

type membershipService interface {
	CreateTier(ctx context.Context, input services.CreateTierInput) (*models.Membership, error)
	ListTiers(ctx context.Context, organizationID int64) ([]models.Membership, error)
	GetUserMembership(ctx context.Context, userID int64, organizationID int64) (*models.UserMembership, error)
}

type MembershipHandler struct {
	membershipService membershipService
}

func NewMembershipHandler(service membershipService) *MembershipHandler {
	return &MembershipHandler{membershipService: service}
}

type createTierRequest struct {
	Name              string `json:"name"`
	Price             int64  `json:"price"`
	BillingPeriod     string `json:"billing_period"`
	DiscountType      string `json:"discount_type"`
	DiscountPercent   int    `json:"discount_percent"`
	FixedSessionPrice *int64 `json:"fixed_session_price"`
}

func (h *MembershipHandler) CreateTier(c *fiber.Ctx) error {
	if err := requireAdmin(c); err != nil {
		return mapBookingError(c, err)
	}
	orgID, ok := currentOrganizationID(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing organization"})
	}

	var req createTierRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	tier, err := h.membershipService.CreateTier(c.Context(), services.CreateTierInput{
		OrganizationID:    orgID,
		Name:              req.Name,
		Price:             req.Price,
		BillingPeriod:     req.BillingPeriod,
		DiscountType:      req.DiscountType,
		DiscountPercent:   req.DiscountPercent,
		FixedSessionPrice: req.FixedSessionPrice,
	})
	if err != nil {
		return mapBookingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"membership": tier})
}

func (h *MembershipHandler) ListTiers(c *fiber.Ctx) error {
	orgID, ok := currentOrganizationID(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing organization"})
	}

	tiers, err := h.membershipService.ListTiers(c.Context(), orgID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list memberships"})
	}
	return c.JSON(fiber.Map{"memberships": tiers})
}

// MyMembership returns the caller's subscription state in this
// organization, including whether benefits currently apply.
func (h *MembershipHandler) MyMembership(c *fiber.Ctx) error {
	userID, err := parseAuthUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	orgID, ok := currentOrganizationID(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing organization"})
	}

	membership, err := h.membershipService.GetUserMembership(c.Context(), userID, orgID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch membership"})
	}
	if membership == nil {
		return c.JSON(fiber.Map{"membership": nil, "active_for_benefits": false})
	}
	return c.JSON(fiber.Map{
		"membership":          membership,
		"active_for_benefits": membership.IsActiveForBenefits(timeNow()),
	})
}
