package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/wilgrace/session-sub001/internal/models"
	"github.com/wilgrace/session-sub001/internal/pricing"
	"github.com/wilgrace/session-sub001/internal/repository"
	"github.com/wilgrace/session-sub001/internal/services"
)

type bookingService interface {
	CreateBooking(ctx context.Context, input services.CreateBookingInput) (*models.BookingDetail, error)
	ListBookings(ctx context.Context, filter repository.BookingListFilter) ([]models.BookingDetail, error)
	GetBooking(ctx context.Context, actorID int64, role string, bookingID int64) (*models.BookingDetail, error)
	GetBookingByReference(ctx context.Context, reference string) (*models.BookingDetail, error)
	CancelBooking(ctx context.Context, actorID int64, role string, bookingID int64) (*models.Booking, error)
	CheckIn(ctx context.Context, organizationID int64, bookingID int64) (*models.Booking, error)
	SpotsRemaining(ctx context.Context, instanceID int64) (int, error)
	PriceQuote(ctx context.Context, organizationID int64, templateID int64, spots int, userID *int64) (*pricing.Total, error)
}

type BookingHandler struct {
	bookingService bookingService
}

func NewBookingHandler(service bookingService) *BookingHandler {
	return &BookingHandler{bookingService: service}
}

type createBookingRequest struct {
	SessionInstanceID int64  `json:"session_instance_id"`
	Spots             int    `json:"spots"`
	JoinMembershipID  *int64 `json:"join_membership_id"`
}

func (h *BookingHandler) Create(c *fiber.Ctx) error {
	userID, err := parseAuthUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	orgID, ok := currentOrganizationID(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing organization"})
	}

	var req createBookingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.SessionInstanceID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "session_instance_id is required"})
	}
	if req.Spots < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "spots must be at least 1"})
	}

	booking, err := h.bookingService.CreateBooking(c.Context(), services.CreateBookingInput{
		OrganizationID:    orgID,
		SessionInstanceID: req.SessionInstanceID,
		UserID:            userID,
		Spots:             req.Spots,
		JoinMembershipID:  req.JoinMembershipID,
	})
	if err != nil {
		return mapBookingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"booking": booking})
}

func (h *BookingHandler) List(c *fiber.Ctx) error {
	userID, err := parseAuthUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	orgID, ok := currentOrganizationID(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing organization"})
	}

	timeframe := strings.TrimSpace(c.Query("timeframe"))
	if timeframe != "" && timeframe != "upcoming" && timeframe != "past" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "timeframe must be upcoming or past"})
	}

	filter := repository.BookingListFilter{
		OrganizationID: orgID,
		Status:         strings.TrimSpace(c.Query("status")),
		Timeframe:      timeframe,
	}
	if currentRole(c) == models.RoleAdmin {
		if instanceID := c.QueryInt("instance_id", 0); instanceID > 0 {
			filter.SessionInstanceID = int64(instanceID)
		}
		if filterUser := c.QueryInt("user_id", 0); filterUser > 0 {
			filter.UserID = int64(filterUser)
		}
	} else {
		filter.UserID = userID
	}

	bookings, err := h.bookingService.ListBookings(c.Context(), filter)
	if err != nil {
		return mapBookingError(c, err)
	}
	return c.JSON(fiber.Map{"bookings": bookings})
}

func (h *BookingHandler) Get(c *fiber.Ctx) error {
	userID, err := parseAuthUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	bookingID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || bookingID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid booking id"})
	}

	booking, err := h.bookingService.GetBooking(c.Context(), userID, currentRole(c), bookingID)
	if err != nil {
		return mapBookingError(c, err)
	}
	return c.JSON(fiber.Map{"booking": booking})
}

func (h *BookingHandler) Cancel(c *fiber.Ctx) error {
	userID, err := parseAuthUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	bookingID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || bookingID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid booking id"})
	}

	booking, err := h.bookingService.CancelBooking(c.Context(), userID, currentRole(c), bookingID)
	if err != nil {
		return mapBookingError(c, err)
	}
	return c.JSON(fiber.Map{"booking": booking})
}

func (h *BookingHandler) CheckIn(c *fiber.Ctx) error {
	if err := requireAdmin(c); err != nil {
		return mapBookingError(c, err)
	}
	orgID, ok := currentOrganizationID(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing organization"})
	}
	bookingID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || bookingID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid booking id"})
	}

	booking, err := h.bookingService.CheckIn(c.Context(), orgID, bookingID)
	if err != nil {
		return mapBookingError(c, err)
	}
	return c.JSON(fiber.Map{"booking": booking})
}

// StatusByReference is the polling target for clients waiting out an
// asynchronous payment confirmation. References are unguessable, so this
// endpoint needs no auth; it returns only the lifecycle fields.
func (h *BookingHandler) StatusByReference(c *fiber.Ctx) error {
	reference := strings.TrimSpace(c.Params("reference"))
	if reference == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid reference"})
	}

	booking, err := h.bookingService.GetBookingByReference(c.Context(), reference)
	if err != nil {
		return mapBookingError(c, err)
	}
	return c.JSON(fiber.Map{
		"reference":      booking.Reference,
		"status":         booking.Status,
		"payment_status": booking.PaymentStatus,
	})
}

func (h *BookingHandler) SpotsRemaining(c *fiber.Ctx) error {
	instanceID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || instanceID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid instance id"})
	}

	remaining, err := h.bookingService.SpotsRemaining(c.Context(), instanceID)
	if err != nil {
		return mapBookingError(c, err)
	}
	return c.JSON(fiber.Map{"spots_remaining": remaining})
}

func (h *BookingHandler) PriceQuote(c *fiber.Ctx) error {
	orgID, ok := currentOrganizationID(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing organization"})
	}
	templateID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || templateID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid template id"})
	}
	spots := c.QueryInt("spots", 1)
	if spots < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "spots must be at least 1"})
	}

	var userID *int64
	if id, err := parseAuthUserID(c); err == nil {
		userID = &id
	}

	quote, err := h.bookingService.PriceQuote(c.Context(), orgID, templateID, spots, userID)
	if err != nil {
		return mapBookingError(c, err)
	}
	return c.JSON(fiber.Map{"quote": quote})
}
