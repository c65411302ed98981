package broker

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fairbroker/fairbroker/internal/validation"
)

// Handler provides HTTP endpoints for offer operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) offer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
}

// RegisterProtectedRoutes sets up protected (auth-required) offer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.POST("/offers/:id/accept", h.AcceptOffer)
	r.POST("/offers/:id/complete", h.CompleteOffer)
	r.POST("/offers/:id/cancel", h.CancelOffer)
	r.POST("/offers/:id/dispute", h.OpenDispute)
	r.POST("/offers/:id/resolve", h.ResolveDispute)
}

// CreateRequest is the body for POST /v1/offers.
type CreateRequest struct {
	Arbiter        string    `json:"arbiter" binding:"required"`
	AssetAmount    uint64    `json:"assetAmount" binding:"required"`
	OffChainAmount uint64    `json:"offChainAmount"`
	Direction      Direction `json:"direction" binding:"required"`
}

// ResolveRequest is the body for POST /v1/offers/:id/resolve.
type ResolveRequest struct {
	FavorCreator *bool `json:"favorCreator" binding:"required"`
}

// offerError maps service errors to an HTTP status and error code.
func offerError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrOfferNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrNotAParticipant):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrAlreadyMatched), errors.Is(err, ErrNotMatched),
		errors.Is(err, ErrAlreadyMarkedComplete),
		errors.Is(err, ErrDisputeAlreadyOpen), errors.Is(err, ErrDisputeNotOpen):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrNotInitialized):
		return http.StatusServiceUnavailable, "not_ready"
	}
	return http.StatusInternalServerError, "internal_error"
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "arbiter, assetAmount and direction are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidIdentity("arbiter", req.Arbiter),
		validation.ValidDirection("direction", string(req.Direction)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	caller := c.GetString("authIdentity")
	offer, err := h.service.Create(c.Request.Context(), caller, req.Arbiter,
		req.AssetAmount, req.OffChainAmount, req.Direction)
	if err != nil {
		status, code := offerError(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Offer id must be a positive integer",
		})
		return
	}

	offer, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		status, code := offerError(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// ListOffers handles GET /v1/offers
func (h *Handler) ListOffers(c *gin.Context) {
	q := Query{
		Creator:      c.Query("creator"),
		Direction:    Direction(c.Query("direction")),
		OpenOnly:     c.Query("open") == "true",
		DisputedOnly: c.Query("disputed") == "true",
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	offers, err := h.service.List(c.Request.Context(), q, limit)
	if err != nil {
		status, code := offerError(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"offers": offers,
		"count":  len(offers),
	})
}

// AcceptOffer handles POST /v1/offers/:id/accept
func (h *Handler) AcceptOffer(c *gin.Context) {
	h.mutate(c, func(caller string, id uint64) (*Offer, error) {
		return h.service.Accept(c.Request.Context(), caller, id)
	})
}

// CompleteOffer handles POST /v1/offers/:id/complete
func (h *Handler) CompleteOffer(c *gin.Context) {
	h.mutate(c, func(caller string, id uint64) (*Offer, error) {
		return h.service.Complete(c.Request.Context(), caller, id)
	})
}

// OpenDispute handles POST /v1/offers/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	h.mutate(c, func(caller string, id uint64) (*Offer, error) {
		return h.service.OpenDispute(c.Request.Context(), caller, id)
	})
}

// CancelOffer handles POST /v1/offers/:id/cancel
func (h *Handler) CancelOffer(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Offer id must be a positive integer",
		})
		return
	}

	caller := c.GetString("authIdentity")
	if err := h.service.Cancel(c.Request.Context(), caller, id); err != nil {
		status, code := offerError(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": true, "id": id})
}

// ResolveDispute handles POST /v1/offers/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Offer id must be a positive integer",
		})
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "favorCreator is required",
		})
		return
	}

	caller := c.GetString("authIdentity")
	offer, err := h.service.ResolveDispute(c.Request.Context(), caller, id, *req.FavorCreator)
	if err != nil {
		status, code := offerError(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// mutate runs a caller/id offer operation shared by the single-actor routes.
func (h *Handler) mutate(c *gin.Context, op func(caller string, id uint64) (*Offer, error)) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Offer id must be a positive integer",
		})
		return
	}

	offer, err := op(c.GetString("authIdentity"), id)
	if err != nil {
		status, code := offerError(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": offer})
}
