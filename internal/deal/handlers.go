package deal

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pmattes/escrowd/internal/pagination"
	"github.com/pmattes/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for deal operations.
//
// Caller identity rides on the X-User-ID and X-User-Handle headers set by
// the transport adapter (the chat relay, in production).
type Handler struct {
	service *Service
}

// NewHandler creates a new deal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the party-facing deal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deals", h.CreateOffer)
	r.GET("/deals", h.ListMine)
	r.GET("/deals/:id", h.GetStatus)
	r.POST("/deals/:id/accept", h.Accept)
	r.POST("/deals/:id/decline", h.Decline)
	r.POST("/deals/:id/cancel", h.CancelUnfunded)
	r.POST("/deals/:id/payout-address", h.SetPayoutAddress)
	r.GET("/deals/:id/quote", h.ConfirmAmount)
	r.POST("/deals/:id/release", h.Finalise)
	r.POST("/deals/:id/dispute", h.OpenDispute)
	r.POST("/messages", h.CollectReason)
}

// RegisterWebhookRoutes sets up the wallet-callback routes.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/deals/:id/funded", h.MarkFunded)
}

// RegisterAdminRoutes sets up the admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/deals", h.ListRecent)
	r.GET("/deals/summary", h.Summary)
	r.GET("/deals/:id", h.GetStatus)
	r.GET("/deals/:id/disputes", h.ListDisputes)
	r.POST("/deals/:id/resolve", h.Resolve)
	r.POST("/deals/:id/cancel-offer", h.CancelPendingOffer)
}

func caller(c *gin.Context) (Caller, bool) {
	id, err := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "missing_identity",
			"message": "X-User-ID header must carry the caller's numeric identity",
		})
		return Caller{}, false
	}
	return Caller{ID: id, Handle: c.GetHeader("X-User-Handle")}, true
}

func dealID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_deal_id",
			"message": "deal id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

// mapError translates service errors to HTTP responses. Every error names
// the precondition that failed; the service wraps sentinels with the
// specifics.
func mapError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	tag := "internal_error"

	switch {
	case errors.Is(err, ErrDealNotFound), errors.Is(err, ErrDisputeNotFound):
		code, tag = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		code, tag = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalidStatus):
		code, tag = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrDuplicateDispute):
		code, tag = http.StatusConflict, "duplicate_dispute"
	case errors.Is(err, ErrInvalidAmount):
		code, tag = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidSplit):
		code, tag = http.StatusBadRequest, "invalid_split"
	case errors.Is(err, ErrInvalidTag):
		code, tag = http.StatusBadRequest, "invalid_tag"
	case errors.Is(err, ErrMissingPayoutAddress):
		code, tag = http.StatusPreconditionFailed, "missing_payout_address"
	case errors.Is(err, ErrNonPositivePayout):
		code, tag = http.StatusUnprocessableEntity, "non_positive_payout"
	}

	c.JSON(code, gin.H{"error": tag, "message": err.Error()})
}

// CreateOffer handles POST /v1/deals
func (h *Handler) CreateOffer(c *gin.Context) {
	buyer, ok := caller(c)
	if !ok {
		return
	}

	var req CreateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("sellerTag", req.SellerTag),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.CreateOffer(c.Request.Context(), buyer, req)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"deal": d})
}

// GetStatus handles GET /v1/deals/:id
func (h *Handler) GetStatus(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := dealID(c)
	if !ok {
		return
	}

	d, err := h.service.GetStatus(c.Request.Context(), cl, id)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// Accept handles POST /v1/deals/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := dealID(c)
	if !ok {
		return
	}

	result, err := h.service.Accept(c.Request.Context(), cl, id)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deal":          result.Deal,
		"instructions":  result.Instructions,
		"buyerNotified": result.BuyerNotified,
	})
}

// Decline handles POST /v1/deals/:id/decline
func (h *Handler) Decline(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := dealID(c)
	if !ok {
		return
	}

	d, err := h.service.Decline(c.Request.Context(), cl, id)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// CancelUnfunded handles POST /v1/deals/:id/cancel
func (h *Handler) CancelUnfunded(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := dealID(c)
	if !ok {
		return
	}

	d, err := h.service.CancelUnfunded(c.Request.Context(), cl, id)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// SetPayoutAddress handles POST /v1/deals/:id/payout-address
func (h *Handler) SetPayoutAddress(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := dealID(c)
	if !ok {
		return
	}

	var req struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.SetPayoutAddress(c.Request.Context(), cl, id, req.Address)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// ConfirmAmount handles GET /v1/deals/:id/quote
func (h *Handler) ConfirmAmount(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := dealID(c)
	if !ok {
		return
	}

	quote, err := h.service.ConfirmAmount(c.Request.Context(), cl, id)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

// Finalise handles POST /v1/deals/:id/release
func (h *Handler) Finalise(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := dealID(c)
	if !ok {
		return
	}

	d, settlement, err := h.service.Finalise(c.Request.Context(), cl, id)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d, "settlement": settlement})
}

// OpenDispute handles POST /v1/deals/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := dealID(c)
	if !ok {
		return
	}

	var req OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	disp, err := h.service.OpenDispute(c.Request.Context(), cl, id, req)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": disp})
}

// CollectReason handles POST /v1/messages
//
// The transport relays every free-form message here; ones from users with
// a pending dispute filing become the dispute reason, the rest are
// acknowledged and dropped.
func (h *Handler) CollectReason(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}

	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	attached, err := h.service.CollectReason(c.Request.Context(), cl.ID, req.Text)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"attached": attached})
}

// MarkFunded handles POST /v1/hooks/deals/:id/funded
func (h *Handler) MarkFunded(c *gin.Context) {
	id, ok := dealID(c)
	if !ok {
		return
	}

	var req struct {
		Confirmations int    `json:"confirmations"`
		TxID          string `json:"txid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Confirmations < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "confirmations must not be negative",
		})
		return
	}

	d, err := h.service.MarkFunded(c.Request.Context(), id, req.Confirmations, req.TxID)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// Resolve handles POST /v1/admin/deals/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := dealID(c)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, settlement, err := h.service.Resolve(c.Request.Context(), cl, id, req)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d, "settlement": settlement})
}

// CancelPendingOffer handles POST /v1/admin/deals/:id/cancel-offer
func (h *Handler) CancelPendingOffer(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := dealID(c)
	if !ok {
		return
	}

	d, err := h.service.CancelPendingOffer(c.Request.Context(), cl, id)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// ListDisputes handles GET /v1/admin/deals/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := dealID(c)
	if !ok {
		return
	}

	disputes, err := h.service.Disputes(c.Request.Context(), cl, id)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// Summary handles GET /v1/admin/deals/summary
func (h *Handler) Summary(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}

	counts, err := h.service.Summary(c.Request.Context(), cl)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

// ListRecent handles GET /v1/admin/deals with cursor pagination and an
// optional status filter.
func (h *Handler) ListRecent(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
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

	var beforeID int64
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}
	if cursor != nil {
		beforeID = cursor.ID
	}

	// Fetch one extra row to detect whether a further page exists.
	var deals []*Deal
	if st := c.Query("status"); st != "" {
		status := Status(strings.ToUpper(st))
		if !status.Known() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_status",
				"message": "unknown status filter",
			})
			return
		}
		deals, err = h.service.ListByStatus(c.Request.Context(), cl, status, beforeID, limit+1)
	} else {
		deals, err = h.service.ListRecent(c.Request.Context(), cl, beforeID, limit+1)
	}
	if err != nil {
		mapError(c, err)
		return
	}

	deals, next, hasMore := pagination.ComputePage(deals, limit, func(d *Deal) (time.Time, int64) {
		return d.CreatedAt, d.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"deals":      deals,
		"count":      len(deals),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// ListMine handles GET /v1/deals
func (h *Handler) ListMine(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
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

	deals, err := h.service.ListMine(c.Request.Context(), cl, limit)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deals": deals, "count": len(deals)})
}
