package handler

import (
	"net/http"
	"strconv"

	"safechat/backend/internal/errutil"
	"safechat/backend/internal/escrow"
	"safechat/backend/internal/models"
	"safechat/backend/internal/moderation"

	"github.com/gin-gonic/gin"
)

type transitionRequest struct {
	Status models.BookingStatus `json:"status" binding:"required"`
}

// CreateBooking books the provider for the calling seeker.
func (h *Handler) CreateBooking(c *gin.Context) {
	actor := actorFrom(c)
	if actor.Role != models.RoleSeeker {
		c.Error(errutil.Forbidden("only seekers can create bookings"))
		return
	}

	var req escrow.CreateBookingRequest
	if !bindJSON(c, &req) {
		return
	}
	req.SeekerID = actor.UserID

	b, err := h.Bookings.Create(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	respond(c, http.StatusCreated, b)
}

func (h *Handler) TransitionBooking(c *gin.Context) {
	var req transitionRequest
	if !bindJSON(c, &req) {
		return
	}

	b, err := h.Bookings.Transition(c.Request.Context(), c.Param("id"), req.Status, actorFrom(c))
	if err != nil {
		c.Error(err)
		return
	}
	respond(c, http.StatusOK, b)
}

func (h *Handler) SubmitMessage(c *gin.Context) {
	var req moderation.SubmitRequest
	if !bindJSON(c, &req) {
		return
	}
	req.BookingID = c.Param("id")
	req.SenderID = actorFrom(c).UserID

	msg, err := h.Moderation.SubmitMessage(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	respond(c, http.StatusCreated, msg)
}

// ListMessages pages through the conversation with ?after_seq and ?limit.
func (h *Handler) ListMessages(c *gin.Context) {
	afterSeq, err := strconv.ParseInt(c.DefaultQuery("after_seq", "0"), 10, 64)
	if err != nil || afterSeq < 0 {
		c.Error(errutil.Validation("after_seq must be a non-negative integer"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		c.Error(errutil.Validation("limit must be an integer"))
		return
	}

	msgs, err := h.Moderation.History(c.Request.Context(), c.Param("id"), actorFrom(c), afterSeq, limit)
	if err != nil {
		c.Error(err)
		return
	}
	respond(c, http.StatusOK, msgs)
}

func (h *Handler) MarkRead(c *gin.Context) {
	receipt, err := h.Moderation.MarkRead(c.Request.Context(), c.Param("id"), actorFrom(c).UserID)
	if err != nil {
		c.Error(err)
		return
	}
	respond(c, http.StatusOK, receipt)
}
