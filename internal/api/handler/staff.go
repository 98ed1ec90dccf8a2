package handler

import (
	"net/http"

	"safechat/backend/internal/errutil"
	"safechat/backend/internal/models"

	"github.com/gin-gonic/gin"
)

type assignRequest struct {
	ItemID   string          `json:"item_id" binding:"required"`
	ItemType models.ItemType `json:"item_type" binding:"required"`
}

type reassignRequest struct {
	EmployeeID string `json:"employee_id" binding:"required"`
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) AssignWork(c *gin.Context) {
	var req assignRequest
	if !bindJSON(c, &req) {
		return
	}

	employeeID, err := h.Assignments.AssignWork(c.Request.Context(), req.ItemID, req.ItemType)
	if err != nil {
		c.Error(err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"employee_id": employeeID})
}

func (h *Handler) Reassign(c *gin.Context) {
	var req reassignRequest
	if !bindJSON(c, &req) {
		return
	}

	a, err := h.Assignments.Reassign(c.Request.Context(), c.Param("id"), req.EmployeeID)
	if err != nil {
		c.Error(err)
		return
	}
	respond(c, http.StatusOK, a)
}

func (h *Handler) ResolveAlert(c *gin.Context) {
	var req resolveRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	alert, err := h.Moderation.ResolveAlert(c.Request.Context(), c.Param("id"), actorFrom(c), req.Notes)
	if err != nil {
		c.Error(err)
		return
	}
	respond(c, http.StatusOK, alert)
}

// Workload returns the caller's workload. Managers and admins may pass
// ?employee_id, or ?all=true for every staff member.
func (h *Handler) Workload(c *gin.Context) {
	actor := actorFrom(c)
	employeeID := c.Query("employee_id")
	all := c.Query("all") == "true"

	if (all || (employeeID != "" && employeeID != actor.UserID)) && !actor.Role.CanOverride() {
		c.Error(errutil.Forbidden("only managers can view other workloads"))
		return
	}

	if all {
		ws, err := h.Assignments.WorkloadAll(c.Request.Context())
		if err != nil {
			c.Error(err)
			return
		}
		respond(c, http.StatusOK, ws)
		return
	}

	if employeeID == "" {
		employeeID = actor.UserID
	}
	w, err := h.Assignments.Workload(c.Request.Context(), employeeID)
	if err != nil {
		c.Error(err)
		return
	}
	respond(c, http.StatusOK, w)
}
