// Package handler exposes the trust and safety pipeline over HTTP and
// WebSocket. Successful responses are {"data": ...}; failures are
// {"error": {"code", "message", "details"}}.
package handler

import (
	"net/http"

	"safechat/backend/internal/assignment"
	"safechat/backend/internal/booking"
	"safechat/backend/internal/chathub"
	"safechat/backend/internal/errutil"
	"safechat/backend/internal/escrow"
	"safechat/backend/internal/metrics"
	"safechat/backend/internal/models"
	"safechat/backend/internal/moderation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler holds the services behind the routes.
type Handler struct {
	Hub         *chathub.ManagerService
	Moderation  *moderation.Service
	Bookings    *booking.Service
	Ledger      *escrow.Ledger
	Assignments *assignment.Service
	Auth        *Authenticator

	log *zap.Logger
}

func NewHandler(hub *chathub.ManagerService, mod *moderation.Service, bookings *booking.Service, ledger *escrow.Ledger, assignments *assignment.Service, auth *Authenticator, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Hub:         hub,
		Moderation:  mod,
		Bookings:    bookings,
		Ledger:      ledger,
		Assignments: assignments,
		Auth:        auth,
		log:         log.Named("http"),
	}
}

// NewRouter builds the gin engine with every route.
func (h *Handler) NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), ErrorRenderer(h.log))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	authed := r.Group("/", h.Auth.Middleware())
	authed.GET("/ws", h.ServeWebSocket)

	api := authed.Group("/api")

	api.POST("/bookings", h.CreateBooking)
	api.POST("/bookings/:id/status", h.TransitionBooking)
	api.POST("/bookings/:id/messages", h.SubmitMessage)
	api.GET("/bookings/:id/messages", h.ListMessages)
	api.POST("/bookings/:id/read", h.MarkRead)

	api.GET("/wallets/me", h.MyWallet)
	api.POST("/wallets/purchase", RequireRole(models.RoleAdmin), h.Purchase)

	staff := api.Group("/", RequireRole(models.StaffRoles...))
	staff.POST("/alerts/:id/resolve", h.ResolveAlert)
	staff.GET("/workload", h.Workload)

	managers := api.Group("/", RequireRole(models.RoleManager, models.RoleAdmin))
	managers.POST("/assignments", h.AssignWork)
	managers.POST("/assignments/:id/reassign", h.Reassign)

	return r
}

// ErrorRenderer writes the last error attached to the context. Non-recoverable
// errors are logged and their message is not exposed.
func ErrorRenderer(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		be := errutil.From(last.Err)
		if !be.Code.Recoverable() {
			log.Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.Error(last.Err))
			be.Message = "internal error"
			be.Details = nil
		}
		c.JSON(be.Code.HTTPStatus(), be.JSON())
	}
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"data": data})
}

// bindJSON binds the body and reports malformed input as a validation error.
func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.Error(errutil.Validation("invalid request body", errutil.WithErr(err)))
		return false
	}
	return true
}
