package handler

import (
	"net/http"

	"safechat/backend/internal/escrow"

	"github.com/gin-gonic/gin"
)

// MyWallet returns the caller's wallet and ledger rows.
func (h *Handler) MyWallet(c *gin.Context) {
	ctx := c.Request.Context()
	userID := actorFrom(c).UserID

	w, err := h.Ledger.Wallet(ctx, userID)
	if err != nil {
		c.Error(err)
		return
	}
	txs, err := h.Ledger.Transactions(ctx, userID)
	if err != nil {
		c.Error(err)
		return
	}
	respond(c, http.StatusOK, gin.H{"wallet": w, "transactions": txs})
}

// Purchase credits a captured gateway payment.
func (h *Handler) Purchase(c *gin.Context) {
	var req escrow.PurchaseRequest
	if !bindJSON(c, &req) {
		return
	}

	tx, err := h.Ledger.Purchase(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	respond(c, http.StatusOK, tx)
}
