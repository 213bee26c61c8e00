package httpapi

import (
	"net/http"

	"dropproof/pkg/db/pagination"
	"dropproof/pkg/errutil"
	"dropproof/services/cashout"

	"github.com/gin-gonic/gin"
)

type rejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.ledger.GetWallet(c.Request.Context(), identity(c).UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet":           w,
		"available_points": w.AvailablePoints(),
	})
}

func (h *Handler) ListLedgerEntries(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	rows, err := h.ledger.ListEntries(c.Request.Context(), identity(c).UserID, page.FetchLimit(), page.Normalize().Offset)
	if err != nil {
		_ = c.Error(err)
		return
	}
	data, info := pagination.BuildPageInfo(rows, page)
	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": info})
}

func (h *Handler) CreateCashout(c *gin.Context) {
	var req cashout.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}
	req.UserID = identity(c).UserID

	co, err := h.cashouts.Create(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, co)
}

func (h *Handler) ListCashouts(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	rows, err := h.cashouts.ListByUser(c.Request.Context(), identity(c).UserID, page.FetchLimit(), page.Normalize().Offset)
	if err != nil {
		_ = c.Error(err)
		return
	}
	data, info := pagination.BuildPageInfo(rows, page)
	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": info})
}

func (h *Handler) GetCashout(c *gin.Context) {
	ctx := c.Request.Context()

	co, err := h.cashouts.Get(ctx, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	id := identity(c)
	if !privileged(id) && co.UserID != id.UserID {
		_ = c.Error(errutil.NotFound("cashout not found", nil))
		return
	}

	events, err := h.cashouts.ListEvents(ctx, co.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	resp := gin.H{"cashout": co, "events": events}
	if privileged(id) {
		txns, err := h.cashouts.ListTransactions(ctx, co.ID)
		if err != nil {
			_ = c.Error(err)
			return
		}
		resp["transactions"] = txns
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) RejectCashout(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	co, err := h.cashouts.Reject(c.Request.Context(), c.Param("id"), identity(c).UserID, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, co)
}

func (h *Handler) ReconcileCashout(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := h.cashouts.Get(ctx, id); err != nil {
		_ = c.Error(err)
		return
	}
	if err := h.reconciliation.EnqueueReconcile(ctx, id); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cashout_id": id, "status": "scheduled"})
}
