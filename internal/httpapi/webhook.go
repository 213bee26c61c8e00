package httpapi

import (
	"io"
	"net/http"

	"dropproof/pkg/db/pagination"
	"dropproof/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// ReceiveWebhook hands the raw body to the reconciler so the signature is
// checked over the exact bytes the gateway sent.
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		_ = c.Error(errutil.BadRequest("failed to read body", err))
		return
	}
	if len(body) > maxWebhookBody {
		_ = c.Error(errutil.ValidationFailed("webhook body too large", nil))
		return
	}

	header := h.cfg.Webhook.SignatureHeader
	if header == "" {
		header = "X-Signature"
	}

	ev, err := h.reconciliation.HandleWebhook(c.Request.Context(), c.Param("gateway"), body, c.GetHeader(header))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": ev.ID, "status": ev.Status})
}

func (h *Handler) ListUnmatchedWebhooks(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	rows, err := h.reconciliation.ListUnmatched(c.Request.Context(), page.FetchLimit(), page.Normalize().Offset)
	if err != nil {
		_ = c.Error(err)
		return
	}
	data, info := pagination.BuildPageInfo(rows, page)
	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": info})
}
