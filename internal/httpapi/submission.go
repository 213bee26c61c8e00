package httpapi

import (
	"net/http"

	"dropproof/pkg/db/pagination"
	"dropproof/pkg/errutil"
	"dropproof/services/submission"

	"github.com/gin-gonic/gin"
)

type uploadRequest struct {
	ContentType string `json:"content_type" binding:"required"`
	ByteSize    int64  `json:"byte_size" binding:"required"`
}

type decisionRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Reason  string `json:"reason"`
}

func (h *Handler) RequestUpload(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	ticket, err := h.submissions.RequestUpload(c.Request.Context(), identity(c).UserID, req.ContentType, req.ByteSize)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

func (h *Handler) CreateSubmission(c *gin.Context) {
	var req submission.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}
	req.UserID = identity(c).UserID

	sub, err := h.submissions.Enqueue(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, sub)
}

func (h *Handler) ListSubmissions(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	rows, err := h.submissions.ListByUser(c.Request.Context(), identity(c).UserID, page.FetchLimit(), page.Normalize().Offset)
	if err != nil {
		_ = c.Error(err)
		return
	}
	data, info := pagination.BuildPageInfo(rows, page)
	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": info})
}

// visibleSubmission hides other users' submissions behind a 404.
func (h *Handler) visibleSubmission(c *gin.Context) (*submission.Submission, bool) {
	sub, err := h.submissions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	if id := identity(c); !privileged(id) && sub.UserID != id.UserID {
		_ = c.Error(errutil.NotFound("submission not found", nil))
		return nil, false
	}
	return sub, true
}

func (h *Handler) GetSubmission(c *gin.Context) {
	sub, ok := h.visibleSubmission(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handler) ListSubmissionEvents(c *gin.Context) {
	sub, ok := h.visibleSubmission(c)
	if !ok {
		return
	}

	events, err := h.submissions.ListEvents(c.Request.Context(), sub.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events})
}

func (h *Handler) ListReviewQueue(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	rows, err := h.submissions.ListForReview(c.Request.Context(), page.FetchLimit(), page.Normalize().Offset)
	if err != nil {
		_ = c.Error(err)
		return
	}
	data, info := pagination.BuildPageInfo(rows, page)
	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": info})
}

func (h *Handler) DecideSubmission(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	sub, err := h.submissions.Decide(c.Request.Context(), c.Param("id"), identity(c).UserID, *req.Approve, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, sub)
}
