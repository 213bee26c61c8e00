package middleware

import (
	"errors"
	"net/http"

	"dropproof/pkg/errutil"
	"dropproof/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached with c.Error as a BaseError JSON body.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		last := c.Errors.Last()
		err := last.Err

		var be errutil.BaseError
		if !errors.As(err, &be) {
			if last.IsType(gin.ErrorTypeBind) {
				be = errutil.ValidationFailed("invalid request body", err).(errutil.BaseError)
			} else {
				be = errutil.Internal("internal error", err).(errutil.BaseError)
			}
		}

		status := be.Code.HTTPStatus()
		if status >= http.StatusInternalServerError {
			logger.FromContext(c.Request.Context(),
				zap.String("path", c.FullPath()),
				zap.String("method", c.Request.Method),
			).Error("request failed", zap.Error(err))
		}

		c.AbortWithStatusJSON(status, be.JSON())
	}
}
