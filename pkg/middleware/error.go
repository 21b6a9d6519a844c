package middleware

import (
	"devicetrust-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached with c.Error as a JSON envelope.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		be := errutil.FromError(c.Errors.Last().Err)
		status := be.Code.HTTPStatus()
		if status >= 500 {
			zap.L().Error("request failed",
				zap.String("path", c.FullPath()),
				zap.Error(be),
			)
		}

		c.JSON(status, be.PublicJSON())
	}
}
