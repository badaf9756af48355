package middleware

import (
	"errors"

	"veogen-credits/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error renders the last handler error as a JSON body. Errors the handlers
// did not classify fall back to a plain 500.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var base errutil.BaseError
		if !errors.As(last.Err, &base) {
			base = errutil.Internal("internal server error", last.Err).(errutil.BaseError)
		}

		c.JSON(base.Code.HTTPStatus(), base.JSON())
	}
}
