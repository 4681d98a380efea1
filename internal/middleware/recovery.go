package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/charlesng35/authcore/pkg/errors"
	"github.com/charlesng35/authcore/pkg/logger"
)

// Recovery turns a handler panic into the internal error envelope. The panic value and
// stack go to the log only.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.WithModule("http").Error("handler panicked",
				zap.String("method", c.Request.Method),
				zap.String("route", c.FullPath()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, apperrors.New(apperrors.CodeInternal, nil).Envelope())
		}()
		c.Next()
	}
}

// NotFound returns a JSON 404 for unknown routes.
func NotFound(c *gin.Context) {
	appErr := apperrors.New(apperrors.CodeNotFound, nil).WithMessage("route " + c.Request.URL.Path + " not found")
	c.JSON(http.StatusNotFound, appErr.Envelope())
}
