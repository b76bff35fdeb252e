package middleware

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var panics atomic.Int64

// Panics returns the number of handler panics recovered since start.
func Panics() int64 { return panics.Load() }

// Recovery returns a Gin middleware that turns a handler panic into a 500
// carrying the trace id, so a failed claim or purchase can be matched to
// its audit rows. A client abort is re-raised for net/http to handle.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if err, ok := r.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(r)
			}
			panics.Add(1)
			route := c.FullPath()
			if route == "" {
				route = c.Request.URL.Path
			}
			log.Error("handler panic recovered",
				zap.Any("recover", r),
				zap.String("trace_id", GetTraceID(c)),
				zap.String("player", GetPlayerID(c)),
				zap.String("method", c.Request.Method),
				zap.String("route", route),
				zap.Stack("stack"),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":    "internal server error",
				"trace_id": GetTraceID(c),
			})
		}()
		c.Next()
	}
}
