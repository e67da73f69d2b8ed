package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
)

// RequestLogger logs HTTP request details after the handler completes.
// Session-scoped routes carry the session id so request logs correlate
// with the session logs.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if size := c.Writer.Size(); size > 0 {
			fields = append(fields, zap.Int("bytes", size))
		}
		if sessionID := sessionIDParam(c); sessionID != "" {
			fields = append(fields, zap.String("session_id", sessionID))
		}

		if c.Writer.Status() >= 500 {
			log.Error("http", fields...)
		} else {
			log.Debug("http", fields...)
		}
	}
}

// sessionIDParam extracts the session id from either routing style:
// consumer and REST routes use :id, the CLI hub uses ?session_id=.
func sessionIDParam(c *gin.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	return c.Query("session_id")
}
