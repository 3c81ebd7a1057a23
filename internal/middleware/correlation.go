package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// CorrelationIDHeader is the header carrying the correlation id.
	CorrelationIDHeader = "X-Correlation-ID"
	// CorrelationIDKey is the gin context key for the correlation id.
	CorrelationIDKey = "correlation_id"
)

// Correlation reads the inbound X-Correlation-ID header, generating a
// fresh id when absent, and echoes it on the response. Every log line
// and event produced while handling the request carries this id.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(CorrelationIDHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Set(CorrelationIDKey, correlationID)
		c.Header(CorrelationIDHeader, correlationID)

		c.Next()
	}
}

// GetCorrelationID returns the correlation id from the gin context.
func GetCorrelationID(c *gin.Context) string {
	if id, exists := c.Get(CorrelationIDKey); exists {
		if correlationID, ok := id.(string); ok {
			return correlationID
		}
	}
	return ""
}
