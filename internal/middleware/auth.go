package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/retailhub/order-saga/pkg/response"
)

// APIKeyHeader is the header carrying the coordinator API key.
const APIKeyHeader = "X-API-Key"

// APIKeyAuth rejects requests without the configured API key. Paths in
// skip are left open, which keeps health and metrics scrapeable.
func APIKeyAuth(apiKey string, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, path := range skip {
		skipped[path] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skipped[c.FullPath()]; ok {
			c.Next()
			return
		}

		provided := c.GetHeader(APIKeyHeader)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			response.Unauthorized(c, "missing or invalid API key")
			c.Abort()
			return
		}

		c.Next()
	}
}
