package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the common JSON envelope for coordinator endpoints.
// CorrelationID is always echoed back so disconnected clients can reconcile.
type Response struct {
	Success       bool        `json:"success"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	Error         *ErrorData  `json:"error,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// correlationID pulls the correlation id set by middleware, if any
func correlationID(c *gin.Context) string {
	if id, exists := c.Get("correlation_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success:       true,
		CorrelationID: correlationID(c),
		Data:          data,
	})
}

func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Success:       true,
		CorrelationID: correlationID(c),
		Data:          data,
	})
}

func Error(c *gin.Context, status int, code, message, details string) {
	c.JSON(status, Response{
		Success:       false,
		CorrelationID: correlationID(c),
		Error: &ErrorData{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, "BAD_REQUEST", message, "")
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, "NOT_FOUND", message, "")
}

func Conflict(c *gin.Context, message string) {
	Error(c, http.StatusConflict, "CONFLICT", message, "")
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, "UNAUTHORIZED", message, "")
}

func ServiceUnavailable(c *gin.Context, message string) {
	Error(c, http.StatusServiceUnavailable, "UNAVAILABLE", message, "")
}

func InternalError(c *gin.Context, err error) {
	Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal Server Error", err.Error())
}
