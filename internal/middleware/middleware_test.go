package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCorrelation_GeneratesNew(t *testing.T) {
	w := httptest.NewRecorder()
	_, r := gin.CreateTestContext(w)

	r.Use(Correlation())
	r.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, GetCorrelationID(c))
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.ServeHTTP(w, req)

	headerID := w.Header().Get(CorrelationIDHeader)
	if headerID == "" {
		t.Error("Expected X-Correlation-ID header to be set")
	}
	if w.Body.String() != headerID {
		t.Errorf("Header ID (%s) should match context ID (%s)", headerID, w.Body.String())
	}
}

func TestCorrelation_UsesExisting(t *testing.T) {
	existingID := "corr-abc-123"

	w := httptest.NewRecorder()
	_, r := gin.CreateTestContext(w)

	r.Use(Correlation())
	r.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, GetCorrelationID(c))
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(CorrelationIDHeader, existingID)
	r.ServeHTTP(w, req)

	if w.Body.String() != existingID {
		t.Errorf("Expected existing correlation id %s, got %s", existingID, w.Body.String())
	}
	if w.Header().Get(CorrelationIDHeader) != existingID {
		t.Error("Expected existing correlation id echoed in response header")
	}
}

func TestAPIKeyAuth_RejectsMissingKey(t *testing.T) {
	w := httptest.NewRecorder()
	_, r := gin.CreateTestContext(w)

	r.Use(APIKeyAuth("secret-key"))
	r.GET("/saga/status/:saga_id", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/saga/status/s1", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestAPIKeyAuth_RejectsWrongKey(t *testing.T) {
	w := httptest.NewRecorder()
	_, r := gin.CreateTestContext(w)

	r.Use(APIKeyAuth("secret-key"))
	r.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(APIKeyHeader, "wrong-key")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestAPIKeyAuth_AcceptsValidKey(t *testing.T) {
	w := httptest.NewRecorder()
	_, r := gin.CreateTestContext(w)

	r.Use(APIKeyAuth("secret-key"))
	r.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(APIKeyHeader, "secret-key")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestAPIKeyAuth_SkipsOpenPaths(t *testing.T) {
	w := httptest.NewRecorder()
	_, r := gin.CreateTestContext(w)

	r.Use(APIKeyAuth("secret-key", "/saga/health"))
	r.GET("/saga/health", func(c *gin.Context) {
		c.String(http.StatusOK, "healthy")
	})

	req := httptest.NewRequest(http.MethodGet, "/saga/health", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 on skipped path, got %d", w.Code)
	}
}
