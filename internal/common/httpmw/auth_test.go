package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func internalRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(InternalSecret(secret))
	r.GET("/guarded", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

func TestInternalSecretAcceptsMatch(t *testing.T) {
	r := internalRouter("s3cret")

	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	req.Header.Set(InternalSecretHeader, "s3cret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestInternalSecretRejectsMismatch(t *testing.T) {
	r := internalRouter("s3cret")

	for _, header := range []string{"", "wrong", "s3cret "} {
		req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
		if header != "" {
			req.Header.Set(InternalSecretHeader, header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, w.Code)
		}
	}
}

func TestInternalSecretEmptyConfigRejectsEverything(t *testing.T) {
	r := internalRouter("")

	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	req.Header.Set(InternalSecretHeader, "")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("empty secret must reject, got %d", w.Code)
	}
}
