package httpmw

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// InternalSecretHeader carries the shared secret on coordinator<->runner calls.
const InternalSecretHeader = "X-Internal-Secret"

// InternalSecret guards internal routes with a constant-time shared-secret
// check. An empty configured secret rejects everything rather than letting
// the internal API run open.
func InternalSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(InternalSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
