package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/store"
)

const tenantKey = "ash.tenant"

// HashAPIKey derives the stored hash for an issued key. The primary key acts
// as the HMAC secret, so leaked hashes are useless without it.
func HashAPIKey(primary, key string) string {
	mac := hmac.New(sha256.New, []byte(primary))
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// auth validates Bearer credentials when an API key is configured. The
// primary key maps to the default tenant; issued keys carry their own
// tenant. With no key configured the API runs open, which is the expected
// single-user localhost setup.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKey == "" {
			c.Set(tenantKey, store.DefaultTenant)
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			abortError(c, errs.New(errs.KindUnauthorized, "missing bearer token"))
			return
		}
		token = strings.TrimSpace(token)

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) == 1 {
			c.Set(tenantKey, store.DefaultTenant)
			c.Next()
			return
		}

		key, err := s.st.GetAPIKeyByHash(c.Request.Context(), HashAPIKey(s.cfg.APIKey, token))
		if err != nil {
			abortError(c, errs.New(errs.KindUnauthorized, "invalid api key"))
			return
		}
		if err := s.st.TouchAPIKey(c.Request.Context(), key.ID); err != nil {
			s.log.Warn("Failed to touch api key", zap.String("keyId", key.ID), zap.Error(err))
		}
		c.Set(tenantKey, key.TenantID)
		c.Next()
	}
}

// tenantFrom returns the tenant resolved by auth; internal routes skip auth
// and fall back to the default tenant.
func tenantFrom(c *gin.Context) string {
	if v, ok := c.Get(tenantKey); ok {
		if t, ok := v.(string); ok && t != "" {
			return t
		}
	}
	return store.DefaultTenant
}
