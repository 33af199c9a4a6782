package middleware

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// Origins is the set of origins allowed to call the API: the configured ones
// plus the publicApiAllowedDomains setting, which can change at runtime.
type Origins struct {
	mu      sync.RWMutex
	static  []string
	dynamic []string
}

func NewOrigins(static []string) *Origins {
	return &Origins{static: normalizeOrigins(static)}
}

// Update replaces the runtime part of the set.
func (o *Origins) Update(domains []string) {
	normalized := normalizeOrigins(domains)
	o.mu.Lock()
	o.dynamic = normalized
	o.mu.Unlock()
}

func (o *Origins) Allowed(origin string) bool {
	origin = strings.TrimSuffix(strings.ToLower(origin), "/")
	if origin == "" {
		return false
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, list := range [][]string{o.static, o.dynamic} {
		for _, allowed := range list {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
	}
	return false
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		o = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

func CORS(origins *Origins) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && origins.Allowed(origin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
			c.Writer.Header().Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
