// Package admin implements the optional introspection surface §5 calls out
// for the auth cache: read its size and purge it, gated by an admin key.
// Adapted from the teacher's tenant-CRUD AdminHandler; tenant CRUD itself
// has no home in this spec (see DESIGN.md) so only the auth-header-gated
// shape survives, repointed at the auth cache.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CacheInspector is the subset of authclient.Client the admin handler needs.
type CacheInspector interface {
	CacheStats() (size, capacity int)
	PurgeCache()
}

type Handler struct {
	cache  CacheInspector
	apiKey string
}

func NewHandler(cache CacheInspector, apiKey string) *Handler {
	return &Handler{cache: cache, apiKey: apiKey}
}

// AuthMiddleware gates every route in the admin group behind X-Admin-Key.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Key") != h.apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		c.Next()
	}
}

// CacheStats reports the auth cache's current occupancy.
func (h *Handler) CacheStats(c *gin.Context) {
	size, capacity := h.cache.CacheStats()
	c.JSON(http.StatusOK, gin.H{"size": size, "capacity": capacity})
}

// PurgeCache drops every cached auth verdict, forcing the next request for
// any previously-cached caller back out to the auth service.
func (h *Handler) PurgeCache(c *gin.Context) {
	h.cache.PurgeCache()
	c.JSON(http.StatusOK, gin.H{"purged": true})
}
