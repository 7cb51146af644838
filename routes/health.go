package routes

import (
	"net/http"

	"campus-assistant/internal/vectorindex"

	"github.com/gin-gonic/gin"
)

// SetupHealthRoutes registers /health (liveness) and /ready, which fails
// until the vector index is ready.
func SetupHealthRoutes(router *gin.Engine, index IndexState) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ready", func(c *gin.Context) {
		state := index.State()
		if state != vectorindex.Ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "index": state.String()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "index": state.String()})
	})
}
