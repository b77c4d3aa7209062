package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/relaygate/internal/breaker"
)

// breakerHandler exposes breaker and fuse state for operators.
type breakerHandler struct {
	registry *breaker.Registry
}

// Status returns the current per-endpoint breaker states and open fuses.
func (h *breakerHandler) Status(c *gin.Context) {
	endpoints, fuses := h.registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"endpoints": endpoints,
		"fuses":     fuses,
	})
}
