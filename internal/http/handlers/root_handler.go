package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RootMessage is the greeting served at GET /. Existing uptime probes match
// it verbatim.
const RootMessage = "Hello from Flask on Render!"

// Root godoc
// @ID          root
// @Summary     Root greeting
// @Tags        Meta
// @Produce     json
// @Success     200  {object}  map[string]string
// @Router      / [get]
func Root(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"message": RootMessage})
}

// Health godoc
// @ID          health
// @Summary     Liveness probe
// @Tags        Meta
// @Produce     json
// @Success     200  {object}  map[string]string
// @Router      /health [get]
func Health(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}
