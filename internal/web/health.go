package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tokenrelay/internal/tokenkit"
)

// MountHealthRoutes registers GET /healthz with a snapshot of the refresh counters.
func MountHealthRoutes(router gin.IRouter, metrics *tokenkit.CounterMetrics, platforms []tokenkit.Platform) {
	router.GET("/healthz", func(contextGin *gin.Context) {
		counters := map[string]int64{}
		if metrics != nil {
			counters = metrics.Snapshot()
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"platforms": platforms,
			"metrics":   counters,
		})
	})
}
