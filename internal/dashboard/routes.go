package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes sets up all status routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	api := router.Group("/api")
	api.GET("/status", handleStatus(opts.Store, opts.Watch))
	api.GET("/recent", handleRecent(opts.Store))
	api.GET("/events", handleSSE(opts.Hub))

	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

func handleStatus(store Counter, watch WatchState) gin.HandlerFunc {
	return func(c *gin.Context) {
		row, err := StatusSummary(c.Request.Context(), store)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if watch != nil {
			row.Watching = watch.Running()
			if cfg := watch.Config(); cfg != nil {
				row.WatchDir = cfg.WatchDir
			}
		}
		c.JSON(http.StatusOK, row)
	}
}

func handleRecent(store Counter) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := RecentDeliveries(c.Request.Context(), store, parseLimit(c.Query("limit")))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": rows})
	}
}

// parseLimit clamps the limit query parameter to 1..MaxRecent. Missing or
// malformed values mean MaxRecent.
func parseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > MaxRecent {
		return MaxRecent
	}
	return n
}
