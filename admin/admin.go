// Package admin serves read-only pool statistics over HTTP.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-i2p/go-downstream/pool"
	"github.com/go-i2p/logger"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

var log = logger.GetGoI2PLogger()

// SharedWorker marks stats of pools shared by every worker.
const SharedWorker = -1

// PoolStats is the stats of one backend pool of one worker.
type PoolStats struct {
	Worker int `json:"worker"`
	pool.Stats
}

// StatsSource reports the current stats of every pool. Implementations must
// be safe to call from the HTTP server goroutines.
type StatsSource interface {
	PoolStats() []PoolStats
}

// StatsFunc adapts a function to StatsSource.
type StatsFunc func() []PoolStats

// PoolStats calls f.
func (f StatsFunc) PoolStats() []PoolStats {
	return f()
}

// NewRouter builds the admin HTTP handler.
func NewRouter(src StatsSource) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	h := &handler{src: src}
	router.GET("/healthz", h.health)
	router.GET("/pools", h.listPools)
	router.GET("/pools/:backend", h.backendPools)
	return router
}

type handler struct {
	src StatsSource
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) listPools(c *gin.Context) {
	stats := h.src.PoolStats()
	c.JSON(http.StatusOK, gin.H{
		"idle":  totalIdle(stats),
		"pools": stats,
	})
}

func (h *handler) backendPools(c *gin.Context) {
	backend := c.Param("backend")
	stats := lo.Filter(h.src.PoolStats(), func(s PoolStats, _ int) bool {
		return s.Name == backend
	})

	if len(stats) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "backend not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"backend": backend,
		"idle":    totalIdle(stats),
		"pools":   stats,
	})
}

func totalIdle(stats []PoolStats) int {
	return lo.SumBy(stats, func(s PoolStats) int { return s.Idle })
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("admin request")
	}
}
