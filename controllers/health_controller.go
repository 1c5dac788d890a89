package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/CUknot/collab_backend/logger"
)

// Pinger is a dependency that can report its health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthController reports database and cache reachability.
type HealthController struct {
	db    *gorm.DB
	cache Pinger
}

// NewHealthController creates a health controller. cache may be nil.
func NewHealthController(db *gorm.DB, cache Pinger) *HealthController {
	return &HealthController{db: db, cache: cache}
}

// Health godoc
// @Summary Health check
// @Description Reports whether the database and cache are reachable
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{} "Healthy"
// @Failure 503 {object} map[string]interface{} "Unhealthy"
// @Router /health [get]
func (ctl *HealthController) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{"database": "ok"}
	healthy := true

	sqlDB, err := ctl.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		logger.Log.Warn("health_database_failed", zap.Error(err))
		checks["database"] = "unavailable"
		healthy = false
	}

	if ctl.cache != nil {
		checks["cache"] = "ok"
		if err := ctl.cache.Ping(ctx); err != nil {
			// Reads fall back to the database.
			logger.Log.Warn("health_cache_failed", zap.Error(err))
			checks["cache"] = "unavailable"
		}
	}

	status := http.StatusOK
	checks["status"] = "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		checks["status"] = "unavailable"
	}
	c.JSON(status, checks)
}
