package handlers

import (
	"context"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/bifrosthq/bifrost/internal/api/dto"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
)

const dependencyPingTimeout = 2 * time.Second

type HealthHandler struct {
	db    *gorm.DB
	redis *pkgredis.Client
}

func NewHealthHandler(db *gorm.DB, redisClient *pkgredis.Client) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient}
}

// Live answers as long as the process can serve requests at all.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	dto.OK(w, r, map[string]string{"status": "alive"})
}

// Ready answers ok only when both backing stores respond.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if err := h.pingDatabase(r.Context()); err != nil {
		checks["database"] = "error: " + err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}

	ctx, cancel := context.WithTimeout(r.Context(), dependencyPingTimeout)
	defer cancel()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = "error: " + err.Error()
		ready = false
	} else {
		checks["redis"] = "ok"
	}

	if !ready {
		dto.JSON(w, r, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not ready",
			"checks": checks,
		})
		return
	}
	dto.OK(w, r, map[string]interface{}{
		"status": "ready",
		"checks": checks,
	})
}

func (h *HealthHandler) pingDatabase(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, dependencyPingTimeout)
	defer cancel()
	return sqlDB.PingContext(pingCtx)
}
