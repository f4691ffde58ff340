package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const healthTimeout = 2 * time.Second

type HealthHandler struct {
	db    *gorm.DB
	redis *redis.Client
}

// NewHealthHandler checks redis only when a client is given.
func NewHealthHandler(db *gorm.DB, redis *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, redis: redis}
}

type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

func state(err error) string {
	if err != nil {
		return "unhealthy"
	}
	return "healthy"
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Services: make(map[string]string)}

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	resp.Services["database"] = state(err)
	if err != nil {
		resp.Status = "unhealthy"
	}

	if h.redis != nil {
		err := h.redis.Ping(ctx).Err()
		resp.Services["redis"] = state(err)
		if err != nil {
			resp.Status = "unhealthy"
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
