// Package api 提供引擎的管理端 HTTP 接口：健康检查、Prometheus 指标
// 与配置重载触发器。引擎不提供任何展示/查询 API——那些属于外部协作方。
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/oriys/hogflow/internal/metrics"
	"github.com/oriys/hogflow/internal/registry"
	"github.com/sirupsen/logrus"
)

// Pinger 定义依赖存储的可达性检查能力。
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueHealth 定义消息队列连接的健康检查能力。
type QueueHealth interface {
	Healthy() bool
}

// Handler 管理端 API 处理器。
type Handler struct {
	registry *registry.Registry
	postgres Pinger
	redis    Pinger
	bus      QueueHealth
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

// NewHandler 创建管理端 API 处理器。m 可以为 nil。
func NewHandler(reg *registry.Registry, postgres, redis Pinger, bus QueueHealth, m *metrics.Metrics, logger *logrus.Logger) *Handler {
	return &Handler{
		registry: reg,
		postgres: postgres,
		redis:    redis,
		bus:      bus,
		metrics:  m,
		logger:   logger,
	}
}

// Health 基本健康检查。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready 就绪探针：检查 PostgreSQL、Redis 与 NATS 的可达性。
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"postgres": "ok",
		"redis":    "ok",
		"nats":     "ok",
	}
	healthy := true

	if err := h.postgres.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		healthy = false
	}
	if err := h.redis.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}
	if !h.bus.Healthy() {
		checks["nats"] = "not connected"
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}

// ReloadHogFunctions 是外部触发的配置重载入口。
// 上游配置所有方在函数创建/更新/禁用后调用；无参数、幂等。
// 引擎从不假设写入会自动触发重载——调用方负责触发。
func (h *Handler) ReloadHogFunctions(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.ReloadAll(r.Context()); err != nil {
		h.logger.WithError(err).Error("Failed to reload hog functions")
		if h.metrics != nil {
			h.metrics.RegistryReloadsTotal.WithLabelValues("error").Inc()
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if h.metrics != nil {
		h.metrics.RegistryReloadsTotal.WithLabelValues("ok").Inc()
		h.metrics.FunctionsLoaded.Set(float64(h.registry.Count()))
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeJSON 输出 JSON 响应。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
