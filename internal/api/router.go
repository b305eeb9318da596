// Package api 提供引擎的管理端 HTTP 接口。
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 创建并配置管理端路由器。
//
// 路由结构：
//
//	GET  /health                       - 基本健康检查
//	GET  /health/ready                 - 就绪探针（PostgreSQL/Redis/NATS）
//	GET  /metrics                      - Prometheus 指标
//	POST /api/v1/hog_functions/reload  - 配置重载触发器
func NewRouter(handler *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", handler.Health)
	r.Get("/health/ready", handler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/hog_functions/reload", handler.ReloadHogFunctions)
	})

	return r
}
