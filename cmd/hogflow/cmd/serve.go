// Package cmd 包含 hogflow CLI 的所有命令实现。
// 本文件实现 serve 命令：装配并启动完整的函数调用引擎。
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/hogflow/internal/api"
	"github.com/oriys/hogflow/internal/config"
	"github.com/oriys/hogflow/internal/consumer"
	"github.com/oriys/hogflow/internal/engine"
	"github.com/oriys/hogflow/internal/fetch"
	"github.com/oriys/hogflow/internal/janitor"
	"github.com/oriys/hogflow/internal/metrics"
	"github.com/oriys/hogflow/internal/queue"
	"github.com/oriys/hogflow/internal/registry"
	"github.com/oriys/hogflow/internal/sink"
	"github.com/oriys/hogflow/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// serveCmd 启动函数调用引擎。
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hogflow engine",
	Long: `启动完整的函数调用引擎：

  - 主事件流消费者：匹配过滤器并执行函数第一步
  - 延续队列消费者：执行外部调用并恢复挂起的调用
  - 观测汇聚器：批量写出函数日志与应用指标
  - 管理端 HTTP 服务：健康检查、Prometheus 指标与配置重载触发器`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// init 注册 serve 命令到根命令。
func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe 装配所有组件并运行到收到终止信号为止。
func runServe() error {
	// ========== 配置与日志 ==========
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"version":    Version,
		"git_commit": GitCommit,
	}).Info("Starting hogflow engine")

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
	}

	// ========== 外部依赖连接 ==========
	pg, err := store.NewPostgresStore(cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pg.Close()
	logger.Info("Connected to PostgreSQL")

	rdb, err := store.NewRedisStore(cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer rdb.Close()
	logger.Info("Connected to Redis")

	bus, err := queue.NewBus(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer bus.Close()
	logger.Info("Connected to NATS")

	// ========== 核心组件装配 ==========
	reg := registry.New(pg, logger)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	err = reg.ReloadAll(startupCtx)
	cancelStartup()
	if err != nil {
		return fmt.Errorf("failed to load hog functions: %w", err)
	}
	if m != nil {
		m.FunctionsLoaded.Set(float64(reg.Count()))
	}

	eng := engine.New(engine.Config{
		MaxOpsPerStep:      cfg.Engine.MaxOpsPerStep,
		TreatNon2xxAsError: cfg.Engine.TreatNon2xxAsError,
	}, logger)

	executor := fetch.NewHTTPExecutor(cfg.FetchTimeout(), logger)

	obs := sink.New(sink.Config{
		BatchSize:      cfg.Sink.BatchSize,
		FlushInterval:  cfg.FlushInterval(),
		LogsSubject:    queue.SubjectLogs,
		MetricsSubject: queue.SubjectMetrics,
	}, bus, logger)

	eventsConsumer := consumer.NewEventsConsumer(consumer.EventsConsumerConfig{
		BatchConcurrency: cfg.Consumer.BatchConcurrency,
	}, reg, eng, obs, bus, m, logger)

	callbackConsumer := consumer.NewCallbackConsumer(consumer.CallbackConsumerConfig{
		MaxAsyncSteps:     cfg.Consumer.MaxAsyncSteps,
		InvocationTimeout: cfg.InvocationTimeout(),
		DedupTTL:          cfg.DedupTTL(),
	}, reg, eng, executor, obs, rdb, m, logger)

	jan, err := janitor.New(cfg.Janitor.Schedule, bus, rdb, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create janitor: %w", err)
	}

	// ========== 启动后台循环 ==========
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go obs.Run(ctx)

	if err := eventsConsumer.Run(ctx, bus); err != nil {
		return fmt.Errorf("failed to start events consumer: %w", err)
	}
	logger.Info("Events consumer started")

	if err := callbackConsumer.Run(ctx, bus); err != nil {
		return fmt.Errorf("failed to start callback consumer: %w", err)
	}
	logger.Info("Callback consumer started")

	jan.Start()

	// ========== 管理端 HTTP 服务 ==========
	handler := api.NewHandler(reg, pg, rdb, bus, m, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(handler),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Admin HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// ========== 等待终止信号 ==========
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-errCh:
		logger.WithError(err).Error("Admin HTTP server failed")
	}

	// ========== 优雅关闭 ==========
	// 先停消费者（不再拉取新消息），汇聚器做最后一次落盘，
	// 再关维护任务与 HTTP 服务
	cancel()
	jan.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Admin HTTP server shutdown failed")
	}

	logger.Info("hogflow engine stopped")
	return nil
}

// newLogger 按配置创建 logrus 日志器。
func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
