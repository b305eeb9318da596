// Package sink 实现观测汇聚器：缓冲函数执行产生的结构化日志与应用
// 指标，为日志赋予单调递增的时间戳，并批量写出到分析存储的主题。
package sink

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/oriys/hogflow/internal/codec"
	"github.com/oriys/hogflow/internal/domain"
	"github.com/sirupsen/logrus"
)

// timestampUnit 是时间戳冲突时的递增单位。
const timestampUnit = time.Millisecond

// Publisher 定义汇聚器写出批次所需的最小发布能力。
type Publisher interface {
	// Publish 同步发布一条消息到指定 subject
	Publish(ctx context.Context, subject string, data []byte) error
}

// Config 观测汇聚器配置。
type Config struct {
	// BatchSize 是触发落盘的缓冲条数
	BatchSize int
	// FlushInterval 是定时落盘间隔
	FlushInterval time.Duration
	// LogsSubject 是日志批次的目标 subject
	LogsSubject string
	// MetricsSubject 是指标记录的目标 subject
	MetricsSubject string
}

// Sink 观测汇聚器。
// 日志条目在入缓冲时就完成时间戳赋值，因此跨批次依然保持单调递增。
type Sink struct {
	config    Config
	publisher Publisher
	logger    *logrus.Logger

	mu           sync.Mutex
	logs         []domain.LogEntry
	appMetrics   []domain.AppMetric
	lastAssigned time.Time
}

// New 创建观测汇聚器。
func New(config Config, publisher Publisher, logger *logrus.Logger) *Sink {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Second
	}
	return &Sink{
		config:    config,
		publisher: publisher,
		logger:    logger,
	}
}

// AssignTimestamps 为一批日志条目赋予严格递增的时间戳。
//
// 算法（必须精确保持）：
//  1. 按原始产生时间稳定排序（相同时间的条目保持产生顺序）
//  2. 单趟赋值 assigned = max(original, previous_assigned + 1ms)
//
// 结果保证严格递增、无冲突，且保留原始相对顺序；after 是上一批
// 最后一条的已赋值时间，用于维持跨批次单调性（零值表示无前序批次）。
func AssignTimestamps(entries []domain.LogEntry, after time.Time) []domain.LogEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	previous := after
	for i := range entries {
		assigned := entries[i].Timestamp
		if !previous.IsZero() {
			if floor := previous.Add(timestampUnit); assigned.Before(floor) {
				assigned = floor
			}
		}
		entries[i].Timestamp = assigned
		previous = assigned
	}
	return entries
}

// WriteResult 接收一次执行步骤的日志与指标。
// 回调消费者在每一步之后都会调用，而不是仅在调用终止时调用，
// 保证进程中途崩溃时部分进度依然可观测。
func (s *Sink) WriteResult(result *domain.InvocationResult) {
	if len(result.Logs) == 0 && len(result.Metrics) == 0 {
		return
	}

	s.mu.Lock()
	if len(result.Logs) > 0 {
		assigned := AssignTimestamps(append([]domain.LogEntry(nil), result.Logs...), s.lastAssigned)
		s.logs = append(s.logs, assigned...)
		s.lastAssigned = assigned[len(assigned)-1].Timestamp
	}
	s.appMetrics = append(s.appMetrics, result.Metrics...)
	full := len(s.logs) >= s.config.BatchSize || len(s.appMetrics) >= s.config.BatchSize
	s.mu.Unlock()

	if full {
		if err := s.Flush(context.Background()); err != nil {
			s.logger.WithError(err).Error("Failed to flush observability batch")
		}
	}
}

// Flush 将缓冲的日志与指标写出到分析存储主题。
// 日志批次经编解码器压缩，指标逐条以 JSON 发布。
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	logs := s.logs
	appMetrics := s.appMetrics
	s.logs = nil
	s.appMetrics = nil
	s.mu.Unlock()

	if len(logs) == 0 && len(appMetrics) == 0 {
		return nil
	}

	if len(logs) > 0 {
		payload, err := codec.Compress(logs)
		if err != nil {
			s.requeue(logs, appMetrics)
			return err
		}
		if err := s.publisher.Publish(ctx, s.config.LogsSubject, payload); err != nil {
			s.requeue(logs, appMetrics)
			return err
		}
	}

	for i := range appMetrics {
		data, err := json.Marshal(&appMetrics[i])
		if err != nil {
			continue
		}
		if err := s.publisher.Publish(ctx, s.config.MetricsSubject, data); err != nil {
			s.requeue(nil, appMetrics[i:])
			return err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"logs":    len(logs),
		"metrics": len(appMetrics),
	}).Debug("Observability batch flushed")

	return nil
}

// requeue 将未能写出的条目放回缓冲，等待下一次落盘重试。
func (s *Sink) requeue(logs []domain.LogEntry, appMetrics []domain.AppMetric) {
	s.mu.Lock()
	s.logs = append(logs, s.logs...)
	s.appMetrics = append(appMetrics, s.appMetrics...)
	s.mu.Unlock()
}

// Run 启动定时落盘循环，ctx 取消时做最后一次落盘后退出。
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Flush(flushCtx); err != nil {
				s.logger.WithError(err).Error("Failed to flush observability batch on shutdown")
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.WithError(err).Error("Failed to flush observability batch")
			}
		}
	}
}
