// Package janitor 实现周期性维护任务：上报延续队列深度与幂等去重键
// 数量到 Prometheus，并输出维护摘要日志。去重键本身按 TTL 自然过期，
// 无需主动清理。
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/hogflow/internal/metrics"
	"github.com/oriys/hogflow/internal/queue"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DedupCounter 定义去重存储的计数能力。
type DedupCounter interface {
	CountSeen(ctx context.Context) (int64, error)
}

// QueueDepth 定义队列深度查询能力。
type QueueDepth interface {
	Depth(stream string) (uint64, error)
}

// Janitor 周期性维护任务。
type Janitor struct {
	cron    *cron.Cron
	queue   QueueDepth
	dedup   DedupCounter
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// New 创建维护任务并按给定 cron 表达式注册。m 可以为 nil。
func New(schedule string, q QueueDepth, dedup DedupCounter, m *metrics.Metrics, logger *logrus.Logger) (*Janitor, error) {
	j := &Janitor{
		cron:    cron.New(),
		queue:   q,
		dedup:   dedup,
		metrics: m,
		logger:  logger,
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start 启动维护调度。
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("Janitor started")
}

// Stop 停止维护调度并等待在途任务完成。
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("Janitor stopped")
}

// sweep 执行一轮维护：采集队列深度与去重键数量。
func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fields := logrus.Fields{}

	depth, err := j.queue.Depth(queue.StreamContinuations)
	if err != nil {
		j.logger.WithError(err).Warn("Failed to read continuation queue depth")
	} else {
		fields["continuation_queue_depth"] = depth
		if j.metrics != nil {
			j.metrics.ContinuationQueueDepth.Set(float64(depth))
		}
	}

	keys, err := j.dedup.CountSeen(ctx)
	if err != nil {
		j.logger.WithError(err).Warn("Failed to count dedup keys")
	} else {
		fields["dedup_keys"] = keys
		if j.metrics != nil {
			j.metrics.DedupKeys.Set(float64(keys))
		}
	}

	j.logger.WithFields(fields).Debug("Janitor sweep completed")
}
