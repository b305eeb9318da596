// Package consumer 实现两个独立的消费者循环。
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/hogflow/internal/codec"
	"github.com/oriys/hogflow/internal/domain"
	"github.com/oriys/hogflow/internal/engine"
	"github.com/oriys/hogflow/internal/fetch"
	"github.com/oriys/hogflow/internal/metrics"
	"github.com/oriys/hogflow/internal/queue"
	"github.com/oriys/hogflow/internal/registry"
	"github.com/sirupsen/logrus"
)

// Deduper 定义重复投递检测的最小能力。
// 键只在消息处理完成后标记：存在即表示该投递已被完整处理，
// 处理中途崩溃后的重投不会命中键，必须重新处理而不是丢弃。
type Deduper interface {
	// Seen 判断去重键是否已存在
	Seen(ctx context.Context, key string) (bool, error)
	// MarkSeen 标记去重键（处理完成后调用）
	MarkSeen(ctx context.Context, key string, ttl time.Duration) error
}

// CallbackConsumerConfig 延续队列消费者配置。
type CallbackConsumerConfig struct {
	// MaxAsyncSteps 是单个调用允许的最大执行步数（挂起/恢复周期）
	MaxAsyncSteps int
	// InvocationTimeout 是单个调用自首次执行起的墙钟预算
	InvocationTimeout time.Duration
	// DedupTTL 是幂等去重键的保留时间
	DedupTTL time.Duration
}

// CallbackConsumer 延续队列消费者。
// 对每条消息：解码延续、执行待定的外部调用、把结果喂回引擎恢复执行，
// 循环挂起→调用→恢复直到调用终止或预算耗尽。每一步的日志与指标都
// 增量写出，进程中途崩溃时部分进度依然可观测。
type CallbackConsumer struct {
	config   CallbackConsumerConfig
	registry *registry.Registry
	engine   *engine.Engine
	executor fetch.Executor
	sink     ResultSink
	dedup    Deduper
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

// NewCallbackConsumer 创建延续队列消费者。m 可以为 nil。
func NewCallbackConsumer(config CallbackConsumerConfig, reg *registry.Registry, eng *engine.Engine, executor fetch.Executor, sink ResultSink, dedup Deduper, m *metrics.Metrics, logger *logrus.Logger) *CallbackConsumer {
	if config.MaxAsyncSteps <= 0 {
		config.MaxAsyncSteps = 5
	}
	if config.InvocationTimeout <= 0 {
		config.InvocationTimeout = 5 * time.Minute
	}
	if config.DedupTTL <= 0 {
		config.DedupTTL = time.Hour
	}
	return &CallbackConsumer{
		config:   config,
		registry: reg,
		engine:   eng,
		executor: executor,
		sink:     sink,
		dedup:    dedup,
		metrics:  m,
		logger:   logger,
	}
}

// Run 订阅延续队列并逐条处理，ctx 取消时退出。
func (c *CallbackConsumer) Run(ctx context.Context, bus *queue.Bus) error {
	return bus.Subscribe(ctx, queue.SubjectContinuations, "callback-consumer", func(data []byte) error {
		return c.Handle(ctx, data)
	})
}

// Handle 处理一条延续消息。
// 返回包装了 domain.ErrDecode 的错误时，总线将消息路由到死信；
// 返回其他错误时消息 Nak 等待重投；返回 nil 表示处理完成可确认。
func (c *CallbackConsumer) Handle(ctx context.Context, data []byte) error {
	var message domain.ContinuationMessage
	if err := json.Unmarshal(data, &message); err != nil {
		if c.metrics != nil {
			c.metrics.DeadLetterTotal.Inc()
		}
		return &domain.DecodeError{Err: err}
	}

	log := c.logger.WithFields(logrus.Fields{
		"invocation_id": message.InvocationID,
		"function_id":   message.FunctionID,
		"team_id":       message.TeamID,
	})

	// 至少一次投递：同一条消息可能被重复消费，按 (调用, 步数) 去重。
	// 这里只读不写——键在调用到达终态后才标记，处理中途崩溃的重投
	// 不会命中键，会被完整重新处理而不是丢弃
	dedupKey := fmt.Sprintf("%s:%d", message.InvocationID, message.Attempt)
	seen, err := c.dedup.Seen(ctx, dedupKey)
	if err != nil {
		return fmt.Errorf("failed to check continuation dedup: %w", err)
	}
	if seen {
		if c.metrics != nil {
			c.metrics.DedupDroppedTotal.Inc()
		}
		log.Debug("Duplicate continuation delivery dropped")
		return nil
	}

	var state domain.ContinuationState
	if err := codec.Decompress(message.State, &state); err != nil {
		if c.metrics != nil {
			c.metrics.DeadLetterTotal.Inc()
		}
		return err
	}
	if state.Continuation == nil || state.Globals == nil || message.Request == nil {
		if c.metrics != nil {
			c.metrics.DeadLetterTotal.Inc()
		}
		return &domain.DecodeError{Err: fmt.Errorf("continuation message %s missing state", message.InvocationID)}
	}

	// 函数可能在调用挂起期间被禁用或删除：终止该调用并记录失败
	fn, err := c.registry.Get(message.TeamID, message.FunctionID)
	if err != nil {
		log.WithError(err).Warn("Abandoning continuation for unknown hog function")
		c.writeAbandoned(&message, "execution", "hog function no longer loaded")
		c.markProcessed(ctx, dedupKey)
		return nil
	}

	inv := &domain.Invocation{
		ID:           message.InvocationID,
		TeamID:       message.TeamID,
		FunctionID:   message.FunctionID,
		Function:     fn,
		Globals:      state.Globals,
		State:        domain.InvocationStateSuspended,
		Continuation: state.Continuation,
		PendingCall:  message.Request,
		Attempt:      message.Attempt,
	}

	deadline := state.Continuation.StartedAt.Add(c.config.InvocationTimeout)
	if state.Continuation.StartedAt.IsZero() {
		deadline = time.Now().Add(c.config.InvocationTimeout)
	}

	// 挂起→调用→恢复循环，直到终态或预算耗尽
	for {
		if inv.Attempt >= c.config.MaxAsyncSteps {
			c.abandon(inv, fmt.Sprintf("exceeded max async steps (%d)", c.config.MaxAsyncSteps))
			c.markProcessed(ctx, dedupKey)
			return nil
		}
		if time.Now().After(deadline) {
			c.abandon(inv, fmt.Sprintf("exceeded invocation time budget (%s)", c.config.InvocationTimeout))
			c.markProcessed(ctx, dedupKey)
			return nil
		}

		response := c.execute(ctx, inv.PendingCall)
		result := c.engine.Resume(inv, response)

		// 每一步都增量写出，而不是等调用终止
		c.sink.WriteResult(result)

		if result.Finished {
			if c.metrics != nil {
				c.metrics.InvocationsTotal.WithLabelValues("finished", "").Inc()
				c.metrics.InvocationSteps.Observe(float64(inv.Attempt))
			}
			log.WithField("steps", inv.Attempt).Debug("Invocation finished")
			c.markProcessed(ctx, dedupKey)
			return nil
		}
		if !result.Suspended {
			if c.metrics != nil {
				c.metrics.InvocationsTotal.WithLabelValues("errored", result.ErrorKind).Inc()
				c.metrics.InvocationSteps.Observe(float64(inv.Attempt))
			}
			c.markProcessed(ctx, dedupKey)
			return nil
		}
	}
}

// markProcessed 在调用到达终态后标记去重键。
// 标记失败只记日志、消息仍然确认：调用的副作用已经发生，
// 缺失的键最多让一次极端重投重复写出观测记录。
func (c *CallbackConsumer) markProcessed(ctx context.Context, key string) {
	if err := c.dedup.MarkSeen(ctx, key, c.config.DedupTTL); err != nil {
		c.logger.WithError(err).WithField("dedup_key", key).Warn("Failed to mark continuation as processed")
	}
}

// execute 执行外部调用并把结果折算为响应值。
// 传输层失败（超时、连接失败）作为调用结果数据回传给函数逻辑，
// 而不是吞掉：由函数自己决定如何处理。
func (c *CallbackConsumer) execute(ctx context.Context, request *domain.CallRequest) *domain.CallResponse {
	started := time.Now()
	response, err := c.executor.Execute(ctx, request)
	elapsed := float64(time.Since(started).Milliseconds())

	if err != nil {
		outcome := "connection"
		var fetchErr *domain.FetchError
		if errors.As(err, &fetchErr) && fetchErr.Kind == domain.FetchErrorTimeout {
			outcome = "timeout"
		}
		if c.metrics != nil {
			c.metrics.FetchDuration.WithLabelValues(outcome).Observe(elapsed)
		}
		return &domain.CallResponse{Status: 0, Error: err.Error()}
	}

	if c.metrics != nil {
		c.metrics.FetchDuration.WithLabelValues("ok").Observe(elapsed)
	}
	return response
}

// abandon 按预算超限放弃调用：与函数逻辑故障分开分类，
// 便于区分“函数坏了”与“依赖不响应”。
func (c *CallbackConsumer) abandon(inv *domain.Invocation, reason string) {
	inv.State = domain.InvocationStateErrored
	inv.Continuation = nil
	inv.PendingCall = nil

	result := &domain.InvocationResult{
		Invocation: inv,
		Error:      domain.ErrBudgetExceeded.Error(),
		ErrorKind:  "budget_exceeded",
		Logs: []domain.LogEntry{{
			TeamID:      inv.TeamID,
			LogSource:   domain.AppSourceHogFunction,
			LogSourceID: inv.FunctionID,
			InstanceID:  inv.ID,
			Level:       domain.LogLevelError,
			Message:     fmt.Sprintf("Invocation abandoned: %s", reason),
			Timestamp:   time.Now(),
		}},
		Metrics: []domain.AppMetric{{
			TeamID:      inv.TeamID,
			AppSource:   domain.AppSourceHogFunction,
			AppSourceID: inv.FunctionID,
			MetricName:  "failed",
			MetricKind:  domain.MetricKindFailure,
			Count:       1,
		}},
	}
	c.sink.WriteResult(result)

	if c.metrics != nil {
		c.metrics.InvocationsTotal.WithLabelValues("budget_exceeded", "budget_exceeded").Inc()
		c.metrics.InvocationSteps.Observe(float64(inv.Attempt))
	}
	c.logger.WithFields(logrus.Fields{
		"invocation_id": inv.ID,
		"function_id":   inv.FunctionID,
		"reason":        reason,
	}).Warn("Invocation abandoned after exceeding budget")
}

// writeAbandoned 为无法重建的延续写出终态观测记录。
func (c *CallbackConsumer) writeAbandoned(message *domain.ContinuationMessage, kind, reason string) {
	c.sink.WriteResult(&domain.InvocationResult{
		Invocation: &domain.Invocation{
			ID:         message.InvocationID,
			TeamID:     message.TeamID,
			FunctionID: message.FunctionID,
			State:      domain.InvocationStateErrored,
		},
		Error:     reason,
		ErrorKind: kind,
		Logs: []domain.LogEntry{{
			TeamID:      message.TeamID,
			LogSource:   domain.AppSourceHogFunction,
			LogSourceID: message.FunctionID,
			InstanceID:  message.InvocationID,
			Level:       domain.LogLevelError,
			Message:     fmt.Sprintf("Function failed: %s", reason),
			Timestamp:   time.Now(),
		}},
		Metrics: []domain.AppMetric{{
			TeamID:      message.TeamID,
			AppSource:   domain.AppSourceHogFunction,
			AppSourceID: message.FunctionID,
			MetricName:  "failed",
			MetricKind:  domain.MetricKindFailure,
			Count:       1,
		}},
	})
	if c.metrics != nil {
		c.metrics.InvocationsTotal.WithLabelValues("errored", kind).Inc()
	}
}
