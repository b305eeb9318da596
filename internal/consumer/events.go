// Package consumer 实现两个独立的消费者循环：
// 主事件流消费者（为匹配的函数创建调用并执行第一步）与
// 延续队列消费者（执行外部调用并恢复挂起的调用直至终态）。
// 每类队列主题一个消费者循环，批次处理完成、副作用持久化之后才确认位点。
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/hogflow/internal/codec"
	"github.com/oriys/hogflow/internal/domain"
	"github.com/oriys/hogflow/internal/engine"
	"github.com/oriys/hogflow/internal/metrics"
	"github.com/oriys/hogflow/internal/queue"
	"github.com/oriys/hogflow/internal/registry"
	"github.com/sirupsen/logrus"
)

// Publisher 定义消费者发布延续消息所需的最小能力。
type Publisher interface {
	// Publish 同步发布一条消息到指定 subject
	Publish(ctx context.Context, subject string, data []byte) error
}

// ResultSink 定义执行结果的观测写出能力。
type ResultSink interface {
	// WriteResult 接收一次执行步骤的日志与指标
	WriteResult(result *domain.InvocationResult)
}

// EventsConsumerConfig 主事件流消费者配置。
type EventsConsumerConfig struct {
	// BatchConcurrency 是批内独立调用的有界并发度。
	// 不同调用之间不共享可变状态，批内并行是安全的。
	BatchConcurrency int
}

// EventsConsumer 主事件流消费者。
// 对每条事件：解析租户、用注册表匹配候选函数、为每个匹配函数创建
// 全新调用并执行一步。完成/出错的结果立即交给观测汇聚器；挂起的
// 结果编码后发布到延续队列——批次处理从不阻塞等待挂起调用完成。
type EventsConsumer struct {
	config    EventsConsumerConfig
	registry  *registry.Registry
	engine    *engine.Engine
	sink      ResultSink
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

// NewEventsConsumer 创建主事件流消费者。m 可以为 nil（测试中不采集指标）。
func NewEventsConsumer(config EventsConsumerConfig, reg *registry.Registry, eng *engine.Engine, sink ResultSink, publisher Publisher, m *metrics.Metrics, logger *logrus.Logger) *EventsConsumer {
	if config.BatchConcurrency <= 0 {
		config.BatchConcurrency = 10
	}
	return &EventsConsumer{
		config:    config,
		registry:  reg,
		engine:    eng,
		sink:      sink,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// Run 订阅主事件流并逐条处理，ctx 取消时退出。
func (c *EventsConsumer) Run(ctx context.Context, bus *queue.Bus) error {
	return bus.Subscribe(ctx, queue.SubjectEvents, "events-consumer", func(data []byte) error {
		var event domain.ProcessedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			if c.metrics != nil {
				c.metrics.DeadLetterTotal.Inc()
			}
			return &domain.DecodeError{Err: err}
		}
		_, err := c.ProcessBatch(ctx, []*domain.ProcessedEvent{&event})
		return err
	})
}

// ProcessBatch 处理一批事件，返回本批次创建的调用列表
// （供内省与测试使用，不是它们的最终结果）。
// 单个事件/函数的故障被限制在对应调用内，绝不中断整个批次；
// 仅发布延续失败时返回错误，使批次不被确认、等待重投。
func (c *EventsConsumer) ProcessBatch(ctx context.Context, events []*domain.ProcessedEvent) ([]*domain.Invocation, error) {
	var invocations []*domain.Invocation
	for _, event := range events {
		if c.metrics != nil {
			c.metrics.EventsTotal.Inc()
		}

		globals := event.Globals()
		matched := c.registry.Match(event.TeamID, globals)
		if c.metrics != nil {
			if len(matched) > 0 {
				c.metrics.FilterMatchesTotal.WithLabelValues("matched").Add(float64(len(matched)))
			} else {
				c.metrics.FilterMatchesTotal.WithLabelValues("unmatched").Inc()
			}
		}

		for _, fn := range matched {
			invocations = append(invocations, &domain.Invocation{
				ID:         uuid.New().String(),
				TeamID:     event.TeamID,
				FunctionID: fn.ID,
				Function:   fn,
				Globals:    globals,
				State:      domain.InvocationStatePending,
				CreatedAt:  time.Now(),
			})
		}
	}

	// 批内有界并发：不同调用互不共享可变状态
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		publishEr error
		sem       = make(chan struct{}, c.config.BatchConcurrency)
	)
	for _, inv := range invocations {
		wg.Add(1)
		sem <- struct{}{}
		go func(inv *domain.Invocation) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := c.processInvocation(ctx, inv); err != nil {
				mu.Lock()
				publishEr = errors.Join(publishEr, err)
				mu.Unlock()
			}
		}(inv)
	}
	wg.Wait()

	return invocations, publishEr
}

// processInvocation 对单个调用执行第一步并分发结果。
func (c *EventsConsumer) processInvocation(ctx context.Context, inv *domain.Invocation) error {
	result := c.engine.Step(inv)

	// 每一步的日志/指标都立即写出，挂起的调用也不例外
	c.sink.WriteResult(result)

	if result.Suspended {
		return c.publishContinuation(ctx, inv)
	}

	if c.metrics != nil {
		if result.Finished {
			c.metrics.InvocationsTotal.WithLabelValues("finished", "").Inc()
		} else {
			c.metrics.InvocationsTotal.WithLabelValues("errored", result.ErrorKind).Inc()
		}
		c.metrics.InvocationSteps.Observe(float64(inv.Attempt))
	}
	return nil
}

// publishContinuation 将挂起调用编码后发布到延续队列。
// 消息以调用 ID 为键，供下游检测乱序与重复投递；发布确认之前
// 不认为该调用已完成交接。
func (c *EventsConsumer) publishContinuation(ctx context.Context, inv *domain.Invocation) error {
	state, err := codec.Compress(&domain.ContinuationState{
		Continuation: inv.Continuation,
		Globals:      inv.Globals,
	})
	if err != nil {
		return fmt.Errorf("failed to encode continuation for %s: %w", inv.ID, err)
	}

	message, err := json.Marshal(&domain.ContinuationMessage{
		InvocationID: inv.ID,
		TeamID:       inv.TeamID,
		FunctionID:   inv.FunctionID,
		Attempt:      inv.Attempt,
		State:        state,
		Request:      inv.PendingCall,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal continuation message for %s: %w", inv.ID, err)
	}

	if err := c.publisher.Publish(ctx, queue.SubjectContinuations, message); err != nil {
		return fmt.Errorf("failed to publish continuation for %s: %w", inv.ID, err)
	}

	if c.metrics != nil {
		c.metrics.ContinuationsPublished.Inc()
	}
	c.logger.WithFields(logrus.Fields{
		"invocation_id": inv.ID,
		"function_id":   inv.FunctionID,
		"url":           inv.PendingCall.URL,
	}).Debug("Continuation published")

	return nil
}
