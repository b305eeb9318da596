// Package queue 封装引擎使用的持久化消息主题。
// 当前实现基于 NATS JetStream：主事件流、延续队列与观测主题各占一个
// Stream，消费者使用 Durable + 手动确认，确保批次副作用持久化之前
// 不提交位点（至少一次投递，消费侧按调用 ID 幂等）。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oriys/hogflow/internal/domain"
	"github.com/sirupsen/logrus"
)

// 主题与 Stream 常量定义
const (
	// StreamEvents 承载入站的已处理分析事件
	StreamEvents = "EVENTS"
	// SubjectEvents 是主事件流的 subject
	SubjectEvents = "events.processed"

	// StreamContinuations 承载挂起调用的延续消息
	StreamContinuations = "CONTINUATIONS"
	// SubjectContinuations 是延续队列的 subject
	SubjectContinuations = "continuations.pending"
	// SubjectDeadLetter 是延续队列毒消息的死信 subject
	SubjectDeadLetter = "continuations.deadletter"

	// deadLetterSuffix 是各来源 subject 对应死信 subject 的统一后缀
	deadLetterSuffix = "deadletter"

	// StreamObservability 承载发往分析存储的日志与指标批次
	StreamObservability = "OBSERVABILITY"
	// SubjectLogs 是结构化日志批次的 subject
	SubjectLogs = "observability.logs"
	// SubjectMetrics 是应用指标记录的 subject
	SubjectMetrics = "observability.metrics"
)

// Handler 定义消息处理回调。
// 返回包装了 domain.ErrDecode 的错误时，消息被路由到死信并确认
// （重新入队只会无限循环）；返回其他错误时消息 Nak 等待重投。
type Handler func(data []byte) error

// deadLetterEnvelope 是死信消息的信封格式。
type deadLetterEnvelope struct {
	Reason    string    `json:"reason"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus 封装 NATS/JetStream 连接与发布/订阅操作。
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Logger
}

// NewBus 创建 Bus 并初始化所需的 JetStream Stream。
func NewBus(natsURL string, logger *logrus.Logger) (*Bus, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// 不存在则创建，存在则尝试更新配置
	streams := []nats.StreamConfig{
		{
			Name:     StreamEvents,
			Subjects: []string{"events.>"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour * 7,
		},
		{
			Name:     StreamContinuations,
			Subjects: []string{"continuations.>"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
		},
		{
			Name:     StreamObservability,
			Subjects: []string{"observability.>"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
		},
	}
	for _, cfg := range streams {
		if _, err := js.AddStream(&cfg); errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			// 更新失败不致命（旧配置仍可用），但要留下痕迹
			if _, err := js.UpdateStream(&cfg); err != nil {
				logger.WithError(err).WithField("stream", cfg.Name).
					Warn("Failed to update existing stream, keeping current configuration")
			}
		} else if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
	}

	return &Bus{
		conn:   nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close 关闭底层 NATS 连接。
func (b *Bus) Close() error {
	b.conn.Close()
	return nil
}

// Healthy 检查底层连接是否可用（就绪探针使用）。
func (b *Bus) Healthy() bool {
	return b.conn != nil && b.conn.Status() == nats.CONNECTED
}

// Publish 同步发布消息到指定 subject，JetStream 确认后才返回。
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := b.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe 以 Durable 消费者订阅 subject。
// 处理器错误按类型分流：解码错误 → 死信 + 确认；其他错误 → Nak 重投。
// ctx 取消时自动退订。
func (b *Bus) Subscribe(ctx context.Context, subject, durable string, handler Handler) error {
	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		err := handler(msg.Data)
		if err == nil {
			msg.Ack()
			return
		}

		if errors.Is(err, domain.ErrDecode) {
			// 毒消息：重新入队只会无限循环，转入死信后确认
			b.logger.WithError(err).WithField("subject", subject).
				Error("Undecodable message routed to dead letter")
			if dlErr := b.PublishDeadLetter(context.Background(), subject, msg.Data, err.Error()); dlErr != nil {
				b.logger.WithError(dlErr).Error("Failed to publish dead letter, message will be redelivered")
				msg.Nak()
				return
			}
			msg.Ack()
			return
		}

		b.logger.WithError(err).WithField("subject", subject).Error("Failed to handle message")
		msg.Nak()
	}, nats.Durable(durable), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}

// PublishDeadLetter 将无法处理的消息发布到来源 subject 对应的死信 subject。
// 死信与来源留在同一个 Stream 内，排障时按来源分别巡检。
func (b *Bus) PublishDeadLetter(ctx context.Context, source string, payload []byte, reason string) error {
	envelope, err := json.Marshal(deadLetterEnvelope{
		Reason:    reason,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return b.Publish(ctx, deadLetterSubject(source), envelope)
}

// deadLetterSubject 将来源 subject 映射到同一 Stream 内的死信 subject。
// 取来源的首个 token 作为 Stream 前缀：events.processed → events.deadletter，
// continuations.pending → continuations.deadletter。
func deadLetterSubject(source string) string {
	for i := 0; i < len(source); i++ {
		if source[i] == '.' {
			return source[:i+1] + deadLetterSuffix
		}
	}
	return source + "." + deadLetterSuffix
}

// Depth 返回指定 Stream 中的消息数量（维护任务上报队列深度用）。
func (b *Bus) Depth(stream string) (uint64, error) {
	info, err := b.js.StreamInfo(stream)
	if err != nil {
		return 0, fmt.Errorf("failed to get stream info for %s: %w", stream, err)
	}
	return info.State.Msgs, nil
}
