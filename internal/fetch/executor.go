// Package fetch 实现挂起调用所请求的出站 HTTP 调用。
// 执行器不在事件处理热路径上运行：延续队列的回调消费者在恢复调用前
// 调用它。执行器内部从不重试——重试策略（如果有）属于回调消费者。
package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oriys/hogflow/internal/domain"
	"github.com/sirupsen/logrus"
)

// maxResponseBytes 是读取响应体的上限，防止恶意端点撑爆内存。
const maxResponseBytes = 4 << 20

// Executor 定义外部调用执行能力。
// 生产实现发起真实 HTTP 请求；测试替身返回预置响应，
// 使调用逻辑的正确性可以脱离网络可用性验证。
type Executor interface {
	// Execute 执行一次外部调用，超时或传输失败返回 *domain.FetchError
	Execute(ctx context.Context, request *domain.CallRequest) (*domain.CallResponse, error)
}

// HTTPExecutor 是基于 net/http 的生产执行器。
type HTTPExecutor struct {
	client         *http.Client
	defaultTimeout time.Duration
	logger         *logrus.Logger
}

// NewHTTPExecutor 创建 HTTP 执行器。
// defaultTimeout 是未在请求中指定超时时间时采用的硬超时。
func NewHTTPExecutor(defaultTimeout time.Duration, logger *logrus.Logger) *HTTPExecutor {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	return &HTTPExecutor{
		client:         &http.Client{},
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Execute 执行外部 HTTP 调用。
// 非 2xx 响应是有效但不成功的响应，不作为错误返回；
// 超时与传输层失败返回类型化的 *domain.FetchError。
func (x *HTTPExecutor) Execute(ctx context.Context, request *domain.CallRequest) (*domain.CallResponse, error) {
	timeout := x.defaultTimeout
	if request.TimeoutMs > 0 {
		timeout = time.Duration(request.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := request.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if request.Body != "" {
		body = strings.NewReader(request.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, request.URL, body)
	if err != nil {
		return nil, &domain.FetchError{Kind: domain.FetchErrorConnection, URL: request.URL, Err: err}
	}
	for k, v := range request.Headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := x.client.Do(req)
	if err != nil {
		kind := domain.FetchErrorConnection
		if errors.Is(err, context.DeadlineExceeded) {
			kind = domain.FetchErrorTimeout
		}
		x.logger.WithError(err).WithFields(logrus.Fields{
			"url":  request.URL,
			"kind": kind,
		}).Warn("Fetch failed")
		return nil, &domain.FetchError{Kind: kind, URL: request.URL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &domain.FetchError{Kind: domain.FetchErrorConnection, URL: request.URL, Err: err}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	x.logger.WithFields(logrus.Fields{
		"url":         request.URL,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Debug("Fetch completed")

	return &domain.CallResponse{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    string(data),
	}, nil
}
