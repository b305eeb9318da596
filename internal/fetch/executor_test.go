// Package fetch 实现挂起调用所请求的出站 HTTP 调用。
package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oriys/hogflow/internal/domain"
	"github.com/sirupsen/logrus"
)

// testLogger 创建丢弃输出的测试日志器。
func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// TestHTTPExecutor_Execute 测试请求的方法、头与体被正确传递。
func TestHTTPExecutor_Execute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if got := r.Header.Get("X-Token"); got != "secret" {
			t.Errorf("X-Token = %q, want secret", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"value":1}` {
			t.Errorf("body = %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	executor := NewHTTPExecutor(5*time.Second, testLogger())
	response, err := executor.Execute(context.Background(), &domain.CallRequest{
		Method:  http.MethodPut,
		URL:     server.URL,
		Headers: map[string]string{"X-Token": "secret"},
		Body:    `{"value":1}`,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if response.Status != http.StatusCreated {
		t.Errorf("status = %d, want 201", response.Status)
	}
	if response.Body != `{"ok":true}` {
		t.Errorf("body = %q", response.Body)
	}
	if got := response.Headers["Content-Type"]; got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
}

// TestHTTPExecutor_DefaultMethod 测试未指定方法时默认使用 POST。
func TestHTTPExecutor_DefaultMethod(t *testing.T) {
	var gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
	}))
	defer server.Close()

	executor := NewHTTPExecutor(5*time.Second, testLogger())
	if _, err := executor.Execute(context.Background(), &domain.CallRequest{URL: server.URL}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
}

// TestHTTPExecutor_Non2xxIsNotError 测试非 2xx 响应不作为错误返回。
// 响应是有效数据，失败策略由引擎配置决定，不在传输层判断。
func TestHTTPExecutor_Non2xxIsNotError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	executor := NewHTTPExecutor(5*time.Second, testLogger())
	response, err := executor.Execute(context.Background(), &domain.CallRequest{URL: server.URL})
	if err != nil {
		t.Fatalf("Execute() error = %v, want nil", err)
	}
	if response.Status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", response.Status)
	}
}

// TestHTTPExecutor_Timeout 测试超时返回类型化的 FetchError。
func TestHTTPExecutor_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	executor := NewHTTPExecutor(5*time.Second, testLogger())
	_, err := executor.Execute(context.Background(), &domain.CallRequest{
		URL:       server.URL,
		TimeoutMs: 20,
	})
	if err == nil {
		t.Fatal("Execute() error = nil, want timeout")
	}

	var fetchErr *domain.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("Execute() error = %T, want *domain.FetchError", err)
	}
	if fetchErr.Kind != domain.FetchErrorTimeout {
		t.Errorf("kind = %s, want timeout", fetchErr.Kind)
	}
}

// TestHTTPExecutor_ConnectionFailure 测试连接失败返回类型化的 FetchError。
func TestHTTPExecutor_ConnectionFailure(t *testing.T) {
	// 立即关闭的服务器地址必然连接失败
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	executor := NewHTTPExecutor(time.Second, testLogger())
	_, err := executor.Execute(context.Background(), &domain.CallRequest{URL: url})
	if err == nil {
		t.Fatal("Execute() error = nil, want connection failure")
	}

	var fetchErr *domain.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("Execute() error = %T, want *domain.FetchError", err)
	}
	if fetchErr.Kind != domain.FetchErrorConnection {
		t.Errorf("kind = %s, want connection", fetchErr.Kind)
	}
}
