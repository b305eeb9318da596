// Package engine 实现函数调用引擎。
// 引擎对单个函数、单个投影事件执行一步（Step）：从头开始或从持久化的
// 延续恢复，一直运行到完成、挂起（请求外部调用）或出错为止。
// 引擎自身不执行外部调用，也不在队列往返之间保留任何内存态——
// 挂起的调用必须能从序列化的延续完整重建。
package engine

import (
	"fmt"
	"time"

	"github.com/oriys/hogflow/internal/domain"
	"github.com/oriys/hogflow/internal/filters"
	"github.com/oriys/hogflow/internal/projector"
	"github.com/sirupsen/logrus"
)

// Config 调用引擎配置。
type Config struct {
	// MaxOpsPerStep 是单步执行的指令数上限，防止死循环独占消费者
	MaxOpsPerStep int
	// TreatNon2xxAsError 控制非 2xx 响应是否直接使调用失败；
	// 关闭（默认）时响应作为数据交给函数逻辑自行判断
	TreatNon2xxAsError bool
	// Clock 是时间源，为 nil 时使用 time.Now（测试中注入固定时钟）
	Clock func() time.Time
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		MaxOpsPerStep: 10000,
	}
}

// Engine 函数调用引擎。
// 给定相同的投影上下文与相同的外部调用结果，重复执行产生完全相同的
// 日志与指标（函数逻辑本身是纯的），这是安全重试的前提。
type Engine struct {
	config Config
	logger *logrus.Logger
	clock  func() time.Time
}

// New 创建调用引擎实例。
func New(config Config, logger *logrus.Logger) *Engine {
	if config.MaxOpsPerStep <= 0 {
		config.MaxOpsPerStep = DefaultConfig().MaxOpsPerStep
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		config: config,
		logger: logger,
		clock:  clock,
	}
}

// Step 执行调用的一步。
//
// 三种结局：
//   - Finished：函数执行到 finish 指令，结果携带最终日志与指标
//   - Suspended：函数请求了外部调用，结果携带序列化延续与调用请求
//   - Errored：函数逻辑出现不可恢复故障（类型错误、除零、未绑定引用），
//     终态，记录失败指标，不再重试
func (e *Engine) Step(inv *domain.Invocation) *domain.InvocationResult {
	result := &domain.InvocationResult{Invocation: inv}

	if inv.Function == nil || len(inv.Function.Bytecode) == 0 {
		return e.errored(result, "execution", domain.ErrInvalidBytecode.Error())
	}

	record := projector.Project(inv.Globals)

	var cont *domain.Continuation
	if inv.Continuation == nil {
		// 全新启动：物化输入绑定并从指令 0 开始
		cont = &domain.Continuation{
			PC:        0,
			Stack:     []any{},
			Locals:    materializeInputs(inv.Function.Inputs, record),
			StartedAt: e.clock(),
		}
		e.appendLog(result, domain.LogLevelInfo, "Executing function")
	} else {
		// 从延续恢复：注入外部调用结果后继续执行
		cont = inv.Continuation
		if cont.Response == nil {
			return e.errored(result, "execution", domain.ErrNotSuspended.Error())
		}
		e.appendLog(result, domain.LogLevelInfo, "Resuming function")

		response := cont.Response
		cont.Response = nil
		cont.Stack = append(cont.Stack, responseValue(response))

		if response.Error != "" {
			e.appendLog(result, domain.LogLevelWarn,
				fmt.Sprintf("Fetch response: error=%s", response.Error))
		} else {
			e.appendLog(result, domain.LogLevelInfo,
				fmt.Sprintf("Fetch response: status=%d", response.Status))
		}

		if e.config.TreatNon2xxAsError && (response.Status < 200 || response.Status >= 300) {
			return e.errored(result, "execution",
				fmt.Sprintf("fetch returned non-2xx status %d", response.Status))
		}
	}

	inv.Continuation = nil
	inv.PendingCall = nil
	inv.Attempt++

	e.logger.WithFields(logrus.Fields{
		"invocation_id": inv.ID,
		"function_id":   inv.FunctionID,
		"attempt":       inv.Attempt,
	}).Debug("Stepping invocation")

	return e.run(inv, cont, record, result)
}

// Resume 将外部调用结果注入挂起的调用并执行下一步。
func (e *Engine) Resume(inv *domain.Invocation, response *domain.CallResponse) *domain.InvocationResult {
	if inv.State != domain.InvocationStateSuspended || inv.Continuation == nil {
		result := &domain.InvocationResult{Invocation: inv}
		return e.errored(result, "execution", domain.ErrNotSuspended.Error())
	}
	inv.Continuation.Response = response
	return e.Step(inv)
}

// errored 将调用置为出错终态并记录失败日志与指标。
func (e *Engine) errored(result *domain.InvocationResult, kind, message string) *domain.InvocationResult {
	inv := result.Invocation
	inv.State = domain.InvocationStateErrored
	inv.Continuation = nil
	inv.PendingCall = nil

	result.Error = message
	result.ErrorKind = kind

	e.appendLog(result, domain.LogLevelError, fmt.Sprintf("Function failed: %s", message))
	e.appendMetric(result, "failed", domain.MetricKindFailure)

	e.logger.WithFields(logrus.Fields{
		"invocation_id": inv.ID,
		"function_id":   inv.FunctionID,
		"error_kind":    kind,
	}).Warn("Invocation errored")

	return result
}

// appendLog 追加一条函数日志到本步骤结果。
func (e *Engine) appendLog(result *domain.InvocationResult, level domain.LogLevel, message string) {
	inv := result.Invocation
	result.Logs = append(result.Logs, domain.LogEntry{
		TeamID:      inv.TeamID,
		LogSource:   domain.AppSourceHogFunction,
		LogSourceID: inv.FunctionID,
		InstanceID:  inv.ID,
		Level:       level,
		Message:     message,
		Timestamp:   e.clock(),
	})
}

// appendMetric 追加一条应用指标到本步骤结果。
func (e *Engine) appendMetric(result *domain.InvocationResult, name string, kind domain.MetricKind) {
	inv := result.Invocation
	result.Metrics = append(result.Metrics, domain.AppMetric{
		TeamID:      inv.TeamID,
		AppSource:   domain.AppSourceHogFunction,
		AppSourceID: inv.FunctionID,
		MetricName:  name,
		MetricKind:  kind,
		Count:       1,
	})
}

// materializeInputs 在程序启动前将有序输入绑定写入局部变量。
// Path 非空的绑定从投影记录取值（缺失为 nil），否则使用字面量。
func materializeInputs(inputs []domain.InputBinding, record map[string]any) map[string]any {
	locals := make(map[string]any, len(inputs))
	for _, binding := range inputs {
		if binding.Path != "" {
			value, _ := filters.LookupPath(record, binding.Path)
			locals[binding.Name] = value
			continue
		}
		locals[binding.Name] = binding.Value
	}
	return locals
}

// responseValue 将外部调用结果转换为栈上的值。
func responseValue(resp *domain.CallResponse) map[string]any {
	headers := make(map[string]any, len(resp.Headers))
	for k, v := range resp.Headers {
		headers[k] = v
	}
	value := map[string]any{
		"status":  float64(resp.Status),
		"headers": headers,
		"body":    resp.Body,
	}
	if resp.Error != "" {
		value["error"] = resp.Error
	}
	return value
}
