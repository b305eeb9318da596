// Package engine 实现函数调用引擎。
// 本文件是封闭指令集的栈式解释器：指令种类是一个固定的求和类型，
// 未知操作码一律按执行错误处理，不做任何面向对象式的动态分发。
package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/oriys/hogflow/internal/domain"
	"github.com/oriys/hogflow/internal/filters"
)

// run 从给定延续开始执行字节码，直到完成、挂起或出错。
func (e *Engine) run(inv *domain.Invocation, cont *domain.Continuation, record map[string]any, result *domain.InvocationResult) *domain.InvocationResult {
	program := inv.Function.Bytecode
	pc := cont.PC
	stack := cont.Stack
	locals := cont.Locals
	if locals == nil {
		locals = make(map[string]any)
	}

	pop := func() (any, error) {
		if len(stack) == 0 {
			return nil, errors.New("stack underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}
	popNumber := func() (float64, error) {
		v, err := pop()
		if err != nil {
			return 0, err
		}
		n, ok := toNumber(v)
		if !ok {
			return 0, fmt.Errorf("type error: expected number, got %T", v)
		}
		return n, nil
	}

	for ops := 0; ; ops++ {
		if ops >= e.config.MaxOpsPerStep {
			return e.errored(result, "execution",
				fmt.Sprintf("exceeded max operations per step (%d)", e.config.MaxOpsPerStep))
		}
		if pc < 0 || pc >= len(program) {
			return e.errored(result, "execution",
				fmt.Sprintf("program counter out of range: %d", pc))
		}

		instr := program[pc]
		switch instr.Op {
		case domain.OpPush:
			stack = append(stack, instr.Value)
			pc++

		case domain.OpPop:
			if _, err := pop(); err != nil {
				return e.errored(result, "execution", err.Error())
			}
			pc++

		case domain.OpLoad:
			value, ok := filters.LookupPath(record, instr.Path)
			if !ok {
				return e.errored(result, "execution",
					fmt.Sprintf("unbound reference: %s", instr.Path))
			}
			stack = append(stack, value)
			pc++

		case domain.OpStoreVar:
			value, err := pop()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			locals[instr.Name] = value
			pc++

		case domain.OpLoadVar:
			value, ok := locals[instr.Name]
			if !ok {
				return e.errored(result, "execution",
					fmt.Sprintf("unbound variable: %s", instr.Name))
			}
			stack = append(stack, value)
			pc++

		case domain.OpAdd, domain.OpSub, domain.OpMul, domain.OpDiv, domain.OpMod:
			right, err := popNumber()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			left, err := popNumber()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			var out float64
			switch instr.Op {
			case domain.OpAdd:
				out = left + right
			case domain.OpSub:
				out = left - right
			case domain.OpMul:
				out = left * right
			case domain.OpDiv:
				if right == 0 {
					return e.errored(result, "execution", "division by zero")
				}
				out = left / right
			case domain.OpMod:
				if right == 0 {
					return e.errored(result, "execution", "modulo by zero")
				}
				out = math.Mod(left, right)
			}
			stack = append(stack, out)
			pc++

		case domain.OpConcat:
			right, err := pop()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			left, err := pop()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			stack = append(stack, stringify(left)+stringify(right))
			pc++

		case domain.OpEq, domain.OpNeq:
			right, err := pop()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			left, err := pop()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			equal := equalValues(left, right)
			if instr.Op == domain.OpNeq {
				equal = !equal
			}
			stack = append(stack, equal)
			pc++

		case domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
			right, err := popNumber()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			left, err := popNumber()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			switch instr.Op {
			case domain.OpGt:
				stack = append(stack, left > right)
			case domain.OpGte:
				stack = append(stack, left >= right)
			case domain.OpLt:
				stack = append(stack, left < right)
			default:
				stack = append(stack, left <= right)
			}
			pc++

		case domain.OpNot:
			value, err := pop()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			stack = append(stack, !truthy(value))
			pc++

		case domain.OpAnd, domain.OpOr:
			right, err := pop()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			left, err := pop()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			if instr.Op == domain.OpAnd {
				stack = append(stack, truthy(left) && truthy(right))
			} else {
				stack = append(stack, truthy(left) || truthy(right))
			}
			pc++

		case domain.OpJump:
			pc = instr.Target

		case domain.OpJumpIfFalse:
			value, err := pop()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			if truthy(value) {
				pc++
			} else {
				pc = instr.Target
			}

		case domain.OpLog:
			value, err := pop()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			e.appendLog(result, logLevel(instr.Level), stringify(value))
			pc++

		case domain.OpMetric:
			kind := domain.MetricKind(instr.Kind)
			if kind != domain.MetricKindFailure {
				kind = domain.MetricKindSuccess
			}
			e.appendMetric(result, instr.Name, kind)
			pc++

		case domain.OpFetch:
			value, err := pop()
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}
			request, err := callRequestFromValue(value)
			if err != nil {
				return e.errored(result, "execution", err.Error())
			}

			// 挂起：保存恢复点，外部调用交由回调消费者执行
			cont.PC = pc + 1
			cont.Stack = stack
			cont.Locals = locals
			cont.Response = nil

			inv.State = domain.InvocationStateSuspended
			inv.Continuation = cont
			inv.PendingCall = request
			result.Suspended = true

			e.appendLog(result, domain.LogLevelInfo,
				fmt.Sprintf("Suspending execution for external call: %s %s", request.Method, request.URL))
			return result

		case domain.OpFinish:
			duration := e.clock().Sub(cont.StartedAt)
			e.appendLog(result, domain.LogLevelInfo,
				fmt.Sprintf("Function completed in %.2fms", float64(duration.Microseconds())/1000))
			e.appendMetric(result, "succeeded", domain.MetricKindSuccess)

			inv.State = domain.InvocationStateFinished
			result.Finished = true
			return result

		default:
			return e.errored(result, "execution",
				fmt.Sprintf("unknown opcode: %s", instr.Op))
		}
	}
}

// callRequestFromValue 将栈顶的请求对象转换为外部调用请求。
// 约定对象形如 {url, method, headers, body, timeout_ms}，url 必填。
func callRequestFromValue(value any) (*domain.CallRequest, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("type error: fetch expects a request object, got %T", value)
	}

	url, _ := obj["url"].(string)
	if url == "" {
		return nil, errors.New("fetch request missing url")
	}

	request := &domain.CallRequest{
		Method: "POST",
		URL:    url,
	}
	if method, ok := obj["method"].(string); ok && method != "" {
		request.Method = method
	}
	if body, ok := obj["body"].(string); ok {
		request.Body = body
	}
	if timeout, ok := toNumber(obj["timeout_ms"]); ok {
		request.TimeoutMs = int(timeout)
	}
	if headers, ok := obj["headers"].(map[string]any); ok {
		request.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			request.Headers[k] = stringify(v)
		}
	}

	return request, nil
}

// logLevel 解析 log 指令的级别操作数，未知级别按 info 处理。
func logLevel(level string) domain.LogLevel {
	switch domain.LogLevel(level) {
	case domain.LogLevelDebug, domain.LogLevelInfo, domain.LogLevelWarn, domain.LogLevelError:
		return domain.LogLevel(level)
	default:
		return domain.LogLevelInfo
	}
}

// truthy 判断值的真值：nil、false、0、"" 为假，其余为真。
func truthy(v any) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case string:
		return value != ""
	default:
		if n, ok := toNumber(v); ok {
			return n != 0
		}
		return true
	}
}

// toNumber 尝试将值折算为 float64。
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// equalValues 比较两个值：数值折算后比较，其余按字符串表示比较。
// 与过滤器的 exact 语义保持一致，兼容 JSON 反序列化带来的类型差异。
func equalValues(a, b any) bool {
	if na, okA := toNumber(a); okA {
		if nb, okB := toNumber(b); okB {
			return na == nb
		}
	}
	return stringify(a) == stringify(b)
}

// stringify 将值转换为字符串表示（nil 为空串，数值去除多余小数位）。
func stringify(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		if value == float64(int64(value)) {
			return fmt.Sprintf("%d", int64(value))
		}
		return fmt.Sprintf("%v", value)
	default:
		return fmt.Sprintf("%v", value)
	}
}
