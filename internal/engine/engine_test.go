// Package engine 实现函数调用引擎。
package engine

import (
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/oriys/hogflow/internal/domain"
	"github.com/sirupsen/logrus"
)

// newTestEngine 创建测试用引擎：固定时钟、丢弃进程日志。
func newTestEngine(config Config) *Engine {
	if config.Clock == nil {
		fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		config.Clock = func() time.Time { return fixed }
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(config, logger)
}

// testGlobals 构造测试用的调用上下文。
func testGlobals() *domain.InvocationGlobals {
	return &domain.InvocationGlobals{
		ProjectID: 1,
		Event: domain.EventGlobals{
			UUID: "evt-1",
			Name: "$pageview",
			Properties: map[string]any{
				"url": "https://example.com/pricing",
			},
		},
	}
}

// newInvocation 构造一个尚未执行的全新调用。
func newInvocation(fn *domain.HogFunction) *domain.Invocation {
	return &domain.Invocation{
		ID:         "inv-1",
		TeamID:     1,
		FunctionID: fn.ID,
		Function:   fn,
		Globals:    testGlobals(),
		State:      domain.InvocationStatePending,
	}
}

// logMessages 提取结果中的日志消息序列。
func logMessages(logs []domain.LogEntry) []string {
	messages := make([]string, len(logs))
	for i, entry := range logs {
		messages[i] = entry.Message
	}
	return messages
}

// TestStep_FinishWithLogsAndMetrics 测试直通完成路径的日志与指标。
func TestStep_FinishWithLogsAndMetrics(t *testing.T) {
	engine := newTestEngine(Config{})
	fn := &domain.HogFunction{
		ID:     "fn-1",
		TeamID: 1,
		Bytecode: domain.Program{
			{Op: domain.OpLoad, Path: "event.properties.url"},
			{Op: domain.OpLog, Level: "info"},
			{Op: domain.OpMetric, Name: "processed", Kind: "success"},
			{Op: domain.OpFinish},
		},
	}

	result := engine.Step(newInvocation(fn))

	if !result.Finished || result.Suspended || result.Error != "" {
		t.Fatalf("Step() = finished=%v suspended=%v error=%q, want clean finish",
			result.Finished, result.Suspended, result.Error)
	}
	if result.Invocation.State != domain.InvocationStateFinished {
		t.Errorf("state = %s, want finished", result.Invocation.State)
	}

	want := []string{
		"Executing function",
		"https://example.com/pricing",
		"Function completed in 0.00ms",
	}
	if got := logMessages(result.Logs); !reflect.DeepEqual(got, want) {
		t.Errorf("logs = %v, want %v", got, want)
	}

	// metric 指令一条 + finish 的 succeeded 一条
	if len(result.Metrics) != 2 {
		t.Fatalf("metrics = %d, want 2", len(result.Metrics))
	}
	if result.Metrics[0].MetricName != "processed" || result.Metrics[0].MetricKind != domain.MetricKindSuccess {
		t.Errorf("metrics[0] = %+v", result.Metrics[0])
	}
	if result.Metrics[1].MetricName != "succeeded" {
		t.Errorf("metrics[1] = %+v, want succeeded", result.Metrics[1])
	}
}

// TestStep_Deterministic 测试同一上下文下重复执行产生完全相同的结果。
// 函数逻辑是纯的：固定时钟下日志与指标必须逐字节一致，这是安全重试的前提。
func TestStep_Deterministic(t *testing.T) {
	fn := &domain.HogFunction{
		ID:     "fn-1",
		TeamID: 1,
		Bytecode: domain.Program{
			{Op: domain.OpPush, Value: float64(6)},
			{Op: domain.OpPush, Value: float64(7)},
			{Op: domain.OpMul},
			{Op: domain.OpLog, Level: "info"},
			{Op: domain.OpFinish},
		},
	}

	engine := newTestEngine(Config{})
	first := engine.Step(newInvocation(fn))
	second := engine.Step(newInvocation(fn))

	if !reflect.DeepEqual(first.Logs, second.Logs) {
		t.Errorf("logs differ across identical executions:\n%v\n%v", first.Logs, second.Logs)
	}
	if !reflect.DeepEqual(first.Metrics, second.Metrics) {
		t.Errorf("metrics differ across identical executions:\n%v\n%v", first.Metrics, second.Metrics)
	}
	if got := first.Logs[1].Message; got != "42" {
		t.Errorf("computed log = %q, want 42", got)
	}
}

// TestStep_SuspendAndResume 测试挂起/恢复的完整周期。
// 覆盖挂起时的延续内容、恢复时响应值入栈以及完整的日志序列。
func TestStep_SuspendAndResume(t *testing.T) {
	engine := newTestEngine(Config{})
	fn := &domain.HogFunction{
		ID:     "fn-1",
		TeamID: 1,
		Bytecode: domain.Program{
			{Op: domain.OpPush, Value: map[string]any{
				"url":    "https://example.com/hook",
				"method": "GET",
			}},
			{Op: domain.OpFetch},
			{Op: domain.OpStoreVar, Name: "response"},
			{Op: domain.OpFinish},
		},
	}

	inv := newInvocation(fn)
	first := engine.Step(inv)

	if !first.Suspended || first.Finished {
		t.Fatalf("Step() = suspended=%v finished=%v, want suspended", first.Suspended, first.Finished)
	}
	if inv.State != domain.InvocationStateSuspended {
		t.Errorf("state = %s, want suspended", inv.State)
	}
	if inv.Continuation == nil || inv.Continuation.PC != 2 {
		t.Fatalf("continuation = %+v, want PC=2", inv.Continuation)
	}
	if inv.PendingCall == nil || inv.PendingCall.URL != "https://example.com/hook" || inv.PendingCall.Method != "GET" {
		t.Fatalf("pending call = %+v", inv.PendingCall)
	}

	wantFirst := []string{
		"Executing function",
		"Suspending execution for external call: GET https://example.com/hook",
	}
	if got := logMessages(first.Logs); !reflect.DeepEqual(got, wantFirst) {
		t.Errorf("first step logs = %v, want %v", got, wantFirst)
	}

	second := engine.Resume(inv, &domain.CallResponse{Status: 200, Body: `{"ok":true}`})

	if !second.Finished || second.Suspended {
		t.Fatalf("Resume() = finished=%v suspended=%v, want finished", second.Finished, second.Suspended)
	}
	wantSecond := []string{
		"Resuming function",
		"Fetch response: status=200",
		"Function completed in 0.00ms",
	}
	if got := logMessages(second.Logs); !reflect.DeepEqual(got, wantSecond) {
		t.Errorf("resume logs = %v, want %v", got, wantSecond)
	}

	// 整个调用恰好产生一条成功指标
	var succeeded int
	for _, m := range append(first.Metrics, second.Metrics...) {
		if m.MetricName == "succeeded" {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Errorf("succeeded metrics = %d, want exactly 1", succeeded)
	}
}

// TestStep_ResumeWithFetchError 测试传输层失败以数据形式回传给函数逻辑。
// 失败不会吞掉调用：函数自己读取 error 字段决定如何处理。
func TestStep_ResumeWithFetchError(t *testing.T) {
	engine := newTestEngine(Config{})
	fn := &domain.HogFunction{
		ID:     "fn-1",
		TeamID: 1,
		Bytecode: domain.Program{
			{Op: domain.OpPush, Value: map[string]any{"url": "https://example.com/hook"}},
			{Op: domain.OpFetch},
			{Op: domain.OpStoreVar, Name: "response"},
			{Op: domain.OpFinish},
		},
	}

	inv := newInvocation(fn)
	engine.Step(inv)
	result := engine.Resume(inv, &domain.CallResponse{Status: 0, Error: "connection refused"})

	if !result.Finished {
		t.Fatalf("Resume() error = %q, want finish despite fetch failure", result.Error)
	}

	var found bool
	for _, entry := range result.Logs {
		if strings.HasPrefix(entry.Message, "Fetch response: error=") {
			found = true
			if entry.Level != domain.LogLevelWarn {
				t.Errorf("fetch error log level = %s, want warn", entry.Level)
			}
		}
	}
	if !found {
		t.Errorf("no fetch error log in %v", logMessages(result.Logs))
	}
}

// TestStep_TreatNon2xxAsError 测试非 2xx 响应的可配置失败策略。
func TestStep_TreatNon2xxAsError(t *testing.T) {
	// tests 定义了测试用例切片
	tests := []struct {
		name       string // 测试用例名称
		treat      bool   // 是否开启非 2xx 即失败
		status     int    // 注入的响应状态码
		wantFinish bool   // 是否期望成功结束
	}{
		{
			// 测试用例：默认策略下非 2xx 交给函数逻辑处理
			name:       "default policy passes 500 through",
			treat:      false,
			status:     500,
			wantFinish: true,
		},
		{
			// 测试用例：开启策略后非 2xx 直接失败
			name:       "strict policy fails on 500",
			treat:      true,
			status:     500,
			wantFinish: false,
		},
		{
			// 测试用例：开启策略后 2xx 正常通过
			name:       "strict policy passes 204",
			treat:      true,
			status:     204,
			wantFinish: true,
		},
	}

	fn := &domain.HogFunction{
		ID:     "fn-1",
		TeamID: 1,
		Bytecode: domain.Program{
			{Op: domain.OpPush, Value: map[string]any{"url": "https://example.com/hook"}},
			{Op: domain.OpFetch},
			{Op: domain.OpPop},
			{Op: domain.OpFinish},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(Config{TreatNon2xxAsError: tt.treat})
			inv := newInvocation(fn)
			engine.Step(inv)
			result := engine.Resume(inv, &domain.CallResponse{Status: tt.status})

			if result.Finished != tt.wantFinish {
				t.Errorf("Resume() finished = %v, want %v (error=%q)",
					result.Finished, tt.wantFinish, result.Error)
			}
			if !tt.wantFinish && result.ErrorKind != "execution" {
				t.Errorf("error kind = %q, want execution", result.ErrorKind)
			}
		})
	}
}

// TestStep_ExecutionErrors 测试函数逻辑故障进入出错终态。
func TestStep_ExecutionErrors(t *testing.T) {
	// tests 定义了测试用例切片
	tests := []struct {
		name     string         // 测试用例名称
		bytecode domain.Program // 出错的字节码
		wantErr  string         // 期望的错误信息片段
	}{
		{
			// 测试用例：除零
			name: "division by zero",
			bytecode: domain.Program{
				{Op: domain.OpPush, Value: float64(1)},
				{Op: domain.OpPush, Value: float64(0)},
				{Op: domain.OpDiv},
				{Op: domain.OpFinish},
			},
			wantErr: "division by zero",
		},
		{
			// 测试用例：算术指令遇到非数值
			name: "type error on add",
			bytecode: domain.Program{
				{Op: domain.OpPush, Value: "text"},
				{Op: domain.OpPush, Value: float64(1)},
				{Op: domain.OpAdd},
				{Op: domain.OpFinish},
			},
			wantErr: "type error",
		},
		{
			// 测试用例：未绑定的上下文引用
			name: "unbound reference",
			bytecode: domain.Program{
				{Op: domain.OpLoad, Path: "event.properties.missing"},
				{Op: domain.OpFinish},
			},
			wantErr: "unbound reference",
		},
		{
			// 测试用例：未绑定的局部变量
			name: "unbound variable",
			bytecode: domain.Program{
				{Op: domain.OpLoadVar, Name: "nothing"},
				{Op: domain.OpFinish},
			},
			wantErr: "unbound variable",
		},
		{
			// 测试用例：栈下溢
			name: "stack underflow",
			bytecode: domain.Program{
				{Op: domain.OpPop},
				{Op: domain.OpFinish},
			},
			wantErr: "stack underflow",
		},
		{
			// 测试用例：未知操作码
			name: "unknown opcode",
			bytecode: domain.Program{
				{Op: "teleport"},
			},
			wantErr: "unknown opcode",
		},
		{
			// 测试用例：程序计数器越界（缺少 finish）
			name: "pc out of range",
			bytecode: domain.Program{
				{Op: domain.OpPush, Value: float64(1)},
			},
			wantErr: "program counter out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(Config{})
			fn := &domain.HogFunction{ID: "fn-1", TeamID: 1, Bytecode: tt.bytecode}
			result := engine.Step(newInvocation(fn))

			if result.Finished || result.Suspended {
				t.Fatalf("Step() = finished=%v suspended=%v, want errored", result.Finished, result.Suspended)
			}
			if result.Invocation.State != domain.InvocationStateErrored {
				t.Errorf("state = %s, want errored", result.Invocation.State)
			}
			if result.ErrorKind != "execution" {
				t.Errorf("error kind = %q, want execution", result.ErrorKind)
			}
			if !strings.Contains(result.Error, tt.wantErr) {
				t.Errorf("error = %q, want containing %q", result.Error, tt.wantErr)
			}

			// 出错终态带一条失败指标
			var failed int
			for _, m := range result.Metrics {
				if m.MetricName == "failed" && m.MetricKind == domain.MetricKindFailure {
					failed++
				}
			}
			if failed != 1 {
				t.Errorf("failed metrics = %d, want 1", failed)
			}
		})
	}
}

// TestStep_OpsCeiling 测试单步指令数上限保护消费者不被死循环独占。
func TestStep_OpsCeiling(t *testing.T) {
	engine := newTestEngine(Config{MaxOpsPerStep: 50})
	fn := &domain.HogFunction{
		ID:     "fn-1",
		TeamID: 1,
		Bytecode: domain.Program{
			{Op: domain.OpJump, Target: 0},
		},
	}

	result := engine.Step(newInvocation(fn))

	if result.Invocation.State != domain.InvocationStateErrored {
		t.Fatalf("state = %s, want errored", result.Invocation.State)
	}
	if !strings.Contains(result.Error, "max operations") {
		t.Errorf("error = %q, want max operations", result.Error)
	}
}

// TestStep_ArithmeticAndLogicOps 测试算术、比较与逻辑指令的求值结果。
// 每条用例执行 push/push/op/log/finish，断言日志输出的计算结果。
func TestStep_ArithmeticAndLogicOps(t *testing.T) {
	// tests 定义了测试用例切片
	tests := []struct {
		name  string    // 测试用例名称
		op    domain.Op // 被测指令
		left  any       // 左操作数
		right any       // 右操作数
		want  string    // 期望的日志输出
	}{
		{
			// 测试用例：加法
			name: "add",
			op:   domain.OpAdd, left: float64(2), right: float64(3), want: "5",
		},
		{
			// 测试用例：减法
			name: "sub",
			op:   domain.OpSub, left: float64(10), right: float64(4), want: "6",
		},
		{
			// 测试用例：乘法
			name: "mul",
			op:   domain.OpMul, left: float64(6), right: float64(7), want: "42",
		},
		{
			// 测试用例：除法
			name: "div",
			op:   domain.OpDiv, left: float64(9), right: float64(3), want: "3",
		},
		{
			// 测试用例：取余
			name: "mod",
			op:   domain.OpMod, left: float64(10), right: float64(3), want: "1",
		},
		{
			// 测试用例：大于等于（边界相等）
			name: "gte boundary",
			op:   domain.OpGte, left: float64(5), right: float64(5), want: "true",
		},
		{
			// 测试用例：大于等于不成立
			name: "gte false",
			op:   domain.OpGte, left: float64(4), right: float64(5), want: "false",
		},
		{
			// 测试用例：小于等于（边界相等）
			name: "lte boundary",
			op:   domain.OpLte, left: float64(5), right: float64(5), want: "true",
		},
		{
			// 测试用例：小于等于不成立
			name: "lte false",
			op:   domain.OpLte, left: float64(6), right: float64(5), want: "false",
		},
		{
			// 测试用例：逻辑与两真为真
			name: "and both true",
			op:   domain.OpAnd, left: true, right: "non-empty", want: "true",
		},
		{
			// 测试用例：逻辑与一假为假
			name: "and one false",
			op:   domain.OpAnd, left: true, right: float64(0), want: "false",
		},
		{
			// 测试用例：逻辑或一真为真
			name: "or one true",
			op:   domain.OpOr, left: "", right: true, want: "true",
		},
		{
			// 测试用例：逻辑或全假为假
			name: "or both false",
			op:   domain.OpOr, left: "", right: float64(0), want: "false",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(Config{})
			fn := &domain.HogFunction{
				ID:     "fn-1",
				TeamID: 1,
				Bytecode: domain.Program{
					{Op: domain.OpPush, Value: tt.left},
					{Op: domain.OpPush, Value: tt.right},
					{Op: tt.op},
					{Op: domain.OpLog, Level: "info"},
					{Op: domain.OpFinish},
				},
			}

			result := engine.Step(newInvocation(fn))

			if !result.Finished {
				t.Fatalf("Step() error = %q, want finish", result.Error)
			}
			if got := result.Logs[1].Message; got != tt.want {
				t.Errorf("log = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestStep_ModuloByZero 测试模零是执行错误。
func TestStep_ModuloByZero(t *testing.T) {
	engine := newTestEngine(Config{})
	fn := &domain.HogFunction{
		ID:     "fn-1",
		TeamID: 1,
		Bytecode: domain.Program{
			{Op: domain.OpPush, Value: float64(5)},
			{Op: domain.OpPush, Value: float64(0)},
			{Op: domain.OpMod},
			{Op: domain.OpFinish},
		},
	}

	result := engine.Step(newInvocation(fn))

	if result.Invocation.State != domain.InvocationStateErrored {
		t.Fatalf("state = %s, want errored", result.Invocation.State)
	}
	if !strings.Contains(result.Error, "modulo by zero") {
		t.Errorf("error = %q, want modulo by zero", result.Error)
	}
}

// TestStep_ConditionalBranch 测试条件跳转与比较指令。
func TestStep_ConditionalBranch(t *testing.T) {
	engine := newTestEngine(Config{})
	// if event.name == "$pageview" { log "matched" } else { log "other" }
	fn := &domain.HogFunction{
		ID:     "fn-1",
		TeamID: 1,
		Bytecode: domain.Program{
			{Op: domain.OpLoad, Path: "event.name"},
			{Op: domain.OpPush, Value: "$pageview"},
			{Op: domain.OpEq},
			{Op: domain.OpJumpIfFalse, Target: 6},
			{Op: domain.OpPush, Value: "matched"},
			{Op: domain.OpJump, Target: 7},
			{Op: domain.OpPush, Value: "other"},
			{Op: domain.OpLog, Level: "info"},
			{Op: domain.OpFinish},
		},
	}

	result := engine.Step(newInvocation(fn))

	if !result.Finished {
		t.Fatalf("Step() error = %q, want finish", result.Error)
	}
	if got := result.Logs[1].Message; got != "matched" {
		t.Errorf("branch log = %q, want matched", got)
	}
}

// TestStep_InputBindings 测试有序输入绑定在执行前物化为局部变量。
func TestStep_InputBindings(t *testing.T) {
	engine := newTestEngine(Config{})
	fn := &domain.HogFunction{
		ID:     "fn-1",
		TeamID: 1,
		Inputs: []domain.InputBinding{
			{Name: "prefix", Value: "visited: "},
			{Name: "page", Path: "event.properties.url"},
		},
		Bytecode: domain.Program{
			{Op: domain.OpLoadVar, Name: "prefix"},
			{Op: domain.OpLoadVar, Name: "page"},
			{Op: domain.OpConcat},
			{Op: domain.OpLog, Level: "info"},
			{Op: domain.OpFinish},
		},
	}

	result := engine.Step(newInvocation(fn))

	if !result.Finished {
		t.Fatalf("Step() error = %q, want finish", result.Error)
	}
	want := "visited: https://example.com/pricing"
	if got := result.Logs[1].Message; got != want {
		t.Errorf("log = %q, want %q", got, want)
	}
}

// TestResume_NotSuspended 测试对非挂起调用注入响应被拒绝。
func TestResume_NotSuspended(t *testing.T) {
	engine := newTestEngine(Config{})
	fn := &domain.HogFunction{
		ID:       "fn-1",
		TeamID:   1,
		Bytecode: domain.Program{{Op: domain.OpFinish}},
	}

	inv := newInvocation(fn)
	result := engine.Resume(inv, &domain.CallResponse{Status: 200})

	if result.Finished || result.Suspended {
		t.Fatalf("Resume() on pending invocation must error")
	}
	if !strings.Contains(result.Error, domain.ErrNotSuspended.Error()) {
		t.Errorf("error = %q, want %q", result.Error, domain.ErrNotSuspended.Error())
	}
}

// TestStep_MissingBytecode 测试缺失字节码的调用直接出错。
func TestStep_MissingBytecode(t *testing.T) {
	engine := newTestEngine(Config{})
	inv := newInvocation(&domain.HogFunction{ID: "fn-1", TeamID: 1})

	result := engine.Step(inv)

	if result.Invocation.State != domain.InvocationStateErrored {
		t.Errorf("state = %s, want errored", result.Invocation.State)
	}
}
