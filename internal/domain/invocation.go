// Package domain 定义了 CDP 函数引擎的核心领域模型。
package domain

import (
	"time"
)

// EventGlobals 表示投影执行上下文中的事件部分。
type EventGlobals struct {
	// UUID 是事件的唯一标识符
	UUID string `json:"uuid"`
	// Name 是事件名称（如 $pageview）
	Name string `json:"name"`
	// Properties 是事件属性
	Properties map[string]any `json:"properties,omitempty"`
	// Timestamp 是事件发生时间
	Timestamp time.Time `json:"timestamp"`
	// URL 是事件详情页地址
	URL string `json:"url,omitempty"`
}

// PersonGlobals 表示投影执行上下文中的人员部分。
type PersonGlobals struct {
	// ID 是人员的唯一标识符
	ID string `json:"id"`
	// Name 是人员展示名
	Name string `json:"name,omitempty"`
	// Properties 是人员属性
	Properties map[string]any `json:"properties,omitempty"`
}

// GroupGlobals 表示投影执行上下文中的一个群组记录。
type GroupGlobals struct {
	// ID 是群组的键（group key）
	ID string `json:"id"`
	// Type 是群组类型名（如 organization、project）
	Type string `json:"type"`
	// Index 是群组类型的位置下标，由上游上下文分配，不保证从 0 连续
	Index int `json:"index"`
	// Properties 是群组属性
	Properties map[string]any `json:"properties,omitempty"`
}

// InvocationGlobals 是一次调用的投影执行上下文。
// 只读快照：每个事件、每个函数各持有一份，执行期间不发生修改。
type InvocationGlobals struct {
	// ProjectID 是项目（租户）标识
	ProjectID int `json:"project_id"`
	// Event 是触发本次调用的事件
	Event EventGlobals `json:"event"`
	// Person 是事件关联的人员（可能为空）
	Person *PersonGlobals `json:"person,omitempty"`
	// Groups 是群组类型名到群组记录的映射
	Groups map[string]GroupGlobals `json:"groups,omitempty"`
}

// ProcessedEvent 表示从主事件流消费到的一条分析事件。
// 每条事件携带租户、事件名/属性、人员与群组引用以及时间戳。
type ProcessedEvent struct {
	// TeamID 是所属租户的 ID
	TeamID int `json:"team_id"`
	// UUID 是事件的唯一标识符
	UUID string `json:"uuid"`
	// Name 是事件名称
	Name string `json:"name"`
	// Properties 是事件属性
	Properties map[string]any `json:"properties,omitempty"`
	// Timestamp 是事件发生时间
	Timestamp time.Time `json:"timestamp"`
	// URL 是事件详情页地址
	URL string `json:"url,omitempty"`
	// Person 是事件关联的人员
	Person *PersonGlobals `json:"person,omitempty"`
	// Groups 是群组类型名到群组记录的映射
	Groups map[string]GroupGlobals `json:"groups,omitempty"`
}

// Globals 根据事件构造调用的投影执行上下文。
func (e *ProcessedEvent) Globals() *InvocationGlobals {
	return &InvocationGlobals{
		ProjectID: e.TeamID,
		Event: EventGlobals{
			UUID:       e.UUID,
			Name:       e.Name,
			Properties: e.Properties,
			Timestamp:  e.Timestamp,
			URL:        e.URL,
		},
		Person: e.Person,
		Groups: e.Groups,
	}
}

// CallRequest 表示挂起调用所请求的外部 HTTP 调用。
type CallRequest struct {
	// Method 是 HTTP 方法
	Method string `json:"method"`
	// URL 是目标地址
	URL string `json:"url"`
	// Headers 是请求头
	Headers map[string]string `json:"headers,omitempty"`
	// Body 是请求体
	Body string `json:"body,omitempty"`
	// TimeoutMs 是本次调用的超时时间（毫秒），为 0 时使用执行器默认值
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// CallResponse 表示外部 HTTP 调用的结果。
// 传输层失败（超时、连接失败）也以响应形式回传给函数逻辑：
// Status 为 0 且 Error 非空，由函数自行决定如何处理。
type CallResponse struct {
	// Status 是 HTTP 状态码（传输层失败时为 0）
	Status int `json:"status"`
	// Headers 是响应头
	Headers map[string]string `json:"headers,omitempty"`
	// Body 是响应体
	Body string `json:"body,omitempty"`
	// Error 是传输层失败的描述（仅失败时非空）
	Error string `json:"error,omitempty"`
}

// Continuation 是挂起调用的序列化恢复点。
// 等价于保存的程序计数器加局部状态，必须完全可表示为纯数据——
// 引擎在队列往返之间不保留任何内存态。
type Continuation struct {
	// PC 是恢复执行时的指令下标
	PC int `json:"pc"`
	// Stack 是保存的操作数栈
	Stack []any `json:"stack"`
	// Locals 是保存的局部变量
	Locals map[string]any `json:"locals,omitempty"`
	// StartedAt 是调用首次开始执行的时间（用于计算总耗时）
	StartedAt time.Time `json:"started_at"`
	// Response 是恢复执行时注入的外部调用结果（仅恢复时非空）
	Response *CallResponse `json:"response,omitempty"`
}

// InvocationState 表示调用的执行状态。
type InvocationState string

// 调用状态常量定义
const (
	// InvocationStatePending 表示调用已创建，尚未执行
	InvocationStatePending InvocationState = "pending"
	// InvocationStateSuspended 表示调用挂起，等待外部调用结果
	InvocationStateSuspended InvocationState = "suspended"
	// InvocationStateFinished 表示调用成功结束（终态）
	InvocationStateFinished InvocationState = "finished"
	// InvocationStateErrored 表示调用因故障或预算超限终止（终态）
	InvocationStateErrored InvocationState = "errored"
)

// Invocation 表示一个函数针对一个投影事件的一次执行尝试，
// 可能跨越多个挂起/恢复周期。
type Invocation struct {
	// ID 是调用的唯一标识符
	ID string `json:"id"`
	// TeamID 是所属租户的 ID
	TeamID int `json:"team_id"`
	// FunctionID 是被执行函数的 ID
	FunctionID string `json:"function_id"`
	// Function 是被执行函数的定义（不随延续序列化，恢复时按 ID 重新解析）
	Function *HogFunction `json:"-"`
	// Globals 是本次调用的投影执行上下文
	Globals *InvocationGlobals `json:"globals"`
	// State 是调用的当前执行状态
	State InvocationState `json:"state"`
	// Continuation 是挂起时的序列化恢复点（仅挂起时非空）
	Continuation *Continuation `json:"continuation,omitempty"`
	// PendingCall 是挂起时待执行的外部调用请求（仅挂起时非空）
	PendingCall *CallRequest `json:"pending_call,omitempty"`
	// Attempt 是已完成的执行步数（每次 Step 递增）
	Attempt int `json:"attempt"`
	// CreatedAt 是调用创建时间
	CreatedAt time.Time `json:"created_at"`
}

// IsTerminal 判断调用是否已到达终态。
func (i *Invocation) IsTerminal() bool {
	return i.State == InvocationStateFinished || i.State == InvocationStateErrored
}

// InvocationResult 表示一次执行步骤的结果。
type InvocationResult struct {
	// Invocation 是执行后的调用（状态已更新）
	Invocation *Invocation `json:"invocation"`
	// Finished 表示调用是否已成功结束
	Finished bool `json:"finished"`
	// Suspended 表示调用是否因外部调用请求而挂起
	Suspended bool `json:"suspended"`
	// Error 是执行故障描述（仅出错时非空）
	Error string `json:"error,omitempty"`
	// ErrorKind 区分故障类别："execution" 表示函数逻辑故障，
	// "budget_exceeded" 表示预算超限被放弃
	ErrorKind string `json:"error_kind,omitempty"`
	// Logs 是本步骤累积的日志行（保持产生顺序）
	Logs []LogEntry `json:"logs,omitempty"`
	// Metrics 是本步骤累积的指标（命名计数器）
	Metrics []AppMetric `json:"metrics,omitempty"`
}

// ContinuationState 是延续消息中经编解码器压缩的部分：
// 恢复点加上完整的投影上下文，保证挂起的调用可以完全重建。
type ContinuationState struct {
	// Continuation 是序列化恢复点
	Continuation *Continuation `json:"continuation"`
	// Globals 是调用的投影执行上下文
	Globals *InvocationGlobals `json:"globals"`
}

// ContinuationMessage 是延续队列上的一条消息。
// 以调用 ID 为键，使下游可以检测乱序或重复投递。
type ContinuationMessage struct {
	// InvocationID 是调用的唯一标识符
	InvocationID string `json:"invocation_id"`
	// TeamID 是所属租户的 ID
	TeamID int `json:"team_id"`
	// FunctionID 是被执行函数的 ID
	FunctionID string `json:"function_id"`
	// Attempt 是发布该消息时的执行步数（用于重复检测）
	Attempt int `json:"attempt"`
	// State 是经编解码器压缩的 ContinuationState
	State []byte `json:"state"`
	// Request 是待执行的外部调用请求
	Request *CallRequest `json:"request"`
}
