// Package domain 定义了 CDP 函数引擎的核心领域模型。
package domain

import "time"

// Op 表示虚拟机指令操作码。
// 指令集是封闭的（求和类型），解释器对未知操作码一律报执行错误。
type Op string

// 指令集常量定义
const (
	// OpPush 将字面量压入操作数栈
	OpPush Op = "push"
	// OpPop 弹出并丢弃栈顶值
	OpPop Op = "pop"
	// OpLoad 按点号路径从投影上下文读取值并压栈（如 event.properties.url）
	OpLoad Op = "load"
	// OpStoreVar 弹出栈顶值并存入局部变量
	OpStoreVar Op = "store_var"
	// OpLoadVar 将局部变量值压栈
	OpLoadVar Op = "load_var"

	// OpAdd 弹出两个数值，压入其和
	OpAdd Op = "add"
	// OpSub 弹出两个数值，压入其差
	OpSub Op = "sub"
	// OpMul 弹出两个数值，压入其积
	OpMul Op = "mul"
	// OpDiv 弹出两个数值，压入其商（除零为执行错误）
	OpDiv Op = "div"
	// OpMod 弹出两个数值，压入其余数（模零为执行错误）
	OpMod Op = "mod"
	// OpConcat 弹出两个值，压入其字符串拼接结果
	OpConcat Op = "concat"

	// OpEq 弹出两个值，压入相等比较结果
	OpEq Op = "eq"
	// OpNeq 弹出两个值，压入不等比较结果
	OpNeq Op = "neq"
	// OpGt 弹出两个数值，压入大于比较结果
	OpGt Op = "gt"
	// OpGte 弹出两个数值，压入大于等于比较结果
	OpGte Op = "gte"
	// OpLt 弹出两个数值，压入小于比较结果
	OpLt Op = "lt"
	// OpLte 弹出两个数值，压入小于等于比较结果
	OpLte Op = "lte"
	// OpNot 弹出一个值，压入其真值取反
	OpNot Op = "not"
	// OpAnd 弹出两个值，压入其真值逻辑与
	OpAnd Op = "and"
	// OpOr 弹出两个值，压入其真值逻辑或
	OpOr Op = "or"

	// OpJump 无条件跳转到目标指令
	OpJump Op = "jump"
	// OpJumpIfFalse 弹出栈顶值，为假值时跳转到目标指令
	OpJumpIfFalse Op = "jump_if_false"

	// OpLog 弹出栈顶值作为消息，输出结构化日志
	OpLog Op = "log"
	// OpMetric 记录一条命名指标（计数 1）
	OpMetric Op = "metric"
	// OpFetch 弹出请求对象并挂起调用，等待外部 HTTP 调用结果
	OpFetch Op = "fetch"
	// OpFinish 终止执行，调用进入完成状态
	OpFinish Op = "finish"
)

// Instruction 表示一条虚拟机指令。
// 不同操作码使用不同的操作数字段，未用到的字段保持零值。
type Instruction struct {
	// Op 是操作码
	Op Op `json:"op"`
	// Value 是 push 指令的字面量操作数
	Value any `json:"value,omitempty"`
	// Path 是 load 指令的点号路径操作数
	Path string `json:"path,omitempty"`
	// Name 是变量名（store_var/load_var）或指标名（metric）
	Name string `json:"name,omitempty"`
	// Level 是 log 指令的日志级别（debug/info/warn/error）
	Level string `json:"level,omitempty"`
	// Kind 是 metric 指令的指标类别（success/failure）
	Kind string `json:"kind,omitempty"`
	// Target 是跳转指令的目标指令下标
	Target int `json:"target,omitempty"`
}

// Program 表示一个函数的完整字节码。
type Program []Instruction

// FilterOperator 表示过滤器叶子条件的比较操作符。
type FilterOperator string

// 过滤器操作符常量定义
const (
	OperatorExact        FilterOperator = "exact"
	OperatorNotExact     FilterOperator = "not_exact"
	OperatorIContains    FilterOperator = "icontains"
	OperatorNotIContains FilterOperator = "not_icontains"
	OperatorRegex        FilterOperator = "regex"
	OperatorNotRegex     FilterOperator = "not_regex"
	OperatorGt           FilterOperator = "gt"
	OperatorGte          FilterOperator = "gte"
	OperatorLt           FilterOperator = "lt"
	OperatorLte          FilterOperator = "lte"
	OperatorIsSet        FilterOperator = "is_set"
	OperatorIsNotSet     FilterOperator = "is_not_set"
)

// FilterRule 表示过滤器表达式树的一个节点。
// And/Or/Not 为逻辑节点，Variable/Operator/Value 为叶子比较条件。
// 求值是纯函数且无副作用；无法解析的变量引用视为不匹配而非错误。
type FilterRule struct {
	// And 逻辑与子规则（全部为真则为真）
	And []FilterRule `json:"and,omitempty"`
	// Or 逻辑或子规则（任一为真则为真）
	Or []FilterRule `json:"or,omitempty"`
	// Not 逻辑非子规则
	Not *FilterRule `json:"not,omitempty"`
	// Variable 是投影记录中的点号路径（如 event.name、person.properties.email）
	Variable string `json:"variable,omitempty"`
	// Operator 是比较操作符
	Operator FilterOperator `json:"operator,omitempty"`
	// Value 是比较的目标值
	Value any `json:"value,omitempty"`
}

// FilterSpec 表示函数的完整过滤器定义。
type FilterSpec struct {
	// EventNames 是事件名白名单；为空表示不按事件名过滤
	EventNames []string `json:"event_names,omitempty"`
	// Rules 是属性条件列表，逐条求值且全部为真才匹配
	Rules []FilterRule `json:"rules,omitempty"`
}

// InputBinding 表示函数的一个有序输入绑定。
// Path 非空时在执行前从投影上下文取值，否则使用字面量 Value。
// 绑定结果在程序启动前写入同名局部变量。
type InputBinding struct {
	// Name 是绑定的变量名
	Name string `json:"name"`
	// Value 是字面量值
	Value any `json:"value,omitempty"`
	// Path 是投影上下文中的点号路径
	Path string `json:"path,omitempty"`
}

// HogFunction 表示一个已加载的函数定义。
// 定义加载后不可变：配置变更时整体替换快照，绝不原地修改。
type HogFunction struct {
	// ID 是函数的唯一标识符
	ID string `json:"id"`
	// TeamID 是所属租户（团队）的 ID
	TeamID int `json:"team_id"`
	// Name 是函数名称
	Name string `json:"name"`
	// Enabled 表示函数是否启用
	Enabled bool `json:"enabled"`
	// Inputs 是有序输入绑定定义
	Inputs []InputBinding `json:"inputs,omitempty"`
	// Filters 是过滤器表达式
	Filters FilterSpec `json:"filters"`
	// Bytecode 是可执行的函数字节码
	Bytecode Program `json:"bytecode"`
	// UpdatedAt 是配置存储中的最后更新时间
	UpdatedAt time.Time `json:"updated_at"`
}
