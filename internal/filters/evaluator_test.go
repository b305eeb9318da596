// Package filters 实现函数过滤器的求值。
package filters

import (
	"testing"

	"github.com/oriys/hogflow/internal/domain"
)

// testRecord 构造测试用的投影记录。
func testRecord() map[string]any {
	return map[string]any{
		"project_id": 1,
		"event": map[string]any{
			"name": "$pageview",
			"properties": map[string]any{
				"url":      "https://example.com/Pricing",
				"duration": float64(120),
			},
		},
		"person": map[string]any{
			"properties": map[string]any{
				"email": "ada@example.com",
				"plan":  nil,
			},
		},
	}
}

// TestEvaluateRule_Operators 测试叶子条件的各个比较操作符。
func TestEvaluateRule_Operators(t *testing.T) {
	evaluator := NewEvaluator()
	record := testRecord()

	// tests 定义了测试用例切片
	tests := []struct {
		name string            // 测试用例名称
		rule domain.FilterRule // 被求值的规则
		want bool              // 期望的求值结果
	}{
		{
			// 测试用例：exact 精确匹配
			name: "exact match",
			rule: domain.FilterRule{Variable: "event.name", Operator: domain.OperatorExact, Value: "$pageview"},
			want: true,
		},
		{
			// 测试用例：exact 数值与字符串的宽松相等
			name: "exact loose numeric",
			rule: domain.FilterRule{Variable: "event.properties.duration", Operator: domain.OperatorExact, Value: "120"},
			want: true,
		},
		{
			// 测试用例：not_exact 不等
			name: "not_exact",
			rule: domain.FilterRule{Variable: "event.name", Operator: domain.OperatorNotExact, Value: "$autocapture"},
			want: true,
		},
		{
			// 测试用例：icontains 忽略大小写包含
			name: "icontains case insensitive",
			rule: domain.FilterRule{Variable: "event.properties.url", Operator: domain.OperatorIContains, Value: "pricing"},
			want: true,
		},
		{
			// 测试用例：not_icontains 不包含
			name: "not_icontains",
			rule: domain.FilterRule{Variable: "event.properties.url", Operator: domain.OperatorNotIContains, Value: "checkout"},
			want: true,
		},
		{
			// 测试用例：regex 正则匹配
			name: "regex match",
			rule: domain.FilterRule{Variable: "person.properties.email", Operator: domain.OperatorRegex, Value: `@example\.com$`},
			want: true,
		},
		{
			// 测试用例：非法正则视为不匹配而不是错误
			name: "invalid regex is no match",
			rule: domain.FilterRule{Variable: "person.properties.email", Operator: domain.OperatorRegex, Value: "("},
			want: false,
		},
		{
			// 测试用例：not_regex 不匹配正则
			name: "not_regex",
			rule: domain.FilterRule{Variable: "person.properties.email", Operator: domain.OperatorNotRegex, Value: `@corp\.test$`},
			want: true,
		},
		{
			// 测试用例：gt 数值大于
			name: "gt",
			rule: domain.FilterRule{Variable: "event.properties.duration", Operator: domain.OperatorGt, Value: float64(60)},
			want: true,
		},
		{
			// 测试用例：gte 边界相等
			name: "gte boundary",
			rule: domain.FilterRule{Variable: "event.properties.duration", Operator: domain.OperatorGte, Value: float64(120)},
			want: true,
		},
		{
			// 测试用例：lt 不满足
			name: "lt false",
			rule: domain.FilterRule{Variable: "event.properties.duration", Operator: domain.OperatorLt, Value: float64(120)},
			want: false,
		},
		{
			// 测试用例：lte 边界相等
			name: "lte boundary",
			rule: domain.FilterRule{Variable: "event.properties.duration", Operator: domain.OperatorLte, Value: float64(120)},
			want: true,
		},
		{
			// 测试用例：is_set 存在且非空
			name: "is_set present",
			rule: domain.FilterRule{Variable: "person.properties.email", Operator: domain.OperatorIsSet},
			want: true,
		},
		{
			// 测试用例：is_set 值为 null 视为未设置
			name: "is_set null value",
			rule: domain.FilterRule{Variable: "person.properties.plan", Operator: domain.OperatorIsSet},
			want: false,
		},
		{
			// 测试用例：is_not_set 缺失路径
			name: "is_not_set missing",
			rule: domain.FilterRule{Variable: "person.properties.phone", Operator: domain.OperatorIsNotSet},
			want: true,
		},
		{
			// 测试用例：缺失变量的普通比较一律不匹配（宁缺毋滥）
			name: "missing variable never matches",
			rule: domain.FilterRule{Variable: "event.properties.missing", Operator: domain.OperatorExact, Value: "x"},
			want: false,
		},
		{
			// 测试用例：路径中途不是对象时不匹配
			name: "path through scalar",
			rule: domain.FilterRule{Variable: "event.name.sub", Operator: domain.OperatorExact, Value: "x"},
			want: false,
		},
		{
			// 测试用例：未知操作符视为不匹配
			name: "unknown operator",
			rule: domain.FilterRule{Variable: "event.name", Operator: "between", Value: "x"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evaluator.EvaluateRule(&tt.rule, record); got != tt.want {
				t.Errorf("EvaluateRule() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestEvaluateRule_LogicNodes 测试 and/or/not 逻辑节点的组合求值。
func TestEvaluateRule_LogicNodes(t *testing.T) {
	evaluator := NewEvaluator()
	record := testRecord()

	pageview := domain.FilterRule{Variable: "event.name", Operator: domain.OperatorExact, Value: "$pageview"}
	autocapture := domain.FilterRule{Variable: "event.name", Operator: domain.OperatorExact, Value: "$autocapture"}

	// tests 定义了测试用例切片
	tests := []struct {
		name string            // 测试用例名称
		rule domain.FilterRule // 被求值的规则
		want bool              // 期望的求值结果
	}{
		{
			// 测试用例：and 全真为真
			name: "and all true",
			rule: domain.FilterRule{And: []domain.FilterRule{pageview, pageview}},
			want: true,
		},
		{
			// 测试用例：and 有假为假
			name: "and one false",
			rule: domain.FilterRule{And: []domain.FilterRule{pageview, autocapture}},
			want: false,
		},
		{
			// 测试用例：or 任一为真则为真
			name: "or one true",
			rule: domain.FilterRule{Or: []domain.FilterRule{autocapture, pageview}},
			want: true,
		},
		{
			// 测试用例：not 取反
			name: "not inverts",
			rule: domain.FilterRule{Not: &autocapture},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evaluator.EvaluateRule(&tt.rule, record); got != tt.want {
				t.Errorf("EvaluateRule() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestMatches_EventNameGate 测试事件名白名单的短路判断。
func TestMatches_EventNameGate(t *testing.T) {
	evaluator := NewEvaluator()
	record := testRecord()

	// tests 定义了测试用例切片
	tests := []struct {
		name string            // 测试用例名称
		spec domain.FilterSpec // 过滤器定义
		want bool              // 期望的匹配结果
	}{
		{
			// 测试用例：空过滤器匹配一切
			name: "empty spec matches all",
			spec: domain.FilterSpec{},
			want: true,
		},
		{
			// 测试用例：事件名在白名单内
			name: "event name allowed",
			spec: domain.FilterSpec{EventNames: []string{"$pageview", "$identify"}},
			want: true,
		},
		{
			// 测试用例：事件名不在白名单内
			name: "event name not allowed",
			spec: domain.FilterSpec{EventNames: []string{"custom event"}},
			want: false,
		},
		{
			// 测试用例：白名单通过但属性条件不通过
			name: "name passes rule fails",
			spec: domain.FilterSpec{
				EventNames: []string{"$pageview"},
				Rules: []domain.FilterRule{
					{Variable: "event.properties.url", Operator: domain.OperatorIContains, Value: "checkout"},
				},
			},
			want: false,
		},
		{
			// 测试用例：多条属性条件需全部为真
			name: "all rules must pass",
			spec: domain.FilterSpec{
				Rules: []domain.FilterRule{
					{Variable: "event.name", Operator: domain.OperatorExact, Value: "$pageview"},
					{Variable: "event.properties.duration", Operator: domain.OperatorGt, Value: float64(60)},
				},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evaluator.Matches(&tt.spec, record); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestLookupPath 测试点号路径解析。
func TestLookupPath(t *testing.T) {
	record := testRecord()

	// tests 定义了测试用例切片
	tests := []struct {
		name   string // 测试用例名称
		path   string // 查找路径
		wantOK bool   // 是否期望解析成功
		want   any    // 期望的值（wantOK 为 true 时）
	}{
		{
			// 测试用例：顶层键
			name:   "top level",
			path:   "project_id",
			wantOK: true,
			want:   1,
		},
		{
			// 测试用例：嵌套路径
			name:   "nested path",
			path:   "event.properties.url",
			wantOK: true,
			want:   "https://example.com/Pricing",
		},
		{
			// 测试用例：缺失的末段
			name:   "missing leaf",
			path:   "event.properties.missing",
			wantOK: false,
		},
		{
			// 测试用例：空路径
			name:   "empty path",
			path:   "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LookupPath(record, tt.path)
			if ok != tt.wantOK {
				t.Fatalf("LookupPath() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("LookupPath() = %v, want %v", got, tt.want)
			}
		})
	}
}
