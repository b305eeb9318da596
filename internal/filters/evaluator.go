// Package filters 实现函数过滤器的求值。
// 过滤器是作用在投影记录上的纯布尔表达式：求值无副作用，
// 无法解析的属性引用一律视为不匹配（宁缺毋滥），绝不抛出致命错误。
package filters

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/oriys/hogflow/internal/domain"
)

// Evaluator 过滤器求值器。
type Evaluator struct{}

// NewEvaluator 创建求值器实例。
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Matches 判断投影记录是否通过函数的完整过滤器定义。
// 事件名白名单先短路判断，属性条件逐条求值且需全部为真。
func (e *Evaluator) Matches(spec *domain.FilterSpec, record map[string]any) bool {
	if len(spec.EventNames) > 0 {
		name, ok := LookupPath(record, "event.name")
		nameStr, isStr := name.(string)
		if !ok || !isStr {
			return false
		}
		found := false
		for _, candidate := range spec.EventNames {
			if candidate == nameStr {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for i := range spec.Rules {
		if !e.EvaluateRule(&spec.Rules[i], record) {
			return false
		}
	}

	return true
}

// EvaluateRule 对规则树的一个节点求值。
func (e *Evaluator) EvaluateRule(rule *domain.FilterRule, record map[string]any) bool {
	// 逻辑节点
	if len(rule.And) > 0 {
		for i := range rule.And {
			if !e.EvaluateRule(&rule.And[i], record) {
				return false
			}
		}
		return true
	}
	if len(rule.Or) > 0 {
		for i := range rule.Or {
			if e.EvaluateRule(&rule.Or[i], record) {
				return true
			}
		}
		return false
	}
	if rule.Not != nil {
		return !e.EvaluateRule(rule.Not, record)
	}

	return e.evaluateCondition(rule, record)
}

// evaluateCondition 对叶子比较条件求值。
// 变量缺失时 is_not_set 为真、其余操作符一律为假。
func (e *Evaluator) evaluateCondition(rule *domain.FilterRule, record map[string]any) bool {
	value, ok := LookupPath(record, rule.Variable)

	switch rule.Operator {
	case domain.OperatorIsSet:
		return ok && value != nil
	case domain.OperatorIsNotSet:
		return !ok || value == nil
	}

	if !ok {
		return false
	}

	switch rule.Operator {
	case domain.OperatorExact:
		return looseEqual(value, rule.Value)
	case domain.OperatorNotExact:
		return !looseEqual(value, rule.Value)

	case domain.OperatorIContains:
		return containsFold(value, rule.Value)
	case domain.OperatorNotIContains:
		return !containsFold(value, rule.Value)

	case domain.OperatorRegex:
		return matchRegex(value, rule.Value)
	case domain.OperatorNotRegex:
		strVal, okStr := value.(string)
		if !okStr {
			return false
		}
		pattern, okPat := rule.Value.(string)
		if !okPat {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			// 非法正则视为不匹配（求值错误不向上传播）
			return false
		}
		return !re.MatchString(strVal)

	case domain.OperatorGt, domain.OperatorGte, domain.OperatorLt, domain.OperatorLte:
		left, okL := toFloat(value)
		right, okR := toFloat(rule.Value)
		if !okL || !okR {
			return false
		}
		switch rule.Operator {
		case domain.OperatorGt:
			return left > right
		case domain.OperatorGte:
			return left >= right
		case domain.OperatorLt:
			return left < right
		default:
			return left <= right
		}
	}

	// 未知操作符视为不匹配
	return false
}

// LookupPath 按点号路径在投影记录中查找值。
// 路径任一段缺失或中途不是对象时返回 (nil, false)。
// 投影记录与函数输入绑定共用同一套路径解析规则。
func LookupPath(record map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = record
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := obj[part]
		if !exists {
			return nil, false
		}
		current = val
	}

	return current, true
}

// looseEqual 比较两个值是否相等。
// 数值统一折算为 float64 比较，其余按字符串表示比较，
// 与 JSON 反序列化后的类型差异兼容。
func looseEqual(a, b any) bool {
	if fa, okA := toFloat(a); okA {
		if fb, okB := toFloat(b); okB {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// containsFold 判断 value 的字符串形式是否包含 target（忽略大小写）。
func containsFold(value, target any) bool {
	strVal, ok := value.(string)
	if !ok {
		return false
	}
	strTarget, ok := target.(string)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(strVal), strings.ToLower(strTarget))
}

// matchRegex 判断 value 是否匹配 target 正则。
func matchRegex(value, target any) bool {
	strVal, ok := value.(string)
	if !ok {
		return false
	}
	pattern, ok := target.(string)
	if !ok {
		return false
	}
	matched, err := regexp.MatchString(pattern, strVal)
	if err != nil {
		return false
	}
	return matched
}

// toFloat 尝试将任意值折算为 float64。
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
