// Package projector 将原始的事件/人员/群组上下文映射为可供
// 过滤器表达式与函数逻辑访问的扁平记录。
package projector

import (
	"strconv"

	"github.com/oriys/hogflow/internal/domain"
)

// Project 根据调用上下文构建扁平的投影记录。
//
// 投影规则：
//   - event / person 直接映射为嵌套 map
//   - 每个群组映射两份入口：位置键 group_<index> 与类型名别名，
//     二者指向同一个 map（同一身份，不是拷贝）——引用
//     organization.properties.name 与 group_0.properties.name 的
//     过滤器观察到的是同一份数据
//
// 群组下标由上游上下文分配，不保证从 0 连续；每个出现的群组独立映射，
// 缺失的群组类型不会产生 group_N 键。
func Project(globals *domain.InvocationGlobals) map[string]any {
	record := map[string]any{
		"project_id": globals.ProjectID,
		"event": map[string]any{
			"uuid":       globals.Event.UUID,
			"name":       globals.Event.Name,
			"properties": globals.Event.Properties,
			"timestamp":  globals.Event.Timestamp,
			"url":        globals.Event.URL,
		},
	}

	if globals.Person != nil {
		record["person"] = map[string]any{
			"id":         globals.Person.ID,
			"name":       globals.Person.Name,
			"properties": globals.Person.Properties,
		}
	}

	for typeName, group := range globals.Groups {
		entry := map[string]any{
			"key":        group.ID,
			"index":      group.Index,
			"properties": group.Properties,
		}
		// 位置键与类型名别名共享同一个 map
		record[positionalKey(group.Index)] = entry
		record[typeName] = entry
	}

	return record
}

// positionalKey 构造群组的位置键，如 group_0。
func positionalKey(index int) string {
	return "group_" + strconv.Itoa(index)
}
