// Package domain 定义了 CDP 函数引擎的核心领域模型。
package domain

import "time"

// AppSourceHogFunction 是日志与指标记录的来源标识。
const AppSourceHogFunction = "hog_function"

// LogLevel 表示函数日志的级别。
type LogLevel string

// 日志级别常量定义
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry 表示函数执行产生的一条结构化日志。
// 不变式：同一批次内的条目会被赋予严格递增的时间戳，
// 原始时间戳相同的条目按产生顺序依次加一个单位错开。
type LogEntry struct {
	// TeamID 是所属租户的 ID
	TeamID int `json:"team_id"`
	// LogSource 是日志来源（固定为 hog_function）
	LogSource string `json:"log_source"`
	// LogSourceID 是来源标识（函数 ID）
	LogSourceID string `json:"log_source_id"`
	// InstanceID 是产生日志的调用 ID
	InstanceID string `json:"instance_id"`
	// Level 是日志级别
	Level LogLevel `json:"level"`
	// Message 是日志消息
	Message string `json:"message"`
	// Timestamp 是日志时间戳（观测汇聚器落盘前会重新赋值）
	Timestamp time.Time `json:"timestamp"`
}

// MetricKind 表示应用指标的类别。
type MetricKind string

// 指标类别常量定义
const (
	// MetricKindSuccess 表示成功类指标
	MetricKindSuccess MetricKind = "success"
	// MetricKindFailure 表示失败类指标
	MetricKindFailure MetricKind = "failure"
)

// AppMetric 表示发往分析存储的一条结构化指标记录。
type AppMetric struct {
	// TeamID 是所属租户的 ID
	TeamID int `json:"team_id"`
	// AppSource 是指标来源（固定为 hog_function）
	AppSource string `json:"app_source"`
	// AppSourceID 是来源标识（函数 ID）
	AppSourceID string `json:"app_source_id"`
	// MetricName 是指标名称（如 succeeded、failed、fetch）
	MetricName string `json:"metric_name"`
	// MetricKind 是指标类别（success/failure）
	MetricKind MetricKind `json:"metric_kind"`
	// Count 是计数值
	Count int64 `json:"count"`
}
