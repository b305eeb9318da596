// Package registry 维护按租户组织的启用函数内存缓存。
// 缓存以不可变快照的形式整体持有：重载时构建全新快照后原子替换，
// 读取方永远不会观察到部分更新的状态。缓存不是进程级单例，
// 而是显式持有并按引用传递给各消费者的对象。
package registry

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/oriys/hogflow/internal/domain"
	"github.com/oriys/hogflow/internal/filters"
	"github.com/oriys/hogflow/internal/projector"
	"github.com/sirupsen/logrus"
)

// FunctionSource 定义权威配置存储的最小读取能力。
// 生产实现读取 PostgreSQL 的函数投影表；测试用内存假实现。
type FunctionSource interface {
	// ListEnabledFunctions 返回全部启用的函数定义
	ListEnabledFunctions(ctx context.Context) ([]*domain.HogFunction, error)
}

// snapshot 是一份不可变的函数集合视图。
type snapshot struct {
	// byTeam 按租户分组的启用函数
	byTeam map[int][]*domain.HogFunction
	// byID 以 (team, id) 为键的索引，供恢复路径按 ID 解析
	byID map[string]*domain.HogFunction
	// count 是快照中的函数总数
	count int
}

// Registry 函数注册表。
type Registry struct {
	source    FunctionSource
	evaluator *filters.Evaluator
	logger    *logrus.Logger
	current   atomic.Pointer[snapshot]
}

// New 创建函数注册表。初始快照为空，调用方应在启动时执行一次 ReloadAll。
func New(source FunctionSource, logger *logrus.Logger) *Registry {
	r := &Registry{
		source:    source,
		evaluator: filters.NewEvaluator(),
		logger:    logger,
	}
	r.current.Store(&snapshot{
		byTeam: map[int][]*domain.HogFunction{},
		byID:   map[string]*domain.HogFunction{},
	})
	return r
}

// ReloadAll 从配置存储拉取权威函数集合并原子替换内存快照。
// 仅由外部触发（上游配置所有方在函数创建/更新/禁用后调用），
// 引擎自身从不轮询。幂等：配置未变化时重复调用后匹配集合不变。
// 单个无法解析的函数定义被跳过（记日志），不影响其余函数。
func (r *Registry) ReloadAll(ctx context.Context) error {
	functions, err := r.source.ListEnabledFunctions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load hog functions: %w", err)
	}

	next := &snapshot{
		byTeam: make(map[int][]*domain.HogFunction),
		byID:   make(map[string]*domain.HogFunction),
	}
	for _, fn := range functions {
		if err := validate(fn); err != nil {
			// 配置错误：跳过这一个函数，其余不受影响
			r.logger.WithError(err).WithFields(logrus.Fields{
				"function_id": fn.ID,
				"team_id":     fn.TeamID,
			}).Warn("Skipping hog function with invalid definition")
			continue
		}
		next.byTeam[fn.TeamID] = append(next.byTeam[fn.TeamID], fn)
		next.byID[key(fn.TeamID, fn.ID)] = fn
		next.count++
	}

	r.current.Store(next)
	r.logger.WithFields(logrus.Fields{
		"functions": next.count,
		"teams":     len(next.byTeam),
	}).Info("Hog function snapshot reloaded")

	return nil
}

// Match 返回过滤器对投影事件上下文求值为真的候选函数。
// 过滤器求值失败（包括无法解析的属性引用）视为不匹配，绝不传播为致命错误。
func (r *Registry) Match(teamID int, globals *domain.InvocationGlobals) []*domain.HogFunction {
	snap := r.current.Load()
	candidates := snap.byTeam[teamID]
	if len(candidates) == 0 {
		return nil
	}

	record := projector.Project(globals)

	var matched []*domain.HogFunction
	for _, fn := range candidates {
		if r.evaluator.Matches(&fn.Filters, record) {
			matched = append(matched, fn)
		}
	}
	return matched
}

// Get 按租户与函数 ID 查找函数定义。
// 延续队列的恢复路径用它重新解析函数；函数已被禁用时返回 ErrFunctionNotFound。
func (r *Registry) Get(teamID int, functionID string) (*domain.HogFunction, error) {
	fn, ok := r.current.Load().byID[key(teamID, functionID)]
	if !ok {
		return nil, domain.ErrFunctionNotFound
	}
	return fn, nil
}

// Count 返回当前快照中的函数总数。
func (r *Registry) Count() int {
	return r.current.Load().count
}

// validate 校验函数定义可以被执行。
func validate(fn *domain.HogFunction) error {
	if fn.ID == "" {
		return fmt.Errorf("%w: missing id", domain.ErrInvalidBytecode)
	}
	if len(fn.Bytecode) == 0 {
		return domain.ErrInvalidBytecode
	}
	return nil
}

// key 构造 (team, function) 复合键。
func key(teamID int, functionID string) string {
	return fmt.Sprintf("%d:%s", teamID, functionID)
}
