// Package store 实现引擎的外部存储访问：PostgreSQL 提供函数配置的
// 投影视图（引擎只读，不拥有关系模式），Redis 提供调用级幂等去重。
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/oriys/hogflow/internal/config"
	"github.com/oriys/hogflow/internal/domain"
	"github.com/sirupsen/logrus"
)

// PostgresStore 封装函数配置投影表的只读访问。
type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewPostgresStore 建立 PostgreSQL 连接并验证可达性。
func NewPostgresStore(cfg config.PostgresConfig, logger *logrus.Logger) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// Close 关闭数据库连接。
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping 检查数据库可达性（就绪探针使用）。
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListEnabledFunctions 读取全部启用的函数定义。
// 单行解析失败按配置错误处理：记日志并跳过该函数，其余行不受影响。
func (s *PostgresStore) ListEnabledFunctions(ctx context.Context) ([]*domain.HogFunction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, name, inputs, filters, bytecode, updated_at
		FROM hog_functions
		WHERE enabled = true
		ORDER BY team_id, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query hog functions: %w", err)
	}
	defer rows.Close()

	var functions []*domain.HogFunction
	for rows.Next() {
		var (
			fn       domain.HogFunction
			inputs   []byte
			filters  []byte
			bytecode []byte
		)
		if err := rows.Scan(&fn.ID, &fn.TeamID, &fn.Name, &inputs, &filters, &bytecode, &fn.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan hog function row: %w", err)
		}
		fn.Enabled = true

		if err := parseFunctionColumns(&fn, inputs, filters, bytecode); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"function_id": fn.ID,
				"team_id":     fn.TeamID,
			}).Warn("Skipping hog function with unparsable definition")
			continue
		}
		functions = append(functions, &fn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate hog function rows: %w", err)
	}

	return functions, nil
}

// parseFunctionColumns 解析 JSON 列，失败返回对应的配置错误。
func parseFunctionColumns(fn *domain.HogFunction, inputs, filters, bytecode []byte) error {
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &fn.Inputs); err != nil {
			return fmt.Errorf("invalid inputs: %w", err)
		}
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &fn.Filters); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidFilters, err)
		}
	}
	if err := json.Unmarshal(bytecode, &fn.Bytecode); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidBytecode, err)
	}
	return nil
}
