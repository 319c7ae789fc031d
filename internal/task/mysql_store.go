package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentVault/internal/errors"
	storagemysql "AgentVault/internal/storage/mysql"
)

// MySQLStore 把任务文档保存在 MySQL 中。
// 完整任务以 JSON 文档存储，常用过滤字段冗余成独立列。
// Claim 在事务内用 SELECT ... FOR UPDATE 实现原子状态迁移。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := storagemysql.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := storagemysql.Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

// Create 持久化一个新任务。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(CodeTaskValidation, "任务缺少 ID")
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	doc, err := json.Marshal(task)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务文档失败")
	}
	const stmt = `INSERT INTO agent_tasks (id, account_id, status, goal, doc, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		task.ID, task.AccountID, string(task.Status), task.Goal, doc, task.CreatedAt, task.UpdatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务失败")
	}
	return nil
}

// Get 按 ID 查询任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	const stmt = `SELECT doc FROM agent_tasks WHERE id = ?`
	var doc []byte
	if err := s.db.QueryRowContext(ctx, stmt, id).Scan(&doc); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return decodeTask(doc)
}

// Claim 在事务内把任务从 from 状态迁移到 RUNNING。
func (s *MySQLStore) Claim(ctx context.Context, id string, from Status) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	var doc []byte
	if err := tx.QueryRowContext(ctx, `SELECT doc FROM agent_tasks WHERE id = ? FOR UPDATE`, id).Scan(&doc); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定任务失败")
	}
	task, err := decodeTask(doc)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, ErrTaskTerminal
	}
	if task.Status != from {
		return nil, ErrTaskConflict
	}

	task.Status = StatusRunning
	task.UpdatedAt = time.Now().Unix()
	updated, err := json.Marshal(task)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务文档失败")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_tasks SET status = ?, doc = ?, updated_at = ? WHERE id = ?`,
		string(task.Status), updated, task.UpdatedAt, id,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return task, nil
}

// Update 覆盖整个任务文档。
func (s *MySQLStore) Update(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(CodeTaskValidation, "任务缺少 ID")
	}
	if task.UpdatedAt == 0 {
		task.UpdatedAt = time.Now().Unix()
	}
	doc, err := json.Marshal(task)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务文档失败")
	}
	const stmt = `UPDATE agent_tasks SET account_id = ?, status = ?, goal = ?, doc = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		task.AccountID, string(task.Status), task.Goal, doc, task.UpdatedAt, task.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		// 文档未变化时 MySQL 也会返回 0，需要区分任务不存在。
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agent_tasks WHERE id = ?`, task.ID).Scan(&exists); err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
		}
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query, args := buildListQuery(`SELECT doc FROM agent_tasks WHERE 1=1`, opts)
	order := "DESC"
	if opts.Order == SortByUpdatedAsc {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY updated_at %s, id %s LIMIT ? OFFSET ?", order, order)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务文档失败")
		}
		task, err := decodeTask(doc)
		if err != nil {
			return nil, err
		}
		// Query 过滤涉及步骤结果，在文档层面补一次。
		if opts.Query != "" && !matchesOptions(task, opts) {
			continue
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务列表失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务统计。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query, args := buildListQuery(`SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM agent_tasks WHERE 1=1`, opts)
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		var oldest, newest int64
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
		stats.Total += count
		switch Status(status) {
		case StatusPending:
			stats.Pending += count
		case StatusRunning:
			stats.Running += count
		case StatusPendingApproval:
			stats.PendingApproval += count
		case StatusCompleted:
			stats.Completed += count
		case StatusFailed:
			stats.Failed += count
		}
		if stats.OldestUpdatedAt == 0 || oldest < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = oldest
		}
		if newest > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildListQuery(base string, opts ListOptions) (string, []any) {
	args := make([]any, 0, 4)
	if opts.AccountID != "" {
		base += " AND account_id = ?"
		args = append(args, opts.AccountID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		base += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ","))
	}
	return base, args
}

func decodeTask(doc []byte) (*Task, error) {
	var task Task
	if err := json.Unmarshal(doc, &task); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务文档失败")
	}
	return &task, nil
}

var _ Store = (*MySQLStore)(nil)
