package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	xerrors "AgentVault/internal/errors"
	storagemysql "AgentVault/internal/storage/mysql"
)

// MySQLStore 把审批请求与账户配置保存在 MySQL 中。
// 裁决通过带状态条件的 UPDATE 实现 compare-and-set，
// 账户配置整体存成 JSON 文档。
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

// CreateRequest 持久化一条新的审批请求。
func (s *MySQLStore) CreateRequest(ctx context.Context, request *Request) error {
	if request == nil || request.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批请求缺少 ID")
	}
	const stmt = `INSERT INTO approval_requests
        (id, account_id, task_id, action, amount, asset, destination, description, risk_level,
         status, created_at, expires_at, decided_at, decision_note)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		request.ID, request.AccountID, request.TaskID, string(request.Action),
		request.Amount.String(), request.Asset, request.Destination, request.Description,
		string(request.RiskLevel), string(request.Status),
		request.CreatedAt, request.ExpiresAt, request.DecidedAt, request.DecisionNote,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "审批请求 ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审批请求失败")
	}
	return nil
}

// GetRequest 按 ID 查询审批请求。
func (s *MySQLStore) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	const stmt = `SELECT id, account_id, task_id, action, amount, asset, destination, description,
        risk_level, status, created_at, expires_at, decided_at, decision_note
        FROM approval_requests WHERE id = ?`
	request, err := scanRequest(s.db.QueryRowContext(ctx, stmt, requestID))
	if err != nil {
		return nil, err
	}
	return request, nil
}

// TransitionRequest 用条件 UPDATE 原子地迁移状态。
func (s *MySQLStore) TransitionRequest(ctx context.Context, requestID string, from, to Status, decidedAt int64, note string) (*Request, error) {
	const stmt = `UPDATE approval_requests
        SET status = ?, decided_at = ?, decision_note = IF(? = '', decision_note, ?)
        WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(to), decidedAt, note, note, requestID, string(from))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新审批状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		// 区分记录不存在与状态已变更。
		if _, err := s.GetRequest(ctx, requestID); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyDecided
	}
	return s.GetRequest(ctx, requestID)
}

// ListRequests 按创建时间倒序返回请求。
func (s *MySQLStore) ListRequests(ctx context.Context, accountID string, statuses []Status, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, account_id, task_id, action, amount, asset, destination, description,
        risk_level, status, created_at, expires_at, decided_at, decision_note
        FROM approval_requests WHERE 1=1`
	args := make([]any, 0, len(statuses)+2)
	if accountID != "" {
		query += " AND account_id = ?"
		args = append(args, accountID)
	}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审批请求失败")
	}
	defer rows.Close()

	requests := make([]*Request, 0, limit)
	for rows.Next() {
		request, err := scanRequestRows(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审批请求失败")
	}
	return requests, nil
}

// ExpireOverdue 把超时的 pending 请求置为 expired。
func (s *MySQLStore) ExpireOverdue(ctx context.Context, now int64) (int, error) {
	const stmt = `UPDATE approval_requests SET status = ?, decided_at = ?
        WHERE status = ? AND expires_at > 0 AND expires_at <= ?`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusExpired), now, string(StatusPending), now)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量过期审批请求失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取过期结果失败")
	}
	return int(affected), nil
}

// GetSettings 返回账户配置，未配置过时返回默认值。
func (s *MySQLStore) GetSettings(ctx context.Context, accountID string) (Settings, error) {
	const stmt = `SELECT settings FROM approval_settings WHERE account_id = ?`
	var raw []byte
	err := s.db.QueryRowContext(ctx, stmt, accountID).Scan(&raw)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return DefaultSettings(), nil
		}
		return Settings{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审批配置失败")
	}
	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审批配置失败")
	}
	return settings, nil
}

// SaveSettings 以 JSON 文档整体覆盖账户配置。
func (s *MySQLStore) SaveSettings(ctx context.Context, accountID string, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化审批配置失败")
	}
	const stmt = `INSERT INTO approval_settings (account_id, settings, updated_at)
        VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE settings = VALUES(settings), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt, accountID, raw, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存审批配置失败")
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row *sql.Row) (*Request, error) {
	request, err := scanRequestFrom(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return request, nil
}

func scanRequestRows(rows *sql.Rows) (*Request, error) {
	return scanRequestFrom(rows)
}

func scanRequestFrom(scanner rowScanner) (*Request, error) {
	var request Request
	var amount string
	var description, note sql.NullString
	if err := scanner.Scan(
		&request.ID,
		&request.AccountID,
		&request.TaskID,
		&request.Action,
		&amount,
		&request.Asset,
		&request.Destination,
		&description,
		&request.RiskLevel,
		&request.Status,
		&request.CreatedAt,
		&request.ExpiresAt,
		&request.DecidedAt,
		&note,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审批请求失败")
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审批金额失败")
	}
	request.Amount = parsed
	request.Description = description.String
	request.DecisionNote = note.String
	return &request, nil
}

var _ Store = (*MySQLStore)(nil)
