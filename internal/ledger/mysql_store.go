package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentVault/internal/errors"
	storagemysql "AgentVault/internal/storage/mysql"
)

// MySQLStore 使用 MySQL（InnoDB）保存账本。
// 每个写操作是一个事务：先以 SELECT ... FOR UPDATE 锁定 (account, asset)
// 对应的余额行，再追加流水并回写余额，借助行锁把并发写串行化。
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

// withTx 在单个事务内执行 fn，出错时回滚。
func (s *MySQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// EnsureAccount 返回用户账户，不存在时创建。
func (s *MySQLStore) EnsureAccount(ctx context.Context, userID string) (*Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 不能为空")
	}
	account, err := s.accountByUser(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !stdErrors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	now := time.Now().Unix()
	candidate := &Account{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      "agent_custody",
		CreatedAt: now,
		UpdatedAt: now,
	}
	const stmt = `INSERT INTO ledger_accounts (id, user_id, type, onchain_identity, created_at, updated_at)
        VALUES (?, ?, ?, '', ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, candidate.ID, candidate.UserID, candidate.Type, candidate.CreatedAt, candidate.UpdatedAt); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 并发创建时回读已存在的账户。
			return s.accountByUser(ctx, userID)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建账户失败")
	}
	return candidate, nil
}

func (s *MySQLStore) accountByUser(ctx context.Context, userID string) (*Account, error) {
	const stmt = `SELECT id, user_id, type, onchain_identity, created_at, updated_at
        FROM ledger_accounts WHERE user_id = ?`
	return scanAccount(s.db.QueryRowContext(ctx, stmt, userID))
}

// GetAccount 按账户 ID 查询。
func (s *MySQLStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	const stmt = `SELECT id, user_id, type, onchain_identity, created_at, updated_at
        FROM ledger_accounts WHERE id = ?`
	return scanAccount(s.db.QueryRowContext(ctx, stmt, accountID))
}

func scanAccount(row *sql.Row) (*Account, error) {
	var account Account
	if err := row.Scan(&account.ID, &account.UserID, &account.Type, &account.OnchainIdentity, &account.CreatedAt, &account.UpdatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账户失败")
	}
	return &account, nil
}

// Deposit 在单个事务内完成幂等校验、流水追加与余额更新。
func (s *MySQLStore) Deposit(ctx context.Context, accountID, asset string, amount decimal.Decimal, txRef, description string) (*Entry, error) {
	if strings.TrimSpace(txRef) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "入账必须携带外部引用")
	}
	if !amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "入账金额必须大于零")
	}
	var entry *Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireAccount(ctx, tx, accountID); err != nil {
			return err
		}
		balance, err := s.lockBalance(ctx, tx, accountID, asset)
		if err != nil {
			return err
		}
		var count int
		const dupStmt = `SELECT COUNT(*) FROM ledger_entries WHERE account_id = ? AND kind = ? AND tx_ref = ?`
		if err := tx.QueryRowContext(ctx, dupStmt, accountID, KindDeposit, txRef).Scan(&count); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "校验入账引用失败")
		}
		if count > 0 {
			return ErrDuplicateReference
		}
		entry, err = s.appendEntry(ctx, tx, accountID, asset, KindDeposit, amount, txRef, "", description)
		if err != nil {
			return err
		}
		return s.writeBalance(ctx, tx, balance.Apply(entry))
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Reserve 锁定余额行后划转可用余额到预留。
func (s *MySQLStore) Reserve(ctx context.Context, accountID, asset string, amount decimal.Decimal, correlationID string) (*Reservation, error) {
	if !amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "预留金额必须大于零")
	}
	reservation := &Reservation{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Asset:         asset,
		Amount:        amount,
		State:         ReservationHeld,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().Unix(),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireAccount(ctx, tx, accountID); err != nil {
			return err
		}
		balance, err := s.lockBalance(ctx, tx, accountID, asset)
		if err != nil {
			return err
		}
		if balance.Available.LessThan(amount) {
			return ErrInsufficientFunds
		}
		const stmt = `INSERT INTO ledger_reservations (id, account_id, asset, amount, state, correlation_id, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, stmt,
			reservation.ID, accountID, asset, amount.String(), reservation.State, correlationID, reservation.CreatedAt,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入预留记录失败")
		}
		entry, err := s.appendEntry(ctx, tx, accountID, asset, KindReserve, amount.Neg(), "", reservation.ID, "")
		if err != nil {
			return err
		}
		return s.writeBalance(ctx, tx, balance.Apply(entry))
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// Commit 结算预留资金。
func (s *MySQLStore) Commit(ctx context.Context, reservationID string, actual, fee decimal.Decimal, kind Kind, txRef string) (*Entry, error) {
	if kind != KindExecutionDebit && kind != KindWithdrawal {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "结算流水类型必须是 EXECUTION_DEBIT 或 WITHDRAWAL")
	}
	if actual.IsNegative() || fee.IsNegative() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "结算金额不能为负数")
	}
	var first *Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		reservation, err := s.lockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if reservation.State != ReservationHeld {
			return ErrInvalidState
		}
		total := actual.Add(fee)
		if total.GreaterThan(reservation.Amount) {
			return xerrors.New(xerrors.CodeInvalidArgument, "结算金额不能超过预留额")
		}
		balance, err := s.lockBalance(ctx, tx, reservation.AccountID, reservation.Asset)
		if err != nil {
			return err
		}
		if actual.IsPositive() {
			entry, err := s.appendEntry(ctx, tx, reservation.AccountID, reservation.Asset, kind, actual.Neg(), txRef, reservationID, "")
			if err != nil {
				return err
			}
			balance = balance.Apply(entry)
			first = entry
		}
		if fee.IsPositive() {
			entry, err := s.appendEntry(ctx, tx, reservation.AccountID, reservation.Asset, KindFee, fee.Neg(), txRef, reservationID, "")
			if err != nil {
				return err
			}
			balance = balance.Apply(entry)
			if first == nil {
				first = entry
			}
		}
		if surplus := reservation.Amount.Sub(total); surplus.IsPositive() {
			entry, err := s.appendEntry(ctx, tx, reservation.AccountID, reservation.Asset, KindRelease, surplus, "", reservationID, "surplus returned to available")
			if err != nil {
				return err
			}
			balance = balance.Apply(entry)
			if first == nil {
				first = entry
			}
		}
		if first == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, "结算金额与预留额均为零")
		}
		if err := s.resolveReservation(ctx, tx, reservationID, ReservationCommitted); err != nil {
			return err
		}
		return s.writeBalance(ctx, tx, balance)
	})
	if err != nil {
		return nil, err
	}
	return first, nil
}

// Release 将整笔预留退回可用余额。
func (s *MySQLStore) Release(ctx context.Context, reservationID string) (*Entry, error) {
	var entry *Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		reservation, err := s.lockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if reservation.State != ReservationHeld {
			return ErrInvalidState
		}
		balance, err := s.lockBalance(ctx, tx, reservation.AccountID, reservation.Asset)
		if err != nil {
			return err
		}
		entry, err = s.appendEntry(ctx, tx, reservation.AccountID, reservation.Asset, KindRelease, reservation.Amount, "", reservationID, "")
		if err != nil {
			return err
		}
		if err := s.resolveReservation(ctx, tx, reservationID, ReservationReleased); err != nil {
			return err
		}
		return s.writeBalance(ctx, tx, balance.Apply(entry))
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Credit 直接向可用余额入账。
func (s *MySQLStore) Credit(ctx context.Context, accountID, asset string, amount decimal.Decimal, correlationID, description string) (*Entry, error) {
	if !amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "入账金额必须大于零")
	}
	var entry *Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireAccount(ctx, tx, accountID); err != nil {
			return err
		}
		balance, err := s.lockBalance(ctx, tx, accountID, asset)
		if err != nil {
			return err
		}
		entry, err = s.appendEntry(ctx, tx, accountID, asset, KindExecutionCredit, amount, "", correlationID, description)
		if err != nil {
			return err
		}
		return s.writeBalance(ctx, tx, balance.Apply(entry))
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// BalanceOf 返回余额快照。
func (s *MySQLStore) BalanceOf(ctx context.Context, accountID, asset string) (Balance, error) {
	const stmt = `SELECT available, reserved, updated_at FROM ledger_balances WHERE account_id = ? AND asset = ?`
	balance := Balance{AccountID: accountID, Asset: asset, Available: decimal.Zero, Reserved: decimal.Zero}
	var available, reserved string
	err := s.db.QueryRowContext(ctx, stmt, accountID, asset).Scan(&available, &reserved, &balance.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return balance, nil
		}
		return Balance{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询余额失败")
	}
	if balance.Available, err = decimal.NewFromString(available); err != nil {
		return Balance{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析可用余额失败")
	}
	if balance.Reserved, err = decimal.NewFromString(reserved); err != nil {
		return Balance{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析预留余额失败")
	}
	return balance, nil
}

// Entries 按 Seq 升序返回流水。
func (s *MySQLStore) Entries(ctx context.Context, accountID, asset string, opts EntryListOptions) ([]*Entry, error) {
	opts.applyDefaults()

	query := `SELECT seq, id, account_id, asset, kind, amount, tx_ref, correlation_id, description, created_at
        FROM ledger_entries WHERE account_id = ? AND asset = ? AND seq > ?`
	args := []any{accountID, asset, opts.AfterSeq}
	if len(opts.Kinds) > 0 {
		placeholders := make([]string, len(opts.Kinds))
		for i, kind := range opts.Kinds {
			placeholders[i] = "?"
			args = append(args, string(kind))
		}
		query += fmt.Sprintf(" AND kind IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY seq ASC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询流水失败")
	}
	defer rows.Close()

	entries := make([]*Entry, 0, opts.Limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历流水失败")
	}
	return entries, nil
}

// GetReservation 查询预留记录。
func (s *MySQLStore) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	const stmt = `SELECT id, account_id, asset, amount, state, correlation_id, created_at, resolved_at
        FROM ledger_reservations WHERE id = ?`
	return scanReservation(s.db.QueryRowContext(ctx, stmt, reservationID))
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) requireAccount(ctx context.Context, tx *sql.Tx, accountID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM ledger_accounts WHERE id = ?`, accountID).Scan(&id)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ErrAccountNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账户失败")
	}
	return nil
}

// lockBalance 以 FOR UPDATE 锁定余额行，缺失时插入零值行后再锁定。
func (s *MySQLStore) lockBalance(ctx context.Context, tx *sql.Tx, accountID, asset string) (Balance, error) {
	const selectStmt = `SELECT available, reserved, updated_at FROM ledger_balances
        WHERE account_id = ? AND asset = ? FOR UPDATE`
	balance := Balance{AccountID: accountID, Asset: asset, Available: decimal.Zero, Reserved: decimal.Zero}
	var available, reserved string
	err := tx.QueryRowContext(ctx, selectStmt, accountID, asset).Scan(&available, &reserved, &balance.UpdatedAt)
	if err == nil {
		if balance.Available, err = decimal.NewFromString(available); err != nil {
			return Balance{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析可用余额失败")
		}
		if balance.Reserved, err = decimal.NewFromString(reserved); err != nil {
			return Balance{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析预留余额失败")
		}
		return balance, nil
	}
	if !stdErrors.Is(err, sql.ErrNoRows) {
		return Balance{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定余额行失败")
	}

	const insertStmt = `INSERT IGNORE INTO ledger_balances (account_id, asset, available, reserved, updated_at)
        VALUES (?, ?, 0, 0, ?)`
	if _, err := tx.ExecContext(ctx, insertStmt, accountID, asset, time.Now().Unix()); err != nil {
		return Balance{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化余额行失败")
	}
	if err := tx.QueryRowContext(ctx, selectStmt, accountID, asset).Scan(&available, &reserved, &balance.UpdatedAt); err != nil {
		return Balance{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定余额行失败")
	}
	if balance.Available, err = decimal.NewFromString(available); err != nil {
		return Balance{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析可用余额失败")
	}
	if balance.Reserved, err = decimal.NewFromString(reserved); err != nil {
		return Balance{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析预留余额失败")
	}
	return balance, nil
}

func (s *MySQLStore) writeBalance(ctx context.Context, tx *sql.Tx, balance Balance) error {
	const stmt = `UPDATE ledger_balances SET available = ?, reserved = ?, updated_at = ?
        WHERE account_id = ? AND asset = ?`
	if _, err := tx.ExecContext(ctx, stmt,
		balance.Available.String(), balance.Reserved.String(), time.Now().Unix(),
		balance.AccountID, balance.Asset,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回写余额失败")
	}
	return nil
}

func (s *MySQLStore) appendEntry(ctx context.Context, tx *sql.Tx, accountID, asset string, kind Kind, amount decimal.Decimal, txRef, correlationID, description string) (*Entry, error) {
	entry := &Entry{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Asset:         asset,
		Kind:          kind,
		Amount:        amount,
		TxRef:         txRef,
		CorrelationID: correlationID,
		Description:   description,
		CreatedAt:     time.Now().Unix(),
	}
	ref := sql.NullString{String: txRef, Valid: strings.TrimSpace(txRef) != ""}
	const stmt = `INSERT INTO ledger_entries
        (id, account_id, asset, kind, amount, tx_ref, correlation_id, description, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, stmt,
		entry.ID, accountID, asset, string(kind), amount.String(), ref, correlationID, description, entry.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil, ErrDuplicateReference
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "追加流水失败")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取流水序号失败")
	}
	entry.Seq = seq
	return entry, nil
}

func (s *MySQLStore) lockReservation(ctx context.Context, tx *sql.Tx, reservationID string) (*Reservation, error) {
	const stmt = `SELECT id, account_id, asset, amount, state, correlation_id, created_at, resolved_at
        FROM ledger_reservations WHERE id = ? FOR UPDATE`
	return scanReservation(tx.QueryRowContext(ctx, stmt, reservationID))
}

func (s *MySQLStore) resolveReservation(ctx context.Context, tx *sql.Tx, reservationID string, state ReservationState) error {
	const stmt = `UPDATE ledger_reservations SET state = ?, resolved_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, stmt, string(state), time.Now().Unix(), reservationID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新预留状态失败")
	}
	return nil
}

func scanReservation(row *sql.Row) (*Reservation, error) {
	var reservation Reservation
	var amount string
	if err := row.Scan(
		&reservation.ID,
		&reservation.AccountID,
		&reservation.Asset,
		&amount,
		&reservation.State,
		&reservation.CorrelationID,
		&reservation.CreatedAt,
		&reservation.ResolvedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询预留记录失败")
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析预留金额失败")
	}
	reservation.Amount = parsed
	return &reservation, nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var entry Entry
	var amount string
	var txRef sql.NullString
	var description sql.NullString
	if err := rows.Scan(
		&entry.Seq,
		&entry.ID,
		&entry.AccountID,
		&entry.Asset,
		&entry.Kind,
		&amount,
		&txRef,
		&entry.CorrelationID,
		&description,
		&entry.CreatedAt,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析流水记录失败")
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析流水金额失败")
	}
	entry.Amount = parsed
	entry.TxRef = txRef.String
	entry.Description = description.String
	return &entry, nil
}

var _ Store = (*MySQLStore)(nil)
