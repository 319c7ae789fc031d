package ledger

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentVault/internal/errors"
)

type balanceKey struct {
	accountID string
	asset     string
}

type depositKey struct {
	accountID string
	txRef     string
}

// MemoryStore 以内存方式保存账本，主要用于测试与单机运行。
// 所有写操作共用一把互斥锁，等价于把每个操作放进一个串行化事务。
type MemoryStore struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	byUser       map[string]string
	balances     map[balanceKey]Balance
	entries      []*Entry
	depositRefs  map[depositKey]struct{}
	reservations map[string]*Reservation
	nextSeq      int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*Account),
		byUser:       make(map[string]string),
		balances:     make(map[balanceKey]Balance),
		depositRefs:  make(map[depositKey]struct{}),
		reservations: make(map[string]*Reservation),
	}
}

// EnsureAccount 实现 Store 接口。
func (m *MemoryStore) EnsureAccount(_ context.Context, userID string) (*Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byUser[userID]; ok {
		clone := *m.accounts[id]
		return &clone, nil
	}
	now := nowUnix()
	account := &Account{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      "agent_custody",
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.accounts[account.ID] = account
	m.byUser[userID] = account.ID
	clone := *account
	return &clone, nil
}

// GetAccount 返回账户。
func (m *MemoryStore) GetAccount(_ context.Context, accountID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	clone := *account
	return &clone, nil
}

// Deposit 实现带外部引用幂等的入账。
func (m *MemoryStore) Deposit(_ context.Context, accountID, asset string, amount decimal.Decimal, txRef, description string) (*Entry, error) {
	if strings.TrimSpace(txRef) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "入账必须携带外部引用")
	}
	if !amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "入账金额必须大于零")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}
	ref := depositKey{accountID: accountID, txRef: txRef}
	if _, ok := m.depositRefs[ref]; ok {
		return nil, ErrDuplicateReference
	}
	m.depositRefs[ref] = struct{}{}
	entry := m.appendLocked(accountID, asset, KindDeposit, amount, txRef, "", description)
	clone := *entry
	return &clone, nil
}

// Reserve 将可用余额划入预留。
func (m *MemoryStore) Reserve(_ context.Context, accountID, asset string, amount decimal.Decimal, correlationID string) (*Reservation, error) {
	if !amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "预留金额必须大于零")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}
	balance := m.balanceLocked(accountID, asset)
	if balance.Available.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	reservation := &Reservation{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Asset:         asset,
		Amount:        amount,
		State:         ReservationHeld,
		CorrelationID: correlationID,
		CreatedAt:     nowUnix(),
	}
	m.reservations[reservation.ID] = reservation
	m.appendLocked(accountID, asset, KindReserve, amount.Neg(), "", reservation.ID, "")
	clone := *reservation
	return &clone, nil
}

// Commit 结算预留资金。
func (m *MemoryStore) Commit(_ context.Context, reservationID string, actual, fee decimal.Decimal, kind Kind, txRef string) (*Entry, error) {
	if kind != KindExecutionDebit && kind != KindWithdrawal {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "结算流水类型必须是 EXECUTION_DEBIT 或 WITHDRAWAL")
	}
	if actual.IsNegative() || fee.IsNegative() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "结算金额不能为负数")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	reservation, ok := m.reservations[reservationID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if reservation.State != ReservationHeld {
		return nil, ErrInvalidState
	}
	total := actual.Add(fee)
	if total.GreaterThan(reservation.Amount) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "结算金额不能超过预留额")
	}

	var first *Entry
	if actual.IsPositive() {
		first = m.appendLocked(reservation.AccountID, reservation.Asset, kind, actual.Neg(), txRef, reservationID, "")
	}
	if fee.IsPositive() {
		entry := m.appendLocked(reservation.AccountID, reservation.Asset, KindFee, fee.Neg(), txRef, reservationID, "")
		if first == nil {
			first = entry
		}
	}
	if surplus := reservation.Amount.Sub(total); surplus.IsPositive() {
		entry := m.appendLocked(reservation.AccountID, reservation.Asset, KindRelease, surplus, "", reservationID, "surplus returned to available")
		if first == nil {
			first = entry
		}
	}
	reservation.State = ReservationCommitted
	reservation.ResolvedAt = nowUnix()
	if first == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "结算金额与预留额均为零")
	}
	clone := *first
	return &clone, nil
}

// Release 将整笔预留退回可用余额。重复释放会失败，以暴露调用方缺陷。
func (m *MemoryStore) Release(_ context.Context, reservationID string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reservation, ok := m.reservations[reservationID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if reservation.State != ReservationHeld {
		return nil, ErrInvalidState
	}
	entry := m.appendLocked(reservation.AccountID, reservation.Asset, KindRelease, reservation.Amount, "", reservationID, "")
	reservation.State = ReservationReleased
	reservation.ResolvedAt = nowUnix()
	clone := *entry
	return &clone, nil
}

// Credit 直接向可用余额入账。
func (m *MemoryStore) Credit(_ context.Context, accountID, asset string, amount decimal.Decimal, correlationID, description string) (*Entry, error) {
	if !amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "入账金额必须大于零")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}
	entry := m.appendLocked(accountID, asset, KindExecutionCredit, amount, "", correlationID, description)
	clone := *entry
	return &clone, nil
}

// BalanceOf 返回余额快照，没有流水时返回零值。
func (m *MemoryStore) BalanceOf(_ context.Context, accountID, asset string) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(accountID, asset), nil
}

// Entries 按 Seq 升序返回流水。
func (m *MemoryStore) Entries(_ context.Context, accountID, asset string, opts EntryListOptions) ([]*Entry, error) {
	opts.applyDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]*Entry, 0, opts.Limit)
	for _, entry := range m.entries {
		if entry.AccountID != accountID || entry.Asset != asset {
			continue
		}
		if entry.Seq <= opts.AfterSeq {
			continue
		}
		if !opts.matchesKind(entry) {
			continue
		}
		clone := *entry
		results = append(results, &clone)
		if len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

// GetReservation 返回预留记录。
func (m *MemoryStore) GetReservation(_ context.Context, reservationID string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reservation, ok := m.reservations[reservationID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	clone := *reservation
	return &clone, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// balanceLocked 返回当前余额快照，调用方必须持有锁。
func (m *MemoryStore) balanceLocked(accountID, asset string) Balance {
	key := balanceKey{accountID: accountID, asset: asset}
	if balance, ok := m.balances[key]; ok {
		return balance
	}
	return Balance{
		AccountID: accountID,
		Asset:     asset,
		Available: decimal.Zero,
		Reserved:  decimal.Zero,
	}
}

// appendLocked 追加一条流水并同步更新余额缓存，调用方必须持有锁。
func (m *MemoryStore) appendLocked(accountID, asset string, kind Kind, amount decimal.Decimal, txRef, correlationID, description string) *Entry {
	m.nextSeq++
	entry := &Entry{
		Seq:           m.nextSeq,
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Asset:         asset,
		Kind:          kind,
		Amount:        amount,
		TxRef:         txRef,
		CorrelationID: correlationID,
		Description:   description,
		CreatedAt:     nowUnix(),
	}
	m.entries = append(m.entries, entry)
	key := balanceKey{accountID: accountID, asset: asset}
	m.balances[key] = m.balanceLocked(accountID, asset).Apply(entry)
	return entry
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
