package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentVault/internal/errors"
)

// Kind 表示一条账本流水的类型。
type Kind string

const (
	KindDeposit         Kind = "DEPOSIT"
	KindWithdrawal      Kind = "WITHDRAWAL"
	KindReserve         Kind = "RESERVE"
	KindRelease         Kind = "RELEASE"
	KindExecutionDebit  Kind = "EXECUTION_DEBIT"
	KindExecutionCredit Kind = "EXECUTION_CREDIT"
	KindAutoApproval    Kind = "AUTO_APPROVAL"
	KindFee             Kind = "FEE"
)

// ReservationState 表示一笔预留资金的生命周期状态。
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Account 是用户在托管体系内的资金账户，首次使用时自动创建。
type Account struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	Type            string `json:"type"`
	OnchainIdentity string `json:"onchain_identity,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// Balance 是 (account, asset) 维度的余额快照。
// 它只是流水的物化缓存：任何时刻重放流水都必须得到完全相同的数值。
type Balance struct {
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	UpdatedAt int64           `json:"updated_at"`
}

// Total 返回可用与预留余额之和。
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Reserved)
}

// Entry 是一条不可变的账本流水，追加后永不修改或删除。
// Seq 在同一存储内单调递增，按 Seq 重放即可重建余额。
type Entry struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Asset         string          `json:"asset"`
	Kind          Kind            `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	TxRef         string          `json:"tx_ref,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     int64           `json:"created_at"`
}

// Reservation 表示一笔从可用余额划转到预留余额的资金锁定。
type Reservation struct {
	ID            string           `json:"id"`
	AccountID     string           `json:"account_id"`
	Asset         string           `json:"asset"`
	Amount        decimal.Decimal  `json:"amount"`
	State         ReservationState `json:"state"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	CreatedAt     int64            `json:"created_at"`
	ResolvedAt    int64            `json:"resolved_at,omitempty"`
}

var (
	// ErrInsufficientFunds 表示可用余额不足以完成预留或扣减。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient available balance")
	// ErrDuplicateReference 表示携带相同外部引用的入账已经被处理过。
	ErrDuplicateReference = xerrors.New(CodeDuplicateReference, "deposit reference already recorded")
	// ErrInvalidState 表示预留资金已经被提交或释放，不能再次结算。
	ErrInvalidState = xerrors.New(CodeInvalidState, "reservation already resolved", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrAccountNotFound 表示指定账户不存在。
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "account not found")
	// ErrReservationNotFound 表示指定的预留记录不存在。
	ErrReservationNotFound = xerrors.New(CodeReservationNotFound, "reservation not found")
)

const (
	CodeInsufficientFunds   xerrors.Code = "LEDGER_INSUFFICIENT_FUNDS"
	CodeDuplicateReference  xerrors.Code = "LEDGER_DUPLICATE_REFERENCE"
	CodeInvalidState        xerrors.Code = "LEDGER_INVALID_STATE"
	CodeAccountNotFound     xerrors.Code = "LEDGER_ACCOUNT_NOT_FOUND"
	CodeReservationNotFound xerrors.Code = "LEDGER_RESERVATION_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "insufficient available balance",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDuplicateReference, xerrors.Attributes{
		Message:   "deposit reference already recorded",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidState, xerrors.Attributes{
		Message:   "reservation already resolved",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{
		Message:   "account not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeReservationNotFound, xerrors.Attributes{
		Message:   "reservation not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidKind 检查给定的流水类型是否为支持的枚举值。
func IsValidKind(kind Kind) bool {
	switch kind {
	case KindDeposit, KindWithdrawal, KindReserve, KindRelease,
		KindExecutionDebit, KindExecutionCredit, KindAutoApproval, KindFee:
		return true
	default:
		return false
	}
}

// Apply 将一条流水施加到余额快照上，返回新的快照。
// 各类型对 (available, reserved) 的影响是固定的：
//
//	DEPOSIT / EXECUTION_CREDIT  → available 增加
//	RESERVE                     → available 减少，reserved 增加
//	RELEASE                     → reserved 减少，available 增加
//	WITHDRAWAL / EXECUTION_DEBIT / FEE → reserved 减少（从预留中结算）
//
// 重放全部流水即可逐笔重建余额，这是对账测试依赖的基础性质。
func (b Balance) Apply(e *Entry) Balance {
	amount := e.Amount.Abs()
	next := b
	switch e.Kind {
	case KindDeposit, KindExecutionCredit:
		next.Available = b.Available.Add(amount)
	case KindReserve:
		next.Available = b.Available.Sub(amount)
		next.Reserved = b.Reserved.Add(amount)
	case KindRelease:
		next.Reserved = b.Reserved.Sub(amount)
		next.Available = b.Available.Add(amount)
	case KindWithdrawal, KindExecutionDebit, KindFee:
		next.Reserved = b.Reserved.Sub(amount)
	case KindAutoApproval:
		// 审计用途，不影响余额。
	}
	next.UpdatedAt = e.CreatedAt
	return next
}

// SettlementKinds 列出计入资金守恒校验的流水类型。
// RESERVE/RELEASE 只是可用与预留之间的内部划转，对总额恒为零。
func SettlementKinds() []Kind {
	return []Kind{KindDeposit, KindWithdrawal, KindExecutionDebit, KindExecutionCredit, KindFee}
}

func nowUnix() int64 {
	return time.Now().Unix()
}
