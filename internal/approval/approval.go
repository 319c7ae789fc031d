// Package approval 实现审批网关：按策略决定代理动作是自动放行
// 还是进入人工审批，并维护审批请求的完整生命周期。
package approval

import (
	"github.com/shopspring/decimal"

	xerrors "AgentVault/internal/errors"
)

// Action 表示待审批的代理动作类型。
type Action string

const (
	ActionTransfer      Action = "TRANSFER"
	ActionWithdrawal    Action = "WITHDRAWAL"
	ActionTrade         Action = "TRADE"
	ActionDeFi          Action = "DEFI"
	ActionToolExecution Action = "TOOL_EXECUTION"
)

// Status 表示审批请求的状态。
// pending 是唯一的非终结状态；auto_approved 在创建时直接落入终结态。
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusAutoApproved Status = "auto_approved"
	StatusExpired      Status = "expired"
)

// Terminal 报告状态是否为终结态。
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Outcome 是人工裁决的结果。
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

// RiskLevel 是给审批人看的风险提示，不参与策略判断。
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Settings 是账户级的审批与资金闸门配置。
type Settings struct {
	// AutoApproveThreshold 之下的非提现动作自动放行。
	AutoApproveThreshold decimal.Decimal `json:"auto_approve_threshold"`
	// RequireForWithdrawals 恒为 true 时提现永远进入人工审批。
	RequireForWithdrawals bool `json:"require_for_withdrawals"`
	RequireForTrades      bool `json:"require_for_trades"`
	RequireForDeFi        bool `json:"require_for_defi"`
	NotifyOnAutoApprove   bool `json:"notify_on_auto_approve"`
	// TimeoutHours 决定 pending 请求的有效期。
	TimeoutHours int `json:"timeout_hours"`

	// 资金闸门（smart vault）相关配置。
	DailySpendLimit      decimal.Decimal `json:"daily_spend_limit"`
	MaxTransactionLimit  decimal.Decimal `json:"max_transaction_limit"`
	WhitelistedAddresses []string        `json:"whitelisted_addresses"`
	Paused               bool            `json:"paused"`
}

// DefaultSettings 返回默认配置：提现必审、超时 24 小时、不设限额。
func DefaultSettings() Settings {
	return Settings{
		AutoApproveThreshold:  decimal.NewFromInt(100),
		RequireForWithdrawals: true,
		TimeoutHours:          24,
	}
}

// Request 是一条审批请求记录。
type Request struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	TaskID       string          `json:"task_id,omitempty"`
	Action       Action          `json:"action"`
	Amount       decimal.Decimal `json:"amount"`
	Asset        string          `json:"asset"`
	Destination  string          `json:"destination,omitempty"`
	Description  string          `json:"description,omitempty"`
	RiskLevel    RiskLevel       `json:"risk_level"`
	Status       Status          `json:"status"`
	CreatedAt    int64           `json:"created_at"`
	ExpiresAt    int64           `json:"expires_at,omitempty"`
	DecidedAt    int64           `json:"decided_at,omitempty"`
	DecisionNote string          `json:"decision_note,omitempty"`
}

// Decision 是 Evaluate 的返回值。
type Decision struct {
	// Approved 为 true 时动作可以立即执行。
	Approved bool
	// RequestID 指向本次创建的审批请求，自动放行时同样会有记录。
	RequestID string
	// Reason 解释命中的策略规则。
	Reason string
}

var (
	// ErrExpired 表示审批请求已过有效期，不能再裁决。
	ErrExpired = xerrors.New(CodeExpired, "approval request expired")
	// ErrAlreadyDecided 表示审批请求已处于终结态。
	ErrAlreadyDecided = xerrors.New(CodeAlreadyDecided, "approval request already decided")
	// ErrPolicyViolation 表示动作触犯了资金闸门规则。
	ErrPolicyViolation = xerrors.New(CodePolicyViolation, "action violates vault policy", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRequestNotFound 表示指定审批请求不存在。
	ErrRequestNotFound = xerrors.New(CodeRequestNotFound, "approval request not found")
)

const (
	CodeExpired         xerrors.Code = "APPROVAL_EXPIRED"
	CodeAlreadyDecided  xerrors.Code = "APPROVAL_ALREADY_DECIDED"
	CodePolicyViolation xerrors.Code = "APPROVAL_POLICY_VIOLATION"
	CodeRequestNotFound xerrors.Code = "APPROVAL_REQUEST_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeExpired, xerrors.Attributes{
		Message:   "approval request expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAlreadyDecided, xerrors.Attributes{
		Message:   "approval request already decided",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePolicyViolation, xerrors.Attributes{
		Message:   "action violates vault policy",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRequestNotFound, xerrors.Attributes{
		Message:   "approval request not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
