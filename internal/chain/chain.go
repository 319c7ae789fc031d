// Package chain 抽象链上能力：转账执行、入金核验与入金扫描。
// 账本核心只依赖这里的接口，不关心具体链实现。
package chain

import (
	"context"

	"github.com/shopspring/decimal"

	xerrors "AgentVault/internal/errors"
)

// TransferRequest 描述一笔待广播的转账。
type TransferRequest struct {
	From        string
	To          string
	Amount      decimal.Decimal
	Asset       string
	// Memo 会进入审计日志，不上链。
	Memo string
}

// Receipt 是转账执行结果。
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	// Fee 是本次执行实际消耗的手续费，与转账金额同资产计价。
	Fee decimal.Decimal
}

// DepositProof 是对用户声明的入金交易的链上核验结果。
type DepositProof struct {
	TxHash      string
	To          string
	Amount      decimal.Decimal
	Asset       string
	BlockNumber uint64
	// Confirmed 表示交易已打包且执行成功。
	Confirmed bool
}

// IncomingTransfer 是入金扫描发现的一笔转入。
type IncomingTransfer struct {
	TxHash      string
	From        string
	To          string
	Amount      decimal.Decimal
	Asset       string
	BlockNumber uint64
}

// Executor 对外广播转账。
type Executor interface {
	Transfer(ctx context.Context, req TransferRequest) (*Receipt, error)
}

// Verifier 核验某个外部引用对应的入金交易。
type Verifier interface {
	VerifyDeposit(ctx context.Context, txRef string) (*DepositProof, error)
}

// DepositSource 按区块高度扫描转入指定地址的交易。
// address 为空串时不过滤收款方，返回区间内所有转账，
// 由调用方按收款地址自行筛选。
type DepositSource interface {
	Transfers(ctx context.Context, address string, sinceBlock uint64) ([]IncomingTransfer, uint64, error)
}

var (
	// ErrTxNotFound 表示链上找不到对应交易。
	ErrTxNotFound = xerrors.New(CodeTxNotFound, "transaction not found on chain")
	// ErrTxFailed 表示交易已打包但执行失败。
	ErrTxFailed = xerrors.New(CodeTxFailed, "transaction reverted on chain")
)

const (
	CodeTxNotFound xerrors.Code = "CHAIN_TX_NOT_FOUND"
	CodeTxFailed   xerrors.Code = "CHAIN_TX_FAILED"
)

func init() {
	xerrors.Register(CodeTxNotFound, xerrors.Attributes{
		Message:   "transaction not found on chain",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeTxFailed, xerrors.Attributes{
		Message:   "transaction reverted on chain",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}
