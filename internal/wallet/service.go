// Package wallet 在账本存储之上提供托管钱包服务：
// 链上核验入金、执行提现、以及供任务执行器使用的资金预留通道。
// 所有余额变化只能通过账本存储的原子操作发生。
package wallet

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/ledger"
	"AgentVault/internal/observability/metrics"
	"AgentVault/pkg/logger"
)

// Service 是托管钱包的资金入口。
type Service struct {
	store    ledger.Store
	executor chain.Executor
	verifier chain.Verifier
	log      *slog.Logger
	audit    *slog.Logger
}

// NewService 创建钱包服务。executor/verifier 可以是模拟实现。
func NewService(store ledger.Store, executor chain.Executor, verifier chain.Verifier) *Service {
	return &Service{
		store:    store,
		executor: executor,
		verifier: verifier,
		log:      logger.Named("wallet"),
		audit:    logger.Audit(),
	}
}

// Account 返回用户的托管账户，首次调用时创建。
func (s *Service) Account(ctx context.Context, userID string) (*ledger.Account, error) {
	return s.store.EnsureAccount(ctx, userID)
}

// DepositInput 描述一次入金确认请求。
type DepositInput struct {
	UserID string
	TxRef  string
	// ClaimedAmount 可选；调用方声明金额时必须与链上金额一致。
	ClaimedAmount decimal.Decimal
}

// ConfirmDeposit 核验链上交易后把入金记入账本。
// 同一 TxRef 重复确认返回 ErrDuplicateReference，余额不变。
func (s *Service) ConfirmDeposit(ctx context.Context, input DepositInput) (*ledger.Entry, error) {
	if strings.TrimSpace(input.TxRef) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "入金确认缺少交易哈希")
	}

	account, err := s.store.EnsureAccount(ctx, input.UserID)
	if err != nil {
		return nil, err
	}

	proof, err := s.verifier.VerifyDeposit(ctx, input.TxRef)
	if err != nil {
		return nil, err
	}
	if !proof.Confirmed {
		return nil, chain.ErrTxFailed
	}
	if account.OnchainIdentity != "" && !strings.EqualFold(proof.To, account.OnchainIdentity) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "入金交易的收款地址不是该账户的托管地址",
			xerrors.WithMetadata("expected", account.OnchainIdentity),
			xerrors.WithMetadata("actual", proof.To))
	}
	if input.ClaimedAmount.IsPositive() && !input.ClaimedAmount.Equal(proof.Amount) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "声明的入金金额与链上金额不一致",
			xerrors.WithMetadata("claimed", input.ClaimedAmount.String()),
			xerrors.WithMetadata("onchain", proof.Amount.String()))
	}

	entry, err := s.store.Deposit(ctx, account.ID, proof.Asset, proof.Amount, input.TxRef, "on-chain deposit")
	if err != nil {
		return nil, err
	}
	metrics.IncSettlement(string(entry.Kind))

	s.audit.Info("deposit credited",
		"account_id", account.ID,
		"asset", proof.Asset,
		"amount", proof.Amount.String(),
		"tx_ref", input.TxRef,
		"seq", entry.Seq,
	)
	return entry, nil
}

// WithdrawInput 描述一次提现。Fee 是账本侧收取的提现费，可以为零。
type WithdrawInput struct {
	AccountID   string
	Asset       string
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	Destination string
	// CorrelationID 关联审批请求或任务。
	CorrelationID string
}

// Withdraw 执行一笔已获批准的提现：
// 预留 amount+fee → 链上转账 → 提交；转账失败时整笔预留退回。
func (s *Service) Withdraw(ctx context.Context, input WithdrawInput) (*ledger.Entry, error) {
	if !input.Amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提现金额必须大于零")
	}
	if input.Fee.IsNegative() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提现手续费不能为负数")
	}

	total := input.Amount.Add(input.Fee)
	reservation, err := s.store.Reserve(ctx, input.AccountID, input.Asset, total, input.CorrelationID)
	if err != nil {
		return nil, err
	}

	receipt, err := s.executor.Transfer(ctx, chain.TransferRequest{
		To:     input.Destination,
		Amount: input.Amount,
		Asset:  input.Asset,
		Memo:   input.CorrelationID,
	})
	if err != nil {
		// 转账失败，整笔预留退回可用余额。
		if _, releaseErr := s.store.Release(ctx, reservation.ID); releaseErr != nil {
			s.log.Error("release after failed withdrawal transfer failed",
				"reservation_id", reservation.ID, "error", releaseErr)
		}
		s.audit.Info("withdrawal failed",
			"account_id", input.AccountID,
			"asset", input.Asset,
			"amount", input.Amount.String(),
			"destination", input.Destination,
			"error", err.Error(),
		)
		return nil, err
	}

	entry, err := s.store.Commit(ctx, reservation.ID, input.Amount, input.Fee, ledger.KindWithdrawal, receipt.TxHash)
	if err != nil {
		// 链上已转出但账本提交失败：必须告警人工对账。
		s.log.Error("withdrawal commit failed after on-chain transfer",
			"reservation_id", reservation.ID, "tx_hash", receipt.TxHash, "error", err)
		return nil, err
	}
	metrics.IncSettlement(string(entry.Kind))

	s.audit.Info("withdrawal executed",
		"account_id", input.AccountID,
		"asset", input.Asset,
		"amount", input.Amount.String(),
		"fee", input.Fee.String(),
		"destination", input.Destination,
		"tx_hash", receipt.TxHash,
		"seq", entry.Seq,
	)
	return entry, nil
}

// Reserve 供任务执行器使用的资金预留通道。
func (s *Service) Reserve(ctx context.Context, accountID, asset string, amount decimal.Decimal, correlationID string) (*ledger.Reservation, error) {
	reservation, err := s.store.Reserve(ctx, accountID, asset, amount, correlationID)
	if err != nil {
		return nil, err
	}
	s.audit.Info("funds reserved",
		"account_id", accountID, "asset", asset, "amount", amount.String(),
		"reservation_id", reservation.ID, "correlation_id", correlationID)
	return reservation, nil
}

// Commit 结算一笔预留。
func (s *Service) Commit(ctx context.Context, reservationID string, actual, fee decimal.Decimal, kind ledger.Kind, txRef string) (*ledger.Entry, error) {
	entry, err := s.store.Commit(ctx, reservationID, actual, fee, kind, txRef)
	if err != nil {
		return nil, err
	}
	metrics.IncSettlement(string(kind))
	s.audit.Info("reservation committed",
		"reservation_id", reservationID, "actual", actual.String(), "fee", fee.String(),
		"kind", string(kind), "tx_ref", txRef)
	return entry, nil
}

// Release 释放一笔预留。
func (s *Service) Release(ctx context.Context, reservationID string) (*ledger.Entry, error) {
	entry, err := s.store.Release(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	s.audit.Info("reservation released", "reservation_id", reservationID, "amount", entry.Amount.String())
	return entry, nil
}

// Credit 直接向账户入账（内部返还、收益等）。
func (s *Service) Credit(ctx context.Context, accountID, asset string, amount decimal.Decimal, correlationID, description string) (*ledger.Entry, error) {
	entry, err := s.store.Credit(ctx, accountID, asset, amount, correlationID, description)
	if err != nil {
		return nil, err
	}
	s.audit.Info("account credited",
		"account_id", accountID, "asset", asset, "amount", amount.String(), "correlation_id", correlationID)
	return entry, nil
}

// Balance 返回账户余额快照。
func (s *Service) Balance(ctx context.Context, accountID, asset string) (ledger.Balance, error) {
	return s.store.BalanceOf(ctx, accountID, asset)
}

// History 返回账户流水。
func (s *Service) History(ctx context.Context, accountID, asset string, opts ledger.EntryListOptions) ([]*ledger.Entry, error) {
	return s.store.Entries(ctx, accountID, asset, opts)
}
