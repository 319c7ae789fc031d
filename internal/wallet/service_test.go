package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/ledger"
)

func newTestService(t *testing.T) (*Service, ledger.Store, *chain.Simulated) {
	t.Helper()
	store := ledger.NewMemoryStore()
	sim := chain.NewSimulated()
	return NewService(store, sim, sim), store, sim
}

func TestConfirmDepositCreditsVerifiedAmount(t *testing.T) {
	service, store, sim := newTestService(t)
	ctx := context.Background()

	sim.AddDeposit(chain.DepositProof{
		TxHash:    "0xdep1",
		To:        "0xCustody",
		Amount:    decimal.RequireFromString("250"),
		Asset:     "QUBIC",
		Confirmed: true,
	})

	entry, err := service.ConfirmDeposit(ctx, DepositInput{UserID: "user-1", TxRef: "0xdep1"})
	if err != nil {
		t.Fatalf("ConfirmDeposit failed: %v", err)
	}
	if entry.Kind != ledger.KindDeposit {
		t.Fatalf("expected DEPOSIT entry, got %s", entry.Kind)
	}

	account, err := store.EnsureAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	balance, err := store.BalanceOf(ctx, account.ID, "QUBIC")
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if !balance.Available.Equal(decimal.RequireFromString("250")) {
		t.Fatalf("expected available 250, got %s", balance.Available)
	}
}

func TestConfirmDepositIsIdempotent(t *testing.T) {
	service, _, sim := newTestService(t)
	ctx := context.Background()

	sim.AddDeposit(chain.DepositProof{TxHash: "0xdep1", Amount: decimal.RequireFromString("10"), Asset: "QUBIC", Confirmed: true})

	if _, err := service.ConfirmDeposit(ctx, DepositInput{UserID: "user-1", TxRef: "0xdep1"}); err != nil {
		t.Fatalf("first ConfirmDeposit failed: %v", err)
	}
	if _, err := service.ConfirmDeposit(ctx, DepositInput{UserID: "user-1", TxRef: "0xdep1"}); !errors.Is(err, ledger.ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
}

func TestConfirmDepositRejectsUnknownTx(t *testing.T) {
	service, _, _ := newTestService(t)

	_, err := service.ConfirmDeposit(context.Background(), DepositInput{UserID: "user-1", TxRef: "0xmissing"})
	if !errors.Is(err, chain.ErrTxNotFound) {
		t.Fatalf("expected ErrTxNotFound, got %v", err)
	}
}

func TestConfirmDepositRejectsAmountMismatch(t *testing.T) {
	service, _, sim := newTestService(t)

	sim.AddDeposit(chain.DepositProof{TxHash: "0xdep1", Amount: decimal.RequireFromString("10"), Asset: "QUBIC", Confirmed: true})

	_, err := service.ConfirmDeposit(context.Background(), DepositInput{
		UserID:        "user-1",
		TxRef:         "0xdep1",
		ClaimedAmount: decimal.RequireFromString("99"),
	})
	if err == nil || xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument on amount mismatch, got %v", err)
	}

	var coded *xerrors.Error
	if !errors.As(err, &coded) {
		t.Fatalf("expected *xerrors.Error, got %T", err)
	}
	metadata := coded.Metadata()
	if metadata["claimed"] != "99" || metadata["onchain"] != "10" {
		t.Fatalf("metadata = %v, want claimed/onchain amounts", metadata)
	}
}

func TestWithdrawDebitsAmountAndFee(t *testing.T) {
	service, store, sim := newTestService(t)
	ctx := context.Background()

	account, err := store.EnsureAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if _, err := store.Deposit(ctx, account.ID, "QUBIC", decimal.RequireFromString("1000"), "tx-seed", ""); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	entry, err := service.Withdraw(ctx, WithdrawInput{
		AccountID:   account.ID,
		Asset:       "QUBIC",
		Amount:      decimal.RequireFromString("300"),
		Fee:         decimal.RequireFromString("1"),
		Destination: "0xDest",
	})
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if entry.Kind != ledger.KindWithdrawal {
		t.Fatalf("expected WITHDRAWAL entry, got %s", entry.Kind)
	}

	balance, err := store.BalanceOf(ctx, account.ID, "QUBIC")
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if !balance.Available.Equal(decimal.RequireFromString("699")) || !balance.Reserved.IsZero() {
		t.Fatalf("unexpected balance after withdrawal: available=%s reserved=%s", balance.Available, balance.Reserved)
	}

	transfers := sim.TransferLog()
	if len(transfers) != 1 || !transfers[0].Amount.Equal(decimal.RequireFromString("300")) {
		t.Fatalf("unexpected on-chain transfer log: %+v", transfers)
	}

	fees, err := store.Entries(ctx, account.ID, "QUBIC", ledger.EntryListOptions{Kinds: []ledger.Kind{ledger.KindFee}})
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(fees) != 1 || !fees[0].Amount.Equal(decimal.RequireFromString("-1")) {
		t.Fatalf("expected one FEE entry of -1, got %+v", fees)
	}
}

func TestWithdrawReleasesHoldOnTransferFailure(t *testing.T) {
	service, store, sim := newTestService(t)
	ctx := context.Background()

	account, err := store.EnsureAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if _, err := store.Deposit(ctx, account.ID, "QUBIC", decimal.RequireFromString("100"), "tx-seed", ""); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	sim.FailNext(chain.ErrTxFailed)
	_, err = service.Withdraw(ctx, WithdrawInput{
		AccountID:   account.ID,
		Asset:       "QUBIC",
		Amount:      decimal.RequireFromString("50"),
		Destination: "0xDest",
	})
	if !errors.Is(err, chain.ErrTxFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}

	balance, err := store.BalanceOf(ctx, account.ID, "QUBIC")
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if !balance.Available.Equal(decimal.RequireFromString("100")) || !balance.Reserved.IsZero() {
		t.Fatalf("failed withdrawal must restore balance, got available=%s reserved=%s", balance.Available, balance.Reserved)
	}
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()

	account, err := store.EnsureAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}

	_, err = service.Withdraw(ctx, WithdrawInput{
		AccountID:   account.ID,
		Asset:       "QUBIC",
		Amount:      decimal.RequireFromString("1"),
		Destination: "0xDest",
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}
