package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/ledger"
)

func TestVaultRejectsWhenPaused(t *testing.T) {
	vault := NewVault(ledger.NewMemoryStore())
	settings := DefaultSettings()
	settings.Paused = true

	err := vault.Validate(context.Background(), "acct-1", "QUBIC", settings, ActionTransfer, decimal.RequireFromString("1"), "")
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected ErrPolicyViolation, got %v", err)
	}
}

func TestVaultEnforcesPerTransactionLimit(t *testing.T) {
	vault := NewVault(ledger.NewMemoryStore())
	settings := DefaultSettings()
	settings.MaxTransactionLimit = decimal.RequireFromString("100")

	if err := vault.Validate(context.Background(), "acct-1", "QUBIC", settings, ActionTransfer, decimal.RequireFromString("100"), ""); err != nil {
		t.Fatalf("amount at limit must pass: %v", err)
	}
	err := vault.Validate(context.Background(), "acct-1", "QUBIC", settings, ActionTransfer, decimal.RequireFromString("100.00000001"), "")
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected ErrPolicyViolation, got %v", err)
	}

	// 拒绝原因要带上金额与限额，供审计与告警定位。
	var coded *xerrors.Error
	if !errors.As(err, &coded) {
		t.Fatalf("expected *xerrors.Error, got %T", err)
	}
	metadata := coded.Metadata()
	if metadata["amount"] != "100.00000001" || metadata["limit"] != "100" {
		t.Fatalf("metadata = %v, want amount and limit", metadata)
	}
}

func TestVaultEnforcesWhitelist(t *testing.T) {
	vault := NewVault(ledger.NewMemoryStore())
	settings := DefaultSettings()
	settings.WhitelistedAddresses = []string{"0xAbC123"}

	if err := vault.Validate(context.Background(), "acct-1", "QUBIC", settings, ActionTransfer, decimal.RequireFromString("1"), "0xabc123"); err != nil {
		t.Fatalf("whitelist match must be case-insensitive: %v", err)
	}
	err := vault.Validate(context.Background(), "acct-1", "QUBIC", settings, ActionTransfer, decimal.RequireFromString("1"), "0xother")
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected ErrPolicyViolation, got %v", err)
	}
}

func TestVaultEnforcesDailySpendLimit(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	vault := NewVault(store)

	account, err := store.EnsureAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if _, err := store.Deposit(ctx, account.ID, "QUBIC", decimal.RequireFromString("1000"), "tx-1", ""); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	// 今日已结算 80（含手续费 10）。
	reservation, err := store.Reserve(ctx, account.ID, "QUBIC", decimal.RequireFromString("80"), "task-1")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := store.Commit(ctx, reservation.ID, decimal.RequireFromString("70"), decimal.RequireFromString("10"), ledger.KindExecutionDebit, "0x1"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	settings := DefaultSettings()
	settings.DailySpendLimit = decimal.RequireFromString("100")

	if err := vault.Validate(ctx, account.ID, "QUBIC", settings, ActionTransfer, decimal.RequireFromString("20"), ""); err != nil {
		t.Fatalf("spend up to the daily limit must pass: %v", err)
	}
	err = vault.Validate(ctx, account.ID, "QUBIC", settings, ActionTransfer, decimal.RequireFromString("20.00000001"), "")
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected ErrPolicyViolation past daily limit, got %v", err)
	}
}
