package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

func newFundedAccount(t *testing.T, store Store, amount string) *Account {
	t.Helper()
	ctx := context.Background()
	account, err := store.EnsureAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if _, err := store.Deposit(ctx, account.ID, "QUBIC", mustDecimal(t, amount), "tx-seed", "seed deposit"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	return account
}

func mustDecimal(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("invalid decimal %q: %v", value, err)
	}
	return d
}

func TestEnsureAccountIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.EnsureAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	second, err := store.EnsureAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureAccount failed on repeat: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same account, got %s and %s", first.ID, second.ID)
	}
}

func TestDepositRejectsDuplicateReference(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	account, err := store.EnsureAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}

	if _, err := store.Deposit(ctx, account.ID, "QUBIC", mustDecimal(t, "100"), "tx-abc", ""); err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}
	if _, err := store.Deposit(ctx, account.ID, "QUBIC", mustDecimal(t, "100"), "tx-abc", ""); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}

	balance, err := store.BalanceOf(ctx, account.ID, "QUBIC")
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if !balance.Available.Equal(mustDecimal(t, "100")) {
		t.Fatalf("duplicate deposit changed balance: %s", balance.Available)
	}
}

func TestReserveMovesAvailableToReserved(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	account := newFundedAccount(t, store, "100")

	reservation, err := store.Reserve(ctx, account.ID, "QUBIC", mustDecimal(t, "40"), "task-1")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if reservation.State != ReservationHeld {
		t.Fatalf("expected held reservation, got %s", reservation.State)
	}

	balance, err := store.BalanceOf(ctx, account.ID, "QUBIC")
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if !balance.Available.Equal(mustDecimal(t, "60")) || !balance.Reserved.Equal(mustDecimal(t, "40")) {
		t.Fatalf("unexpected balance after reserve: available=%s reserved=%s", balance.Available, balance.Reserved)
	}
	if !balance.Total().Equal(mustDecimal(t, "100")) {
		t.Fatalf("reserve changed total balance: %s", balance.Total())
	}
}

func TestReserveInsufficientFunds(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	account := newFundedAccount(t, store, "10")

	if _, err := store.Reserve(ctx, account.ID, "QUBIC", mustDecimal(t, "10.00000001"), "task-1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestCommitReturnsSurplusAndChargesFee(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	account := newFundedAccount(t, store, "100")

	reservation, err := store.Reserve(ctx, account.ID, "QUBIC", mustDecimal(t, "50"), "task-1")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := store.Commit(ctx, reservation.ID, mustDecimal(t, "30"), mustDecimal(t, "1.5"), KindExecutionDebit, "0xdeadbeef"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	balance, err := store.BalanceOf(ctx, account.ID, "QUBIC")
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	// 50 预留中结算 30 + 1.5 手续费，剩余 18.5 回到可用余额。
	if !balance.Available.Equal(mustDecimal(t, "68.5")) {
		t.Fatalf("expected available 68.5, got %s", balance.Available)
	}
	if !balance.Reserved.IsZero() {
		t.Fatalf("expected reserved 0, got %s", balance.Reserved)
	}

	resolved, err := store.GetReservation(ctx, reservation.ID)
	if err != nil {
		t.Fatalf("GetReservation failed: %v", err)
	}
	if resolved.State != ReservationCommitted {
		t.Fatalf("expected committed reservation, got %s", resolved.State)
	}
}

func TestCommitRejectsOverdraw(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	account := newFundedAccount(t, store, "100")

	reservation, err := store.Reserve(ctx, account.ID, "QUBIC", mustDecimal(t, "50"), "task-1")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := store.Commit(ctx, reservation.ID, mustDecimal(t, "49"), mustDecimal(t, "2"), KindExecutionDebit, ""); err == nil {
		t.Fatal("expected commit beyond reservation to fail")
	}

	held, err := store.GetReservation(ctx, reservation.ID)
	if err != nil {
		t.Fatalf("GetReservation failed: %v", err)
	}
	if held.State != ReservationHeld {
		t.Fatalf("failed commit must not resolve the reservation, got %s", held.State)
	}
}

func TestReleaseTwiceIsInvalidState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	account := newFundedAccount(t, store, "100")

	reservation, err := store.Reserve(ctx, account.ID, "QUBIC", mustDecimal(t, "25"), "task-1")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := store.Release(ctx, reservation.ID); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	if _, err := store.Release(ctx, reservation.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double release, got %v", err)
	}
	if _, err := store.Commit(ctx, reservation.ID, mustDecimal(t, "10"), decimal.Zero, KindExecutionDebit, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on commit after release, got %v", err)
	}

	balance, err := store.BalanceOf(ctx, account.ID, "QUBIC")
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if !balance.Available.Equal(mustDecimal(t, "100")) || !balance.Reserved.IsZero() {
		t.Fatalf("release must restore full balance, got available=%s reserved=%s", balance.Available, balance.Reserved)
	}
}

// TestConcurrentReserveNeverDoubleSpends 并发预留不能超出可用余额。
func TestConcurrentReserveNeverDoubleSpends(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const workers = 10
	// 余额只够 workers-1 份。
	account := newFundedAccount(t, store, "90")
	amount := mustDecimal(t, "10")

	var succeeded, rejected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Reserve(ctx, account.ID, "QUBIC", amount, "task-n")
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInsufficientFunds):
				rejected.Add(1)
			default:
				t.Errorf("unexpected reserve error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != workers-1 || rejected.Load() != 1 {
		t.Fatalf("expected %d successes and 1 rejection, got %d/%d", workers-1, succeeded.Load(), rejected.Load())
	}

	balance, err := store.BalanceOf(ctx, account.ID, "QUBIC")
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if balance.Available.IsNegative() || balance.Reserved.IsNegative() {
		t.Fatalf("negative balance after concurrent reserves: available=%s reserved=%s", balance.Available, balance.Reserved)
	}
	if !balance.Reserved.Equal(mustDecimal(t, "90")) {
		t.Fatalf("expected 90 reserved, got %s", balance.Reserved)
	}
}

// TestReplayReconstructsBalance 把全部流水从零折叠，必须得到当前余额。
func TestReplayReconstructsBalance(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	account := newFundedAccount(t, store, "200")

	r1, err := store.Reserve(ctx, account.ID, "QUBIC", mustDecimal(t, "80"), "task-1")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := store.Commit(ctx, r1.ID, mustDecimal(t, "60"), mustDecimal(t, "0.5"), KindWithdrawal, "0xfeed"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	r2, err := store.Reserve(ctx, account.ID, "QUBIC", mustDecimal(t, "30"), "task-2")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := store.Release(ctx, r2.ID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := store.Credit(ctx, account.ID, "QUBIC", mustDecimal(t, "5"), "task-3", "yield"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if _, err := store.Reserve(ctx, account.ID, "QUBIC", mustDecimal(t, "10"), "task-4"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	entries, err := store.Entries(ctx, account.ID, "QUBIC", EntryListOptions{Limit: 500})
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}

	replayed := Balance{AccountID: account.ID, Asset: "QUBIC", Available: decimal.Zero, Reserved: decimal.Zero}
	var lastSeq int64
	for _, entry := range entries {
		if entry.Seq <= lastSeq {
			t.Fatalf("entries out of order: seq %d after %d", entry.Seq, lastSeq)
		}
		lastSeq = entry.Seq
		replayed = replayed.Apply(entry)
	}

	current, err := store.BalanceOf(ctx, account.ID, "QUBIC")
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if !replayed.Available.Equal(current.Available) || !replayed.Reserved.Equal(current.Reserved) {
		t.Fatalf("replay mismatch: replayed %s/%s, stored %s/%s",
			replayed.Available, replayed.Reserved, current.Available, current.Reserved)
	}
}

// TestSettlementConservation 可用+预留必须等于结算类流水之和。
func TestSettlementConservation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	account := newFundedAccount(t, store, "500")

	r1, err := store.Reserve(ctx, account.ID, "QUBIC", mustDecimal(t, "120"), "task-1")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := store.Commit(ctx, r1.ID, mustDecimal(t, "100"), mustDecimal(t, "2"), KindExecutionDebit, "0x1"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	r2, err := store.Reserve(ctx, account.ID, "QUBIC", mustDecimal(t, "50"), "task-2")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := store.Release(ctx, r2.ID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := store.Reserve(ctx, account.ID, "QUBIC", mustDecimal(t, "40"), "task-3"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	settled, err := store.Entries(ctx, account.ID, "QUBIC", EntryListOptions{Kinds: SettlementKinds(), Limit: 500})
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	sum := decimal.Zero
	for _, entry := range settled {
		sum = sum.Add(entry.Amount)
	}

	balance, err := store.BalanceOf(ctx, account.ID, "QUBIC")
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if !balance.Total().Equal(sum) {
		t.Fatalf("conservation violated: total %s, settled sum %s", balance.Total(), sum)
	}
}

func TestEntriesPagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	account, err := store.EnsureAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		ref := string(rune('a' + i))
		if _, err := store.Deposit(ctx, account.ID, "QUBIC", mustDecimal(t, "1"), "tx-"+ref, ""); err != nil {
			t.Fatalf("Deposit failed: %v", err)
		}
	}

	page, err := store.Entries(ctx, account.ID, "QUBIC", EntryListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(page))
	}

	rest, err := store.Entries(ctx, account.ID, "QUBIC", EntryListOptions{AfterSeq: page[1].Seq, Limit: 10})
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(rest) != 3 {
		t.Fatalf("expected 3 remaining entries, got %d", len(rest))
	}
	if rest[0].Seq <= page[1].Seq {
		t.Fatalf("pagination returned overlapping seq %d", rest[0].Seq)
	}
}
