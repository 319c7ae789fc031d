package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestGate(t *testing.T) (*Gate, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewGate(store), store
}

func TestEvaluateAutoApprovesBelowThreshold(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	decision, err := gate.Evaluate(ctx, EvaluateInput{
		AccountID: "acct-1",
		Action:    ActionTransfer,
		Amount:    decimal.RequireFromString("50"),
		Asset:     "QUBIC",
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !decision.Approved {
		t.Fatalf("expected auto-approval, got pending: %s", decision.Reason)
	}

	request, err := gate.Get(ctx, decision.RequestID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if request.Status != StatusAutoApproved {
		t.Fatalf("expected auto_approved request, got %s", request.Status)
	}
	if request.DecidedAt == 0 {
		t.Fatal("auto_approved request must be decided at creation")
	}
}

func TestEvaluateCreatesPendingWithExpiry(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	decision, err := gate.Evaluate(ctx, EvaluateInput{
		AccountID: "acct-1",
		Action:    ActionTransfer,
		Amount:    decimal.RequireFromString("500"),
		Asset:     "QUBIC",
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Approved {
		t.Fatal("amount over threshold must not auto-approve")
	}

	request, err := gate.Get(ctx, decision.RequestID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if request.Status != StatusPending {
		t.Fatalf("expected pending request, got %s", request.Status)
	}
	if request.ExpiresAt <= request.CreatedAt {
		t.Fatalf("expiry must be in the future: created=%d expires=%d", request.CreatedAt, request.ExpiresAt)
	}
}

func TestDecideApproveAndReject(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	first, err := gate.Evaluate(ctx, EvaluateInput{AccountID: "acct-1", Action: ActionWithdrawal, Amount: decimal.RequireFromString("1"), Asset: "QUBIC"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	approved, err := gate.Decide(ctx, first.RequestID, OutcomeApprove, "looks fine")
	if err != nil {
		t.Fatalf("Decide approve failed: %v", err)
	}
	if approved.Status != StatusApproved || approved.DecisionNote != "looks fine" {
		t.Fatalf("unexpected decided request: %+v", approved)
	}

	second, err := gate.Evaluate(ctx, EvaluateInput{AccountID: "acct-1", Action: ActionWithdrawal, Amount: decimal.RequireFromString("1"), Asset: "QUBIC"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	rejected, err := gate.Decide(ctx, second.RequestID, OutcomeReject, "no")
	if err != nil {
		t.Fatalf("Decide reject failed: %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
}

func TestDecideTwiceIsAlreadyDecided(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	decision, err := gate.Evaluate(ctx, EvaluateInput{AccountID: "acct-1", Action: ActionWithdrawal, Amount: decimal.RequireFromString("1"), Asset: "QUBIC"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if _, err := gate.Decide(ctx, decision.RequestID, OutcomeApprove, ""); err != nil {
		t.Fatalf("first Decide failed: %v", err)
	}
	if _, err := gate.Decide(ctx, decision.RequestID, OutcomeReject, ""); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
}

func TestDecideAfterExpiryReturnsExpired(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	base := time.Now()
	gate.now = func() time.Time { return base }

	decision, err := gate.Evaluate(ctx, EvaluateInput{AccountID: "acct-1", Action: ActionWithdrawal, Amount: decimal.RequireFromString("1"), Asset: "QUBIC"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	// 把时钟拨过超时点。
	gate.now = func() time.Time { return base.Add(25 * time.Hour) }
	if _, err := gate.Decide(ctx, decision.RequestID, OutcomeApprove, ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	request, err := gate.Get(ctx, decision.RequestID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if request.Status != StatusExpired {
		t.Fatalf("late decide must flip request to expired, got %s", request.Status)
	}

	// 过期是终结态，随后无论什么裁决都失败。
	if _, err := gate.Decide(ctx, decision.RequestID, OutcomeApprove, ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired on expired request, got %v", err)
	}
}

func TestSweepExpiresOverduePending(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	base := time.Now()
	gate.now = func() time.Time { return base }

	stale, err := gate.Evaluate(ctx, EvaluateInput{AccountID: "acct-1", Action: ActionWithdrawal, Amount: decimal.RequireFromString("1"), Asset: "QUBIC"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	gate.now = func() time.Time { return base.Add(30 * time.Hour) }
	fresh, err := gate.Evaluate(ctx, EvaluateInput{AccountID: "acct-1", Action: ActionWithdrawal, Amount: decimal.RequireFromString("2"), Asset: "QUBIC"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	expired, err := gate.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired request, got %d", expired)
	}

	staleRequest, err := gate.Get(ctx, stale.RequestID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if staleRequest.Status != StatusExpired {
		t.Fatalf("stale request should be expired, got %s", staleRequest.Status)
	}

	freshRequest, err := gate.Get(ctx, fresh.RequestID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if freshRequest.Status != StatusPending {
		t.Fatalf("fresh request should stay pending, got %s", freshRequest.Status)
	}
}

func TestPendingListsOnlyPending(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	pending, err := gate.Evaluate(ctx, EvaluateInput{AccountID: "acct-1", Action: ActionWithdrawal, Amount: decimal.RequireFromString("3"), Asset: "QUBIC"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if _, err := gate.Evaluate(ctx, EvaluateInput{AccountID: "acct-1", Action: ActionTransfer, Amount: decimal.RequireFromString("5"), Asset: "QUBIC"}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	list, err := gate.Pending(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != pending.RequestID {
		t.Fatalf("expected only the pending request, got %d entries", len(list))
	}

	history, err := gate.History(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
}
