package agentvault

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"AgentVault/internal/api"
	"AgentVault/internal/approval"
	"AgentVault/internal/chain"
	"AgentVault/internal/ledger"
	"AgentVault/internal/task"
	"AgentVault/internal/wallet"
)

type clientFixture struct {
	client  *Client
	server  *httptest.Server
	ledger  *ledger.MemoryStore
	sim     *chain.Simulated
	gate    *approval.Gate
	account *ledger.Account
}

func newClientFixture(t *testing.T) *clientFixture {
	t.Helper()
	ctx := context.Background()

	ledgerStore := ledger.NewMemoryStore()
	account, err := ledgerStore.EnsureAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if _, err := ledgerStore.Deposit(ctx, account.ID, "ETH", decimal.NewFromInt(100), "0xseed", "seed"); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	sim := chain.NewSimulated()
	walletSvc := wallet.NewService(ledgerStore, sim, sim)
	gate := approval.NewGate(approval.NewMemoryStore())
	taskSvc := task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(16))

	server := httptest.NewServer(api.NewServer(":0", walletSvc, gate, taskSvc).Handler())
	t.Cleanup(server.Close)

	return &clientFixture{
		client:  NewClient(server.URL, "user-1", server.Client()),
		server:  server,
		ledger:  ledgerStore,
		sim:     sim,
		gate:    gate,
		account: account,
	}
}

func TestClientBalanceAndHistory(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	balance, err := f.client.Balance(ctx, "ETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Available.Equal(decimal.NewFromInt(100)) || !balance.Reserved.IsZero() {
		t.Fatalf("balance = %s/%s, want 100/0", balance.Available, balance.Reserved)
	}

	entries, err := f.client.History(ctx, "ETH", 0, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != "DEPOSIT" {
		t.Fatalf("entries = %+v, want one DEPOSIT", entries)
	}
}

func TestClientConfirmDepositAndWithdraw(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()
	f.sim.AddDeposit(chain.DepositProof{
		TxHash: "0xdep", Amount: decimal.NewFromInt(40), Asset: "ETH",
		BlockNumber: 3, Confirmed: true,
	})

	entry, err := f.client.ConfirmDeposit(ctx, DepositConfirmation{
		TxRef: "0xdep", Amount: decimal.NewFromInt(40),
	})
	if err != nil {
		t.Fatalf("confirm deposit: %v", err)
	}
	if !entry.Amount.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("credited = %s, want 40", entry.Amount)
	}

	// 余额不足的提现要返回结构化错误。
	_, err = f.client.Withdraw(ctx, WithdrawalRequest{
		Amount: decimal.NewFromInt(5000), Destination: "0xdest",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("withdraw error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code == "" {
		t.Fatalf("apiErr = %+v, want 422 with code", apiErr)
	}

	balance, err := f.client.Balance(ctx, "ETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Available.Equal(decimal.NewFromInt(140)) {
		t.Fatalf("available = %s, want 140", balance.Available)
	}
}

func TestClientTaskLifecycle(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	created, err := f.client.SubmitTask(ctx, TaskSubmission{
		Goal: "demo",
		Steps: []Step{
			{Type: "LOG_ONLY", Params: map[string]any{"message": "hi"}},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.Status != "PENDING" {
		t.Fatalf("status = %s, want PENDING", created.Status)
	}

	found, err := f.client.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if found.ID != created.ID || len(found.Steps) != 1 {
		t.Fatalf("task = %+v", found)
	}

	tasks, err := f.client.ListTasks(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(tasks))
	}

	// 尚未挂起的任务不能恢复。
	_, err = f.client.ResumeTask(ctx, created.ID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("resume error = %v, want 409", err)
	}
}

func TestClientApprovalDecision(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	decision, err := f.gate.Evaluate(ctx, approval.EvaluateInput{
		AccountID:   f.account.ID,
		Action:      approval.ActionWithdrawal,
		Amount:      decimal.NewFromInt(10),
		Asset:       "ETH",
		Destination: "0xdest",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	pending, err := f.client.PendingApprovals(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != decision.RequestID {
		t.Fatalf("pending = %+v", pending)
	}

	decided, err := f.client.Approve(ctx, decision.RequestID, "ok")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if decided.Status != "approved" || decided.DecisionNote != "ok" {
		t.Fatalf("decided = %+v", decided)
	}

	// 已裁决的请求再次裁决要冲突。
	_, err = f.client.Reject(ctx, decision.RequestID, "late")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("re-decide error = %v, want 409", err)
	}
}

func TestClientSettingsRoundTrip(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	settings, err := f.client.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	settings.Paused = true
	settings.MaxTransactionLimit = decimal.NewFromInt(250)

	if _, err := f.client.UpdateSettings(ctx, settings); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	reloaded, err := f.client.Settings(ctx)
	if err != nil {
		t.Fatalf("reload settings: %v", err)
	}
	if !reloaded.Paused || !reloaded.MaxTransactionLimit.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("reloaded = %+v", reloaded)
	}
}
