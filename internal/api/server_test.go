package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"AgentVault/internal/approval"
	"AgentVault/internal/chain"
	"AgentVault/internal/ledger"
	"AgentVault/internal/task"
	"AgentVault/internal/wallet"
)

type apiFixture struct {
	handler http.Handler
	ledger  *ledger.MemoryStore
	sim     *chain.Simulated
	gate    *approval.Gate
	tasks   *task.MemoryStore
	account *ledger.Account
}

func newAPIFixture(t *testing.T) *apiFixture {
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
	taskStore := task.NewMemoryStore()
	taskSvc := task.NewService(taskStore, task.NewMemoryQueue(16))
	server := NewServer(":0", walletSvc, gate, taskSvc)

	return &apiFixture{
		handler: server.Handler(),
		ledger:  ledgerStore,
		sim:     sim,
		gate:    gate,
		tasks:   taskStore,
		account: account,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(userHeader, "user-1")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestBalanceEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/wallet/balance?asset=ETH", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var got struct {
		Available decimal.Decimal `json:"available"`
		Reserved  decimal.Decimal `json:"reserved"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Available.Equal(decimal.NewFromInt(100)) || !got.Reserved.IsZero() {
		t.Fatalf("balance = %s/%s, want 100/0", got.Available, got.Reserved)
	}
}

func TestMissingUserHeader(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallet/balance", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestConfirmDepositEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.sim.AddDeposit(chain.DepositProof{
		TxHash: "0xdep", Amount: decimal.NewFromInt(40), Asset: "ETH",
		BlockNumber: 3, Confirmed: true,
	})

	rec := f.do(t, http.MethodPost, "/api/v1/wallet/deposits", `{"tx_ref":"0xdep"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// 重复确认同一笔交易冲突。
	rec = f.do(t, http.MethodPost, "/api/v1/wallet/deposits", `{"tx_ref":"0xdep"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rec.Code)
	}

	balance, err := f.ledger.BalanceOf(context.Background(), f.account.ID, "ETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Available.Equal(decimal.NewFromInt(140)) {
		t.Fatalf("available = %s, want 140", balance.Available)
	}
}

func TestWithdrawEndpointInsufficientFunds(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/wallet/withdrawals",
		`{"asset":"ETH","amount":"5000","destination":"0xdest"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body = %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitAndFetchTask(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks",
		`{"goal":"demo","steps":[{"type":"LOG_ONLY","params":{"message":"hi"}}]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != task.StatusPending {
		t.Fatalf("status = %s, want PENDING", created.Status)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rec.Code)
	}

	// 其他用户看不到这个任务。
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	req.Header.Set(userHeader, "user-2")
	other := httptest.NewRecorder()
	f.handler.ServeHTTP(other, req)
	if other.Code != http.StatusNotFound {
		t.Fatalf("cross-account status = %d, want 404", other.Code)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", `{"goal":"","steps":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestApprovalDecisionEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	decision, err := f.gate.Evaluate(ctx, approval.EvaluateInput{
		AccountID: f.account.ID,
		Action:    approval.ActionWithdrawal,
		Amount:    decimal.NewFromInt(10),
		Asset:     "ETH",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Approved {
		t.Fatal("withdrawal should not auto-approve")
	}

	rec := f.do(t, http.MethodGet, "/api/v1/approvals?status=pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pending status = %d", rec.Code)
	}
	var pending []*approval.Request
	if err := json.Unmarshal(rec.Body.Bytes(), &pending); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/"+decision.RequestID+"/approve", `{"note":"ok"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// 已终结的请求不能再次裁决。
	rec = f.do(t, http.MethodPost, "/api/v1/approvals/"+decision.RequestID+"/reject", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("re-decide status = %d, want 409", rec.Code)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/settings",
		`{"auto_approve_threshold":"250","require_for_withdrawals":true,"timeout_hours":12,"paused":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/v1/settings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var settings approval.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &settings); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !settings.AutoApproveThreshold.Equal(decimal.NewFromInt(250)) || settings.TimeoutHours != 12 {
		t.Fatalf("settings = %+v", settings)
	}
}
