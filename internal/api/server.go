package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"AgentVault/internal/approval"
	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/ledger"
	"AgentVault/internal/observability/metrics"
	"AgentVault/internal/task"
	"AgentVault/internal/wallet"
	"AgentVault/pkg/logger"
)

// userHeader 携带外层网关认证后的用户标识。
const userHeader = "X-User-ID"

// Server 负责暴露 REST 接口。
type Server struct {
	addr   string
	wallet *wallet.Service
	gate   *approval.Gate
	tasks  *task.Service
	log    *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, walletSvc *wallet.Service, gate *approval.Gate, tasks *task.Service) *Server {
	return &Server{
		addr:   addr,
		wallet: walletSvc,
		gate:   gate,
		tasks:  tasks,
		log:    logger.Named("api"),
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", "addr", s.addr)
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整路由，便于测试直接挂到 httptest 上。
// 每条路由用声明时的 pattern 作为指标标签，避免路径参数撑爆基数。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		route := pattern
		if idx := strings.Index(pattern, " "); idx > 0 {
			route = pattern[idx+1:]
		}
		mux.Handle(pattern, metrics.Instrument(route, handlerFunc))
	}
	handle("GET /api/v1/wallet/balance", s.handleBalance)
	handle("GET /api/v1/wallet/history", s.handleHistory)
	handle("POST /api/v1/wallet/deposits", s.handleConfirmDeposit)
	handle("POST /api/v1/wallet/withdrawals", s.handleWithdraw)
	handle("GET /api/v1/approvals", s.handleListApprovals)
	handle("POST /api/v1/approvals/{id}/approve", s.handleDecide(approval.OutcomeApprove))
	handle("POST /api/v1/approvals/{id}/reject", s.handleDecide(approval.OutcomeReject))
	handle("GET /api/v1/settings", s.handleGetSettings)
	handle("PUT /api/v1/settings", s.handlePutSettings)
	handle("POST /api/v1/tasks", s.handleSubmitTask)
	handle("GET /api/v1/tasks", s.handleListTasks)
	handle("GET /api/v1/tasks/{id}", s.handleTaskDetail)
	handle("POST /api/v1/tasks/{id}/resume", s.handleResumeTask)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// account 把请求头里的用户标识解析为托管账户。
func (s *Server) account(w http.ResponseWriter, r *http.Request) (*ledger.Account, bool) {
	userID := strings.TrimSpace(r.Header.Get(userHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, xerrors.CodeInvalidArgument, "缺少 "+userHeader+" 请求头")
		return nil, false
	}
	account, err := s.wallet.Account(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return nil, false
	}
	return account, true
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	asset := assetParam(r)
	balance, err := s.wallet.Balance(r.Context(), account.ID, asset)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": account.ID,
		"asset":      asset,
		"available":  balance.Available,
		"reserved":   balance.Reserved,
		"total":      balance.Total(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	opts := ledger.EntryListOptions{
		AfterSeq: int64QueryParam(r, "after_seq"),
		Limit:    intQueryParam(r, "limit", 50),
	}
	entries, err := s.wallet.History(r.Context(), account.ID, assetParam(r), opts)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(userHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, xerrors.CodeInvalidArgument, "缺少 "+userHeader+" 请求头")
		return
	}
	var body struct {
		TxRef  string          `json:"tx_ref"`
		Amount decimal.Decimal `json:"amount"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	entry, err := s.wallet.ConfirmDeposit(r.Context(), wallet.DepositInput{
		UserID:        userID,
		TxRef:         body.TxRef,
		ClaimedAmount: body.Amount,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	var body struct {
		Asset         string          `json:"asset"`
		Amount        decimal.Decimal `json:"amount"`
		Fee           decimal.Decimal `json:"fee"`
		Destination   string          `json:"destination"`
		CorrelationID string          `json:"correlation_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Asset == "" {
		body.Asset = defaultAsset
	}
	entry, err := s.wallet.Withdraw(r.Context(), wallet.WithdrawInput{
		AccountID:     account.ID,
		Asset:         body.Asset,
		Amount:        body.Amount,
		Fee:           body.Fee,
		Destination:   body.Destination,
		CorrelationID: body.CorrelationID,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	limit := intQueryParam(r, "limit", 50)

	var (
		requests []*approval.Request
		err      error
	)
	if r.URL.Query().Get("status") == "pending" {
		requests, err = s.gate.Pending(r.Context(), account.ID, limit)
	} else {
		requests, err = s.gate.History(r.Context(), account.ID, limit)
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

// handleDecide 裁决审批请求；通过后自动把关联任务重新投递。
func (s *Server) handleDecide(outcome approval.Outcome) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.PathValue("id")
		var body struct {
			Note string `json:"note"`
		}
		// 裁决备注可省略，空请求体直接放过。
		_ = json.NewDecoder(r.Body).Decode(&body)

		request, err := s.gate.Decide(r.Context(), requestID, outcome, body.Note)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if request.TaskID != "" {
			if _, err := s.tasks.Resume(r.Context(), request.TaskID); err != nil {
				// 裁决已生效；恢复失败只记日志，任务可以再次手工恢复。
				s.log.Error("resume after decision failed",
					"task_id", request.TaskID, "request_id", request.ID, "error", err)
			}
		}
		writeJSON(w, http.StatusOK, request)
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	settings, err := s.gate.Settings(r.Context(), account.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	var settings approval.Settings
	if !decodeBody(w, r, &settings) {
		return
	}
	if err := s.gate.UpdateSettings(r.Context(), account.ID, settings); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	var body struct {
		ID     string      `json:"id"`
		Goal   string      `json:"goal"`
		Asset  string      `json:"asset"`
		DryRun bool        `json:"dry_run"`
		Steps  []task.Step `json:"steps"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Asset == "" {
		body.Asset = defaultAsset
	}
	created, err := s.tasks.Submit(r.Context(), task.SubmitRequest{
		ID:        body.ID,
		AccountID: account.ID,
		UserID:    account.UserID,
		Goal:      body.Goal,
		Asset:     body.Asset,
		Steps:     body.Steps,
		DryRun:    body.DryRun,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	opts := []task.ListOption{
		task.WithAccount(account.ID),
		task.WithLimit(intQueryParam(r, "limit", 20)),
		task.WithOffset(intQueryParam(r, "offset", 0)),
		task.WithQuery(r.URL.Query().Get("q")),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses := make([]task.Status, 0)
		for _, status := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.ToUpper(strings.TrimSpace(status))))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	found, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if found.AccountID != account.ID {
		s.writeServiceError(w, task.ErrTaskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	found, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if found.AccountID != account.ID {
		s.writeServiceError(w, task.ErrTaskNotFound)
		return
	}
	resumed, err := s.tasks.Resume(r.Context(), found.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resumed)
}

const defaultAsset = "ETH"

func assetParam(r *http.Request) string {
	if asset := strings.TrimSpace(r.URL.Query().Get("asset")); asset != "" {
		return asset
	}
	return defaultAsset
}

func intQueryParam(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func int64QueryParam(r *http.Request, key string) int64 {
	parsed, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return false
	}
	return true
}

// writeServiceError 把服务层错误码映射为 HTTP 状态码。
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case stdErrors.Is(err, task.ErrTaskNotFound),
		stdErrors.Is(err, approval.ErrRequestNotFound),
		stdErrors.Is(err, ledger.ErrAccountNotFound),
		stdErrors.Is(err, chain.ErrTxNotFound):
		status = http.StatusNotFound
	case stdErrors.Is(err, ledger.ErrDuplicateReference),
		stdErrors.Is(err, ledger.ErrInvalidState),
		stdErrors.Is(err, approval.ErrAlreadyDecided),
		stdErrors.Is(err, approval.ErrExpired),
		stdErrors.Is(err, task.ErrTaskConflict),
		stdErrors.Is(err, task.ErrTaskTerminal),
		stdErrors.Is(err, task.ErrNotSuspended):
		status = http.StatusConflict
	case stdErrors.Is(err, ledger.ErrInsufficientFunds),
		stdErrors.Is(err, approval.ErrPolicyViolation):
		status = http.StatusUnprocessableEntity
	case code == xerrors.CodeInvalidArgument || code == task.CodeTaskValidation:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    string(code),
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
