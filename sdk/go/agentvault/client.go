// Package agentvault provides a small Go client for the AgentVault REST API.
// The client carries the caller identity in the X-User-ID header; token
// issuance and verification belong to the gateway in front of the service.
package agentvault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentVault REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	userID     string
}

// Balance is the wallet balance view for one asset.
type Balance struct {
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	Total     decimal.Decimal `json:"total"`
}

// Entry is one append-only ledger record.
type Entry struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Asset         string          `json:"asset"`
	Kind          string          `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	TxRef         string          `json:"tx_ref,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     int64           `json:"created_at"`
}

// DepositConfirmation asks the service to verify and credit an on-chain deposit.
type DepositConfirmation struct {
	TxRef  string          `json:"tx_ref"`
	Amount decimal.Decimal `json:"amount"`
}

// WithdrawalRequest moves funds out to an external address.
type WithdrawalRequest struct {
	Asset         string          `json:"asset,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	Destination   string          `json:"destination"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// ApprovalRequest is a pending or decided human-approval record.
type ApprovalRequest struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	TaskID       string          `json:"task_id,omitempty"`
	Action       string          `json:"action"`
	Amount       decimal.Decimal `json:"amount"`
	Asset        string          `json:"asset"`
	Destination  string          `json:"destination,omitempty"`
	Description  string          `json:"description,omitempty"`
	RiskLevel    string          `json:"risk_level"`
	Status       string          `json:"status"`
	CreatedAt    int64           `json:"created_at"`
	ExpiresAt    int64           `json:"expires_at,omitempty"`
	DecidedAt    int64           `json:"decided_at,omitempty"`
	DecisionNote string          `json:"decision_note,omitempty"`
}

// Settings mirrors the per-account approval and vault policy document.
type Settings struct {
	AutoApproveThreshold  decimal.Decimal `json:"auto_approve_threshold"`
	RequireForWithdrawals bool            `json:"require_for_withdrawals"`
	RequireForTrades      bool            `json:"require_for_trades"`
	RequireForDeFi        bool            `json:"require_for_defi"`
	NotifyOnAutoApprove   bool            `json:"notify_on_auto_approve"`
	TimeoutHours          int             `json:"timeout_hours"`
	DailySpendLimit       decimal.Decimal `json:"daily_spend_limit"`
	MaxTransactionLimit   decimal.Decimal `json:"max_transaction_limit"`
	WhitelistedAddresses  []string        `json:"whitelisted_addresses"`
	Paused                bool            `json:"paused"`
}

// Step is one unit of work inside a task.
type Step struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Type        string         `json:"type"`
	Params      map[string]any `json:"params,omitempty"`
	Status      string         `json:"status"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ApprovalID  string         `json:"approval_id,omitempty"`
	StartedAt   int64          `json:"started_at,omitempty"`
	FinishedAt  int64          `json:"finished_at,omitempty"`
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	ID     string `json:"id,omitempty"`
	Goal   string `json:"goal"`
	Asset  string `json:"asset,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
	Steps  []Step `json:"steps"`
}

// Task is the full task document including per-step progress.
type Task struct {
	ID         string   `json:"id"`
	AccountID  string   `json:"account_id"`
	UserID     string   `json:"user_id,omitempty"`
	Goal       string   `json:"goal"`
	Asset      string   `json:"asset"`
	Steps      []Step   `json:"steps"`
	Status     string   `json:"status"`
	DryRun     bool     `json:"dry_run,omitempty"`
	ApprovalID string   `json:"approval_id,omitempty"`
	Error      string   `json:"error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	Logs       []string `json:"logs,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentvault api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentvault api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentVault API acting as userID.
// When httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL, userID string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, userID: userID}
}

// Balance returns the caller's wallet balance for one asset.
func (c *Client) Balance(ctx context.Context, asset string) (Balance, error) {
	var balance Balance
	query := url.Values{}
	if asset != "" {
		query.Set("asset", asset)
	}
	if err := c.get(ctx, "/api/v1/wallet/balance", query, &balance); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// History lists ledger entries newer than afterSeq, oldest first.
func (c *Client) History(ctx context.Context, asset string, afterSeq int64, limit int) ([]Entry, error) {
	query := url.Values{}
	if asset != "" {
		query.Set("asset", asset)
	}
	if afterSeq > 0 {
		query.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var entries []Entry
	if err := c.get(ctx, "/api/v1/wallet/history", query, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ConfirmDeposit verifies a transaction reference on chain and credits it.
func (c *Client) ConfirmDeposit(ctx context.Context, confirmation DepositConfirmation) (Entry, error) {
	var entry Entry
	if err := c.post(ctx, "/api/v1/wallet/deposits", confirmation, &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Withdraw sends funds to an external destination.
func (c *Client) Withdraw(ctx context.Context, request WithdrawalRequest) (Entry, error) {
	var entry Entry
	if err := c.post(ctx, "/api/v1/wallet/withdrawals", request, &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// PendingApprovals lists the caller's approval requests awaiting a decision.
func (c *Client) PendingApprovals(ctx context.Context, limit int) ([]ApprovalRequest, error) {
	query := url.Values{"status": {"pending"}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var requests []ApprovalRequest
	if err := c.get(ctx, "/api/v1/approvals", query, &requests); err != nil {
		return nil, err
	}
	return requests, nil
}

// ApprovalHistory lists recent approval requests regardless of status.
func (c *Client) ApprovalHistory(ctx context.Context, limit int) ([]ApprovalRequest, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var requests []ApprovalRequest
	if err := c.get(ctx, "/api/v1/approvals", query, &requests); err != nil {
		return nil, err
	}
	return requests, nil
}

// Approve records an approve decision; an attached suspended task resumes
// automatically on the server side.
func (c *Client) Approve(ctx context.Context, requestID, note string) (ApprovalRequest, error) {
	return c.decide(ctx, requestID, "approve", note)
}

// Reject records a reject decision.
func (c *Client) Reject(ctx context.Context, requestID, note string) (ApprovalRequest, error) {
	return c.decide(ctx, requestID, "reject", note)
}

func (c *Client) decide(ctx context.Context, requestID, verb, note string) (ApprovalRequest, error) {
	var request ApprovalRequest
	endpoint := fmt.Sprintf("/api/v1/approvals/%s/%s", url.PathEscape(requestID), verb)
	payload := map[string]string{"note": note}
	if err := c.post(ctx, endpoint, payload, &request); err != nil {
		return ApprovalRequest{}, err
	}
	return request, nil
}

// Settings fetches the caller's approval and vault policy.
func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var settings Settings
	if err := c.get(ctx, "/api/v1/settings", nil, &settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// UpdateSettings replaces the caller's approval and vault policy.
func (c *Client) UpdateSettings(ctx context.Context, settings Settings) (Settings, error) {
	var updated Settings
	if err := c.put(ctx, "/api/v1/settings", settings, &updated); err != nil {
		return Settings{}, err
	}
	return updated, nil
}

// SubmitTask creates a new task and queues it for execution.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &created); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches the full task document by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var found Task
	endpoint := "/api/v1/tasks/" + url.PathEscape(taskID)
	if err := c.get(ctx, endpoint, nil, &found); err != nil {
		return Task{}, err
	}
	return found, nil
}

// ListTasks pages through the caller's tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, limit, offset int) ([]Task, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	var tasks []Task
	if err := c.get(ctx, "/api/v1/tasks", query, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ResumeTask re-queues a task suspended on an approval decision.
func (c *Client) ResumeTask(ctx context.Context, taskID string) (Task, error) {
	var resumed Task
	endpoint := fmt.Sprintf("/api/v1/tasks/%s/resume", url.PathEscape(taskID))
	if err := c.post(ctx, endpoint, struct{}{}, &resumed); err != nil {
		return Task{}, err
	}
	return resumed, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	return c.send(ctx, http.MethodPost, endpoint, payload, out)
}

func (c *Client) put(ctx context.Context, endpoint string, payload any, out any) error {
	return c.send(ctx, http.MethodPut, endpoint, payload, out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, method, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-User-ID", c.userID)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
