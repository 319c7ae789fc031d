package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentVault/internal/errors"
	"AgentVault/pkg/logger"
)

// EvaluateInput 描述一次待评估的代理动作。
type EvaluateInput struct {
	AccountID   string
	TaskID      string
	Action      Action
	Amount      decimal.Decimal
	Asset       string
	Destination string
	Description string
}

// Gate 是审批网关。所有进出审批表的状态变化都经过这里，
// 并同步写入审计日志。
type Gate struct {
	store Store
	log   *slog.Logger
	audit *slog.Logger
	now   func() time.Time
}

// NewGate 创建审批网关。
func NewGate(store Store) *Gate {
	return &Gate{
		store: store,
		log:   logger.Named("approval"),
		audit: logger.Audit(),
		now:   time.Now,
	}
}

// Evaluate 对动作求值策略并落库一条审批请求。
// 自动放行的请求直接以 auto_approved 终结态创建；
// 需要人工审批的请求以 pending 创建并带上过期时间。
func (g *Gate) Evaluate(ctx context.Context, input EvaluateInput) (Decision, error) {
	if input.AccountID == "" {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "审批评估缺少账户 ID")
	}
	if input.Amount.IsNegative() {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "审批金额不能为负数")
	}

	settings, err := g.store.GetSettings(ctx, input.AccountID)
	if err != nil {
		return Decision{}, err
	}

	required, reason := RequiresApproval(settings, input.Action, input.Amount)
	now := g.now().Unix()
	request := &Request{
		ID:          uuid.NewString(),
		AccountID:   input.AccountID,
		TaskID:      input.TaskID,
		Action:      input.Action,
		Amount:      input.Amount,
		Asset:       input.Asset,
		Destination: input.Destination,
		Description: input.Description,
		RiskLevel:   riskOf(settings, input.Action, input.Amount),
		CreatedAt:   now,
	}

	if required {
		request.Status = StatusPending
		timeout := settings.TimeoutHours
		if timeout <= 0 {
			timeout = DefaultSettings().TimeoutHours
		}
		request.ExpiresAt = g.now().Add(time.Duration(timeout) * time.Hour).Unix()
	} else {
		request.Status = StatusAutoApproved
		request.DecidedAt = now
		request.DecisionNote = reason
	}

	if err := g.store.CreateRequest(ctx, request); err != nil {
		return Decision{}, err
	}

	g.audit.Info("approval evaluated",
		"request_id", request.ID,
		"account_id", request.AccountID,
		"task_id", request.TaskID,
		"action", string(request.Action),
		"amount", request.Amount.String(),
		"asset", request.Asset,
		"status", string(request.Status),
		"reason", reason,
	)
	if request.Status == StatusAutoApproved && settings.NotifyOnAutoApprove {
		g.log.Info("action auto-approved", "request_id", request.ID, "account_id", request.AccountID, "amount", request.Amount.String())
	}

	return Decision{
		Approved:  request.Status == StatusAutoApproved,
		RequestID: request.ID,
		Reason:    reason,
	}, nil
}

// Decide 人工裁决一条 pending 请求。
// 请求已过期时先把它置为 expired 再返回 ErrExpired；
// 已终结的请求返回 ErrAlreadyDecided。
func (g *Gate) Decide(ctx context.Context, requestID string, outcome Outcome, note string) (*Request, error) {
	request, err := g.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status == StatusExpired {
		return nil, ErrExpired
	}
	if request.Status.Terminal() {
		return nil, ErrAlreadyDecided
	}

	now := g.now().Unix()
	if request.ExpiresAt > 0 && request.ExpiresAt <= now {
		// 裁决到达时已超时：落为 expired，拒绝本次裁决。
		if _, err := g.store.TransitionRequest(ctx, requestID, StatusPending, StatusExpired, now, ""); err != nil {
			return nil, err
		}
		g.audit.Info("approval expired on decide", "request_id", requestID)
		return nil, ErrExpired
	}

	target := StatusRejected
	if outcome == OutcomeApprove {
		target = StatusApproved
	}
	decided, err := g.store.TransitionRequest(ctx, requestID, StatusPending, target, now, note)
	if err != nil {
		return nil, err
	}

	g.audit.Info("approval decided",
		"request_id", decided.ID,
		"account_id", decided.AccountID,
		"status", string(decided.Status),
		"note", note,
	)
	return decided, nil
}

// Get 按 ID 查询审批请求。
func (g *Gate) Get(ctx context.Context, requestID string) (*Request, error) {
	return g.store.GetRequest(ctx, requestID)
}

// Pending 返回账户当前待审批的请求。
func (g *Gate) Pending(ctx context.Context, accountID string, limit int) ([]*Request, error) {
	return g.store.ListRequests(ctx, accountID, []Status{StatusPending}, limit)
}

// History 返回账户的审批历史（含终结态）。
func (g *Gate) History(ctx context.Context, accountID string, limit int) ([]*Request, error) {
	return g.store.ListRequests(ctx, accountID, nil, limit)
}

// Settings 返回账户的审批配置。
func (g *Gate) Settings(ctx context.Context, accountID string) (Settings, error) {
	return g.store.GetSettings(ctx, accountID)
}

// UpdateSettings 覆盖账户的审批配置。
func (g *Gate) UpdateSettings(ctx context.Context, accountID string, settings Settings) error {
	if err := g.store.SaveSettings(ctx, accountID, settings); err != nil {
		return err
	}
	g.audit.Info("approval settings updated", "account_id", accountID)
	return nil
}

// Sweep 把所有超时的 pending 请求置为 expired，返回迁移数量。
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	expired, err := g.store.ExpireOverdue(ctx, g.now().Unix())
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		g.audit.Info("approval sweep expired requests", "count", expired)
	}
	return expired, nil
}

// RunSweeper 以固定间隔运行 Sweep，直到 ctx 取消。
func (g *Gate) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.log.Info("approval sweeper started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			g.log.Info("approval sweeper stopped")
			return
		case <-ticker.C:
			if _, err := g.Sweep(ctx); err != nil {
				g.log.Error("approval sweep failed", "error", err)
			}
		}
	}
}
