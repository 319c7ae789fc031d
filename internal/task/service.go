package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentVault/internal/errors"
	"AgentVault/pkg/logger"
)

// SubmitRequest 描述一次任务提交。
// ID 可选；携带相同 ID 的重复提交返回已存在的任务。
type SubmitRequest struct {
	ID        string
	AccountID string
	UserID    string
	Goal      string
	Asset     string
	Steps     []Step
	DryRun    bool
}

// Service 负责任务的创建、查询与恢复投递。
type Service struct {
	store    Store
	producer Producer
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer) *Service {
	return &Service{store: store, producer: producer}
}

// Submit 创建一个新任务并推送到队列等待执行。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if strings.TrimSpace(req.Goal) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务目标不能为空")
	}
	if strings.TrimSpace(req.AccountID) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务缺少账户 ID")
	}
	if len(req.Steps) == 0 {
		return nil, xerrors.New(CodeTaskValidation, "任务至少需要一个步骤")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		existing, err := s.store.Get(ctx, taskID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	steps := make([]Step, len(req.Steps))
	for i, step := range req.Steps {
		steps[i] = step
		if steps[i].ID == "" {
			steps[i].ID = uuid.NewString()
		}
		steps[i].Status = StepPending
		steps[i].Params = cloneParams(step.Params)
	}

	task := &Task{
		ID:        taskID,
		AccountID: req.AccountID,
		UserID:    req.UserID,
		Goal:      req.Goal,
		Asset:     req.Asset,
		Steps:     steps,
		Status:    StatusPending,
		DryRun:    req.DryRun,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		task.Status = StatusFailed
		task.Error = wrapped.Error()
		task.ErrorCode = string(CodeTaskPublish)
		_ = s.store.Update(ctx, task)
		return nil, wrapped
	}

	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("account_id", task.AccountID),
		slog.String("goal", task.Goal),
		slog.Bool("dry_run", task.DryRun),
		slog.Int("steps", len(task.Steps)),
	)
	return task, nil
}

// Resume 把一个等待审批的任务重新投递给处理器。
// 仅当任务处于 PENDING_APPROVAL 时有效；审批是否通过由执行器判定。
func (s *Service) Resume(ctx context.Context, taskID string) (*Task, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, ErrTaskTerminal
	}
	if task.Status != StatusPendingApproval {
		return nil, ErrNotSuspended
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		return nil, xerrors.Wrap(CodeTaskPublish, err, "重新投递任务失败")
	}
	logger.Audit().Info("任务恢复投递",
		slog.String("task_id", taskID),
		slog.String("approval_id", task.ApprovalID),
	)
	return task, nil
}

// Get 返回指定任务。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// WaitUntilSettled 在指定超时时间内轮询任务，直到终结态或审批挂起。
func (s *Service) WaitUntilSettled(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() || task.Status == StatusPendingApproval {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
