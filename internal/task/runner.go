package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"AgentVault/internal/approval"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/ledger"
	"AgentVault/internal/wallet"
	"AgentVault/pkg/logger"
)

// Runner 按顺序执行任务步骤。
// 动资金的步骤依次经过资金闸门、审批网关和账本预留通道；
// 任一资金步骤失败会先释放占用的预留，然后让整个任务失败。
// 审批挂起后执行器不做任何轮询，恢复必须由调用方显式触发。
type Runner struct {
	wallet  *wallet.Service
	gate    *approval.Gate
	vault   *approval.Vault
	store   Store
	actions *Actions
	log     *slog.Logger
	audit   *slog.Logger
}

// NewRunner 创建任务执行器。
func NewRunner(walletSvc *wallet.Service, gate *approval.Gate, vault *approval.Vault, store Store, actions *Actions) *Runner {
	return &Runner{
		wallet:  walletSvc,
		gate:    gate,
		vault:   vault,
		store:   store,
		actions: actions,
		log:     logger.Named("runner"),
		audit:   logger.Audit(),
	}
}

// Run 领取一个 PENDING 任务并执行到终结态或审批挂起点。
func (r *Runner) Run(ctx context.Context, taskID string) (*Task, error) {
	task, err := r.store.Claim(ctx, taskID, StatusPending)
	if err != nil {
		return nil, err
	}
	task.AppendLog("task started (dry_run=%t)", task.DryRun)
	return r.runSteps(ctx, task)
}

// Resume 恢复一个 PENDING_APPROVAL 任务。
// 关联的审批请求必须已被裁决：approved 继续执行，
// rejected/expired 让任务失败，仍然 pending 时返回冲突。
func (r *Runner) Resume(ctx context.Context, taskID string) (*Task, error) {
	current, err := r.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, ErrTaskTerminal
	}
	if current.Status != StatusPendingApproval || current.ApprovalID == "" {
		return nil, ErrNotSuspended
	}

	request, err := r.gate.Get(ctx, current.ApprovalID)
	if err != nil {
		return nil, err
	}
	switch request.Status {
	case approval.StatusPending:
		return nil, xerrors.New(CodeTaskConflict, "审批请求尚未裁决，任务保持挂起")
	case approval.StatusApproved:
	case approval.StatusRejected, approval.StatusExpired:
		task, claimErr := r.store.Claim(ctx, taskID, StatusPendingApproval)
		if claimErr != nil {
			return nil, claimErr
		}
		task.AppendLog("approval %s was %s", request.ID, request.Status)
		return r.failTask(ctx, task, CodeStepFailed,
			fmt.Sprintf("approval request %s is %s", request.ID, request.Status))
	default:
		return nil, ErrNotSuspended
	}

	task, err := r.store.Claim(ctx, taskID, StatusPendingApproval)
	if err != nil {
		return nil, err
	}
	task.AppendLog("approval %s granted, resuming", request.ID)
	return r.runSteps(ctx, task)
}

func (r *Runner) runSteps(ctx context.Context, task *Task) (*Task, error) {
	for {
		if task.Status.Terminal() {
			return task, nil
		}
		index := task.CurrentStep()
		if index < 0 {
			return r.completeTask(ctx, task)
		}
		step := &task.Steps[index]
		if step.StartedAt == 0 {
			step.StartedAt = time.Now().Unix()
		}

		intent, err := fundsIntentOf(task, step)
		if err != nil {
			return r.failStep(ctx, task, step, err)
		}

		if intent == nil {
			ok, err := r.runPlainStep(ctx, task, step)
			if err != nil {
				return task, err
			}
			if !ok {
				// 步骤失败，任务已被置为 FAILED。
				return task, nil
			}
			continue
		}

		suspended, err := r.runFundsStep(ctx, task, step, intent)
		if err != nil {
			return task, err
		}
		if suspended {
			return task, nil
		}
		// 资金步骤失败时任务已终结，循环顶部会退出。
	}
}

// runPlainStep 执行不动资金的步骤。
// 返回 ok=false 表示步骤失败且任务已被置为 FAILED。
func (r *Runner) runPlainStep(ctx context.Context, task *Task, step *Step) (bool, error) {
	if task.DryRun {
		step.Status = StepSkipped
		step.Result = "dry run: side effect skipped"
		step.FinishedAt = time.Now().Unix()
		task.AppendLog("step %s skipped (dry run)", step.ID)
		return true, r.persist(ctx, task)
	}

	result, err := r.actions.Run(ctx, task, step)
	if err != nil {
		if _, failErr := r.failStep(ctx, task, step, err); failErr != nil {
			return false, failErr
		}
		return false, nil
	}
	step.Status = StepCompleted
	step.Result = result
	step.FinishedAt = time.Now().Unix()
	task.AppendLog("step %s completed", step.ID)
	return true, r.persist(ctx, task)
}

// runFundsStep 执行动资金的步骤。
// 返回 suspended=true 表示任务已挂起等待审批。
func (r *Runner) runFundsStep(ctx context.Context, task *Task, step *Step, intent *fundsIntent) (bool, error) {
	settings, err := r.gate.Settings(ctx, task.AccountID)
	if err != nil {
		_, failErr := r.failStep(ctx, task, step, err)
		return false, failErr
	}

	// 资金闸门先于审批：被闸门挡下的动作连审批请求都不会产生。
	if err := r.vault.Validate(ctx, task.AccountID, intent.Asset, settings, intent.Action, intent.Amount, intent.Destination); err != nil {
		_, failErr := r.failStep(ctx, task, step, err)
		return false, failErr
	}

	approved, suspended, err := r.ensureApproved(ctx, task, step, intent)
	if err != nil {
		_, failErr := r.failStep(ctx, task, step, err)
		return false, failErr
	}
	if suspended {
		return true, r.persist(ctx, task)
	}
	if !approved {
		_, failErr := r.failStep(ctx, task, step,
			xerrors.New(CodeStepFailed, "审批请求未获批准"))
		return false, failErr
	}

	correlation := task.ID + "/" + step.ID
	reservation, err := r.wallet.Reserve(ctx, task.AccountID, intent.Asset, intent.Amount, correlation)
	if err != nil {
		_, failErr := r.failStep(ctx, task, step, err)
		return false, failErr
	}

	if task.DryRun {
		// 模拟执行：预留验证了余额充足，随即整笔退回，
		// 不触发任何外部副作用，也绝不调用 commit。
		if _, err := r.wallet.Release(ctx, reservation.ID); err != nil {
			_, failErr := r.failStep(ctx, task, step, err)
			return false, failErr
		}
		step.Status = StepCompleted
		step.Result = "dry run: funds verified, external effect skipped"
		step.FinishedAt = time.Now().Unix()
		task.AppendLog("step %s dry-run verified %s %s", step.ID, intent.Amount, intent.Asset)
		return false, r.persist(ctx, task)
	}

	receipt, err := r.actions.Transfer(ctx, intent, correlation)
	if err != nil {
		// 外部执行失败：先退回预留，再让任务失败。
		if _, releaseErr := r.wallet.Release(ctx, reservation.ID); releaseErr != nil {
			r.log.Error("release after failed step effect failed",
				"reservation_id", reservation.ID, "error", releaseErr)
		}
		_, failErr := r.failStep(ctx, task, step, err)
		return false, failErr
	}

	kind := ledger.KindExecutionDebit
	if intent.Action == approval.ActionWithdrawal {
		kind = ledger.KindWithdrawal
	}
	// 预留只覆盖了转账金额，链上手续费由运营钱包承担，
	// 不计入托管账户，只在审计流里留痕。
	entry, err := r.wallet.Commit(ctx, reservation.ID, intent.Amount, decimal.Zero, kind, receipt.TxHash)
	if err != nil {
		r.log.Error("commit after step effect failed",
			"reservation_id", reservation.ID, "tx_hash", receipt.TxHash, "error", err)
		_, failErr := r.failStep(ctx, task, step, err)
		return false, failErr
	}

	step.Status = StepCompleted
	step.Result = receipt.TxHash
	step.FinishedAt = time.Now().Unix()
	task.AppendLog("step %s committed %s %s (seq %d)", step.ID, intent.Amount, intent.Asset, entry.Seq)
	r.audit.Info("funds step committed",
		"task_id", task.ID,
		"step_id", step.ID,
		"action", string(intent.Action),
		"amount", intent.Amount.String(),
		"asset", intent.Asset,
		"network_fee", receipt.Fee.String(),
		"tx_hash", receipt.TxHash,
	)
	return false, r.persist(ctx, task)
}

// ensureApproved 保证步骤持有一个已批准的审批请求。
// 返回 (approved, suspended, err)。
func (r *Runner) ensureApproved(ctx context.Context, task *Task, step *Step, intent *fundsIntent) (bool, bool, error) {
	// 恢复路径：步骤已有审批请求时直接读其终态，不再产生新请求。
	if step.ApprovalID != "" {
		request, err := r.gate.Get(ctx, step.ApprovalID)
		if err != nil {
			if stdErrors.Is(err, approval.ErrRequestNotFound) {
				step.ApprovalID = ""
				return r.ensureApproved(ctx, task, step, intent)
			}
			return false, false, err
		}
		switch request.Status {
		case approval.StatusApproved, approval.StatusAutoApproved:
			return true, false, nil
		case approval.StatusPending:
			task.Status = StatusPendingApproval
			task.ApprovalID = request.ID
			return false, true, nil
		default:
			return false, false, nil
		}
	}

	decision, err := r.gate.Evaluate(ctx, approval.EvaluateInput{
		AccountID:   task.AccountID,
		TaskID:      task.ID,
		Action:      intent.Action,
		Amount:      intent.Amount,
		Asset:       intent.Asset,
		Destination: intent.Destination,
		Description: step.Description,
	})
	if err != nil {
		return false, false, err
	}
	step.ApprovalID = decision.RequestID
	if decision.Approved {
		return true, false, nil
	}

	task.Status = StatusPendingApproval
	task.ApprovalID = decision.RequestID
	task.AppendLog("step %s pending approval %s (%s)", step.ID, decision.RequestID, decision.Reason)
	r.audit.Info("task suspended for approval",
		"task_id", task.ID, "step_id", step.ID, "request_id", decision.RequestID)
	return false, true, nil
}

func (r *Runner) completeTask(ctx context.Context, task *Task) (*Task, error) {
	task.Status = StatusCompleted
	for i := range task.Steps {
		if task.Steps[i].Status == StepFailed {
			task.Status = StatusFailed
			break
		}
	}
	task.AppendLog("task finished with status %s", task.Status)
	if err := r.persist(ctx, task); err != nil {
		return task, err
	}
	r.audit.Info("task finished", "task_id", task.ID, "status", string(task.Status), "dry_run", task.DryRun)
	return task, nil
}

// failStep 标记步骤与任务失败并持久化。
func (r *Runner) failStep(ctx context.Context, task *Task, step *Step, cause error) (*Task, error) {
	step.Status = StepFailed
	step.Error = cause.Error()
	step.FinishedAt = time.Now().Unix()
	task.AppendLog("step %s failed: %v", step.ID, cause)
	return r.failTask(ctx, task, xerrors.CodeOf(cause), cause.Error())
}

func (r *Runner) failTask(ctx context.Context, task *Task, code xerrors.Code, message string) (*Task, error) {
	task.Status = StatusFailed
	task.Error = message
	task.ErrorCode = string(code)
	if err := r.persist(ctx, task); err != nil {
		return task, err
	}
	r.audit.Warn("task failed",
		"task_id", task.ID, "error", message, "error_code", string(code))
	return task, nil
}

func (r *Runner) persist(ctx context.Context, task *Task) error {
	task.UpdatedAt = time.Now().Unix()
	return r.store.Update(ctx, task)
}
