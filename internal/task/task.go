// Package task 实现审批闸门之后的任务执行状态机：
// 任务按步骤顺序执行，动资金的步骤先过审批和资金闸门，
// 再走预留 → 执行 → 提交的账本通道。
package task

import (
	"fmt"
	"time"

	xerrors "AgentVault/internal/errors"
)

// Status 表示任务在生命周期中的状态。
// PENDING_APPROVAL 是唯一的挂起态：任务停在某个待审批步骤上，
// 直到审批被裁决并由调用方显式恢复。
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusRunning         Status = "RUNNING"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
)

// Terminal 报告任务状态是否为终结态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus 表示单个步骤的状态。
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepSkipped   StepStatus = "SKIPPED"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

// StepType 表示步骤类型。只有 TRANSFER 和携带转账参数的
// TOOL_EXECUTION 会动资金。
type StepType string

const (
	StepTransfer      StepType = "TRANSFER"
	StepToolExecution StepType = "TOOL_EXECUTION"
	StepOracle        StepType = "ORACLE"
	StepHTTPRequest   StepType = "HTTP_REQUEST"
	StepLogOnly       StepType = "LOG_ONLY"
	StepCustom        StepType = "CUSTOM"
)

// Step 是任务中的一个执行单元。
type Step struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Type        StepType       `json:"type"`
	Params      map[string]any `json:"params,omitempty"`
	Status      StepStatus     `json:"status"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	// ApprovalID 关联本步骤触发的审批请求。
	ApprovalID string `json:"approval_id,omitempty"`
	StartedAt  int64  `json:"started_at,omitempty"`
	FinishedAt int64  `json:"finished_at,omitempty"`
}

// Task 描述一次代理调用的完整执行计划。
// 任务到达终结态后除追加日志行外不可变。
type Task struct {
	ID        string   `json:"id"`
	AccountID string   `json:"account_id"`
	UserID    string   `json:"user_id,omitempty"`
	Goal      string   `json:"goal"`
	Asset     string   `json:"asset"`
	Steps     []Step   `json:"steps"`
	Status    Status   `json:"status"`
	DryRun    bool     `json:"dry_run,omitempty"`
	// ApprovalID 指向让任务挂起的那条审批请求。
	ApprovalID string   `json:"approval_id,omitempty"`
	Error      string   `json:"error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	Logs       []string `json:"logs,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

// AppendLog 追加一条带时间戳的执行日志。
func (t *Task) AppendLog(format string, args ...any) {
	line := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	t.Logs = append(t.Logs, line)
}

// CurrentStep 返回第一个未到终结态的步骤下标，全部完成时返回 -1。
func (t *Task) CurrentStep() int {
	for i := range t.Steps {
		if t.Steps[i].Status == StepPending {
			return i
		}
	}
	return -1
}

// Clone 返回任务的深拷贝。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Steps = make([]Step, len(t.Steps))
	for i, step := range t.Steps {
		clone.Steps[i] = step
		clone.Steps[i].Params = cloneParams(step.Params)
	}
	clone.Logs = append([]string(nil), t.Logs...)
	return &clone
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	cloned := make(map[string]any, len(params))
	for key, value := range params {
		cloned[key] = value
	}
	return cloned
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task state conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskTerminal 表示任务已处于终结态。
	ErrTaskTerminal = xerrors.New(CodeTaskTerminal, "task already finished", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrNotSuspended 表示任务不在等待审批，无法恢复。
	ErrNotSuspended = xerrors.New(CodeNotSuspended, "task is not awaiting approval")
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskTerminal   xerrors.Code = "TASK_TERMINAL"
	CodeNotSuspended   xerrors.Code = "TASK_NOT_SUSPENDED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeStepFailed     xerrors.Code = "TASK_STEP_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task state conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskTerminal, xerrors.Attributes{
		Message:   "task already finished",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotSuspended, xerrors.Attributes{
		Message:   "task is not awaiting approval",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeStepFailed, xerrors.Attributes{
		Message:   "task step execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusPendingApproval, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}
