package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/observability/alerting"
	"AgentVault/internal/observability/metrics"
	"AgentVault/pkg/logger"
)

// Processor 从队列消费任务 ID 并交给执行器。
// 新任务走 Run，等待审批后被重新投递的任务走 Resume。
type Processor struct {
	runner      *Runner
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner *Runner, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}

	current, err := p.store.Get(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) {
			p.logDebug("跳过未知任务", slog.String("task_id", taskID))
			return nil
		}
		logger.L().Error("读取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	var done *Task
	switch current.Status {
	case StatusPending:
		done, err = p.runner.Run(ctx, taskID)
	case StatusPendingApproval:
		done, err = p.runner.Resume(ctx, taskID)
	case StatusCompleted, StatusFailed:
		p.logDebug("跳过已终结任务", slog.String("task_id", taskID), slog.String("status", string(current.Status)))
		return nil
	default:
		// RUNNING：另一个工作协程正在执行，丢弃本次投递。
		p.logDebug("任务执行中，忽略重复投递", slog.String("task_id", taskID))
		return nil
	}

	if err != nil {
		if stdErrors.Is(err, ErrTaskConflict) || stdErrors.Is(err, ErrTaskTerminal) || stdErrors.Is(err, ErrNotSuspended) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("任务执行失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, current, xerrors.CodeOf(err), err)
		return err
	}

	if done != nil && (done.Status == StatusCompleted || done.Status == StatusFailed) {
		metrics.IncTaskOutcome(string(done.Status))
	}
	if done != nil && done.Status == StatusFailed {
		// 执行器已把失败写回存储，这里只负责告警。
		p.emitAlert(ctx, done, xerrors.Code(done.ErrorCode), stdErrors.New(done.Error))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert {
		return
	}
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{"goal": task.Goal}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		AccountID:  task.AccountID,
		Asset:      task.Asset,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
		)
	}
}
