package task

import "context"

// Store 抽象任务文档的持久化接口。
// Claim 必须是原子的状态迁移，保证同一任务不会被两个
// 工作协程同时执行。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 把任务从 from 状态原子迁移到 RUNNING 并返回最新文档。
	// 当前状态不是 from 时返回 ErrTaskConflict（终结态返回 ErrTaskTerminal）。
	Claim(ctx context.Context, id string, from Status) (*Task, error)
	// Update 覆盖整个任务文档。
	Update(ctx context.Context, task *Task) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
