package task

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

// MemoryStore 把任务文档保存在进程内存中，用于测试和单机部署。
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemoryStore 创建一个空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 持久化一个新任务。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(CodeTaskValidation, "任务缺少 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	clone := task.Clone()
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.tasks[task.ID] = clone
	task.CreatedAt = clone.CreatedAt
	task.UpdatedAt = clone.UpdatedAt
	return nil
}

// Get 按 ID 查询任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// Claim 把任务从 from 状态原子迁移到 RUNNING。
func (m *MemoryStore) Claim(_ context.Context, id string, from Status) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return nil, ErrTaskTerminal
	}
	if task.Status != from {
		return nil, ErrTaskConflict
	}
	task.Status = StatusRunning
	task.UpdatedAt = time.Now().Unix()
	return task.Clone(), nil
}

// Update 覆盖整个任务文档。
func (m *MemoryStore) Update(_ context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(CodeTaskValidation, "任务缺少 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	clone := task.Clone()
	if clone.UpdatedAt == 0 {
		clone.UpdatedAt = time.Now().Unix()
	}
	m.tasks[task.ID] = clone
	return nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	m.mu.Lock()
	matched := make([]*Task, 0)
	for _, task := range m.tasks {
		if matchesOptions(task, opts) {
			matched = append(matched, task.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if matched[i].UpdatedAt != matched[j].UpdatedAt {
				return matched[i].UpdatedAt < matched[j].UpdatedAt
			}
			return matched[i].ID < matched[j].ID
		}
		if matched[i].UpdatedAt != matched[j].UpdatedAt {
			return matched[i].UpdatedAt > matched[j].UpdatedAt
		}
		return matched[i].ID > matched[j].ID
	})

	if opts.Offset >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Stats 返回符合过滤条件的任务统计。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	var stats Stats
	for _, task := range m.tasks {
		if matchesOptions(task, opts) {
			stats.observe(task)
		}
	}
	return stats, nil
}

// Close 实现 Store 接口，对内存实现是空操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
