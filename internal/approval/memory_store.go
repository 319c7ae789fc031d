package approval

import (
	"context"
	"sort"
	"sync"

	xerrors "AgentVault/internal/errors"
)

// MemoryStore 把审批状态保存在进程内存中，用于测试和单机部署。
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request
	settings map[string]Settings
}

// NewMemoryStore 创建一个空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		settings: make(map[string]Settings),
	}
}

// CreateRequest 持久化一条新的审批请求。
func (m *MemoryStore) CreateRequest(_ context.Context, request *Request) error {
	if request == nil || request.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批请求缺少 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[request.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "审批请求 ID 已存在")
	}
	clone := *request
	m.requests[request.ID] = &clone
	return nil
}

// GetRequest 按 ID 查询审批请求。
func (m *MemoryStore) GetRequest(_ context.Context, requestID string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	request, ok := m.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	clone := *request
	return &clone, nil
}

// TransitionRequest 原子地迁移请求状态。
func (m *MemoryStore) TransitionRequest(_ context.Context, requestID string, from, to Status, decidedAt int64, note string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	request, ok := m.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if request.Status != from {
		return nil, ErrAlreadyDecided
	}
	request.Status = to
	request.DecidedAt = decidedAt
	if note != "" {
		request.DecisionNote = note
	}
	clone := *request
	return &clone, nil
}

// ListRequests 按创建时间倒序返回请求。
func (m *MemoryStore) ListRequests(_ context.Context, accountID string, statuses []Status, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	wanted := make(map[Status]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}

	m.mu.Lock()
	matched := make([]*Request, 0)
	for _, request := range m.requests {
		if accountID != "" && request.AccountID != accountID {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[request.Status]; !ok {
				continue
			}
		}
		clone := *request
		matched = append(matched, &clone)
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].ID > matched[j].ID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ExpireOverdue 把超时的 pending 请求置为 expired。
func (m *MemoryStore) ExpireOverdue(_ context.Context, now int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := 0
	for _, request := range m.requests {
		if request.Status == StatusPending && request.ExpiresAt > 0 && request.ExpiresAt <= now {
			request.Status = StatusExpired
			request.DecidedAt = now
			expired++
		}
	}
	return expired, nil
}

// GetSettings 返回账户配置，未配置过时返回默认值。
func (m *MemoryStore) GetSettings(_ context.Context, accountID string) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if settings, ok := m.settings[accountID]; ok {
		return settings, nil
	}
	return DefaultSettings(), nil
}

// SaveSettings 覆盖账户配置。
func (m *MemoryStore) SaveSettings(_ context.Context, accountID string, settings Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[accountID] = settings
	return nil
}

// Close 实现 Store 接口，对内存实现是空操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
