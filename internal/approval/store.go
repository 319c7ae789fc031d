package approval

import "context"

// Store 定义审批请求与账户配置的持久化契约。
// TransitionRequest 必须是原子的 compare-and-set：只有当前状态
// 等于 from 时才允许迁移，避免并发裁决互相覆盖。
type Store interface {
	// CreateRequest 持久化一条新的审批请求。
	CreateRequest(ctx context.Context, request *Request) error
	// GetRequest 按 ID 查询，未找到时返回 ErrRequestNotFound。
	GetRequest(ctx context.Context, requestID string) (*Request, error)
	// TransitionRequest 原子地把请求从 from 状态迁移到 to 状态。
	// 当前状态不是 from 时返回 ErrAlreadyDecided。
	TransitionRequest(ctx context.Context, requestID string, from, to Status, decidedAt int64, note string) (*Request, error)
	// ListRequests 按创建时间倒序返回请求，statuses 为空表示不过滤。
	ListRequests(ctx context.Context, accountID string, statuses []Status, limit int) ([]*Request, error)
	// ExpireOverdue 把所有超过 expires_at 的 pending 请求置为 expired，
	// 返回本次迁移的数量。
	ExpireOverdue(ctx context.Context, now int64) (int, error)
	// GetSettings 返回账户配置，账户未配置过时返回默认值。
	GetSettings(ctx context.Context, accountID string) (Settings, error)
	// SaveSettings 覆盖账户配置。
	SaveSettings(ctx context.Context, accountID string, settings Settings) error
	// Close 释放底层资源。
	Close() error
}
