package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store 抽象了账本的持久化接口。
//
// 每个写方法都是以 (account, asset) 为边界的单个原子事务：
// 余额行的更新与对应流水的追加要么同时生效，要么都不生效。
// 对同一 (account, asset) 的并发写入在该行上串行化，
// 因此 available 在任何交错下都不会变成负数。
type Store interface {
	// EnsureAccount 返回用户的账户，不存在时创建。
	EnsureAccount(ctx context.Context, userID string) (*Account, error)
	// GetAccount 按账户 ID 查询。
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// Deposit 入账一笔带外部引用（链上交易哈希）的存款。
	// 同一账户下重复的引用返回 ErrDuplicateReference，绝不重复入账。
	Deposit(ctx context.Context, accountID, asset string, amount decimal.Decimal, txRef, description string) (*Entry, error)

	// Reserve 将 amount 从可用余额划入预留余额并追加 RESERVE 流水。
	// 可用余额不足时返回 ErrInsufficientFunds。
	Reserve(ctx context.Context, accountID, asset string, amount decimal.Decimal, correlationID string) (*Reservation, error)

	// Commit 结算一笔预留：按 actual 记一条扣减流水（kind 为
	// EXECUTION_DEBIT 或 WITHDRAWAL），fee 大于零时追加 FEE 流水，
	// actual+fee 与预留额之间的差额自动以 RELEASE 退回可用余额。
	// actual+fee 不得超过预留额；重复结算返回 ErrInvalidState。
	Commit(ctx context.Context, reservationID string, actual, fee decimal.Decimal, kind Kind, txRef string) (*Entry, error)

	// Release 将整笔预留退回可用余额并追加 RELEASE 流水。
	// 预留已结算或已释放时返回 ErrInvalidState，不静默吞掉重复调用。
	Release(ctx context.Context, reservationID string) (*Entry, error)

	// Credit 直接向可用余额入账（EXECUTION_CREDIT），用于内部成交回款等场景。
	Credit(ctx context.Context, accountID, asset string, amount decimal.Decimal, correlationID, description string) (*Entry, error)

	// BalanceOf 返回余额快照。账户存在而余额行不存在时返回零值快照。
	BalanceOf(ctx context.Context, accountID, asset string) (Balance, error)

	// Entries 按 Seq 升序返回流水，游标前进式遍历，可随时从上次位置续读。
	Entries(ctx context.Context, accountID, asset string, opts EntryListOptions) ([]*Entry, error)

	// GetReservation 查询预留记录。
	GetReservation(ctx context.Context, reservationID string) (*Reservation, error)

	Close() error
}
