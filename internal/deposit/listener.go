// Package deposit 实现入金扫描：后台轮询链上转入事件，
// 把命中的入金按交易哈希幂等地记入账本。
package deposit

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"AgentVault/internal/chain"
	"AgentVault/internal/ledger"
	"AgentVault/pkg/logger"
)

// Resolver 把入金地址解析为账本账户 ID。
// 返回空字符串表示该地址不归本系统托管，跳过入账。
type Resolver func(ctx context.Context, address string) (accountID string, err error)

// StaticResolver 用固定的地址映射构造 Resolver，地址不区分大小写。
func StaticResolver(bindings map[string]string) Resolver {
	normalized := make(map[string]string, len(bindings))
	for address, accountID := range bindings {
		normalized[strings.ToLower(strings.TrimSpace(address))] = accountID
	}
	return func(_ context.Context, address string) (string, error) {
		return normalized[strings.ToLower(strings.TrimSpace(address))], nil
	}
}

// Listener 周期性扫描 DepositSource 并把新入金记入账本。
// 账本的重复引用检查保证同一笔链上交易至多入账一次，
// 因此重启后从更早的区块重扫是安全的。
type Listener struct {
	source   chain.DepositSource
	ledger   ledger.Store
	resolve  Resolver
	interval time.Duration
	log      *slog.Logger
	audit    *slog.Logger

	mu        sync.Mutex
	lastBlock uint64
}

// Option 定义 Listener 的可选配置。
type Option func(*Listener)

// WithInterval 设置扫描间隔。
func WithInterval(interval time.Duration) Option {
	return func(l *Listener) {
		if interval > 0 {
			l.interval = interval
		}
	}
}

// WithStartBlock 设置首次扫描的起始区块高度。
func WithStartBlock(block uint64) Option {
	return func(l *Listener) { l.lastBlock = block }
}

// NewListener 创建入金监听器。
func NewListener(source chain.DepositSource, ledgerStore ledger.Store, resolve Resolver, opts ...Option) *Listener {
	l := &Listener{
		source:   source,
		ledger:   ledgerStore,
		resolve:  resolve,
		interval: 15 * time.Second,
		log:      logger.Named("deposit"),
		audit:    logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// LastBlock 返回已扫描到的区块高度。
func (l *Listener) LastBlock() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastBlock
}

// Scan 执行一轮扫描，返回本轮新入账的笔数。
func (l *Listener) Scan(ctx context.Context) (int, error) {
	l.mu.Lock()
	since := l.lastBlock
	l.mu.Unlock()

	transfers, tip, err := l.source.Transfers(ctx, "", since)
	if err != nil {
		return 0, err
	}

	credited := 0
	for _, transfer := range transfers {
		accountID, err := l.resolve(ctx, transfer.To)
		if err != nil {
			return credited, err
		}
		if accountID == "" {
			continue
		}

		entry, err := l.ledger.Deposit(ctx, accountID, transfer.Asset, transfer.Amount,
			transfer.TxHash, "onchain deposit from "+transfer.From)
		if err != nil {
			if stdErrors.Is(err, ledger.ErrDuplicateReference) {
				// 重扫窗口内的旧交易，已入账过。
				continue
			}
			return credited, err
		}
		credited++
		l.audit.Info("deposit credited",
			"account_id", accountID,
			"asset", transfer.Asset,
			"amount", transfer.Amount.String(),
			"tx_hash", transfer.TxHash,
			"block", transfer.BlockNumber,
			"seq", entry.Seq,
		)
	}

	l.mu.Lock()
	if tip > l.lastBlock {
		l.lastBlock = tip
	}
	l.mu.Unlock()
	return credited, nil
}

// Run 以固定间隔扫描，直到 ctx 取消。
func (l *Listener) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.log.Info("deposit listener started", "interval", l.interval.String(), "since_block", l.LastBlock())
	for {
		select {
		case <-ctx.Done():
			l.log.Info("deposit listener stopped", "last_block", l.LastBlock())
			return
		case <-ticker.C:
			if _, err := l.Scan(ctx); err != nil {
				l.log.Error("deposit scan failed", "error", err)
			}
		}
	}
}
