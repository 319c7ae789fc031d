package approval

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/ledger"
	"AgentVault/pkg/logger"
)

// Vault 是资金闸门：在任何动资金的动作执行前做配置级校验。
// 每日支出按账本上当天的结算类扣款流水累加，不依赖额外计数器。
type Vault struct {
	ledger ledger.Store
	log    *slog.Logger
	now    func() time.Time
}

// NewVault 创建资金闸门。
func NewVault(ledgerStore ledger.Store) *Vault {
	return &Vault{
		ledger: ledgerStore,
		log:    logger.Named("vault"),
		now:    time.Now,
	}
}

// Validate 校验动作是否被账户的资金闸门允许。
// 任一规则命中都返回 APPROVAL_POLICY_VIOLATION。
func (v *Vault) Validate(ctx context.Context, accountID, asset string, settings Settings, action Action, amount decimal.Decimal, destination string) error {
	if settings.Paused {
		v.log.Warn("vault rejected action: account paused", "account_id", accountID, "action", string(action))
		return xerrors.New(CodePolicyViolation, "account is paused, all agent actions are blocked")
	}

	if settings.MaxTransactionLimit.IsPositive() && amount.GreaterThan(settings.MaxTransactionLimit) {
		v.log.Warn("vault rejected action: over per-transaction limit",
			"account_id", accountID, "amount", amount.String(), "limit", settings.MaxTransactionLimit.String())
		return xerrors.New(CodePolicyViolation, "amount exceeds per-transaction limit",
			xerrors.WithMetadata("amount", amount.String()),
			xerrors.WithMetadata("limit", settings.MaxTransactionLimit.String()))
	}

	if len(settings.WhitelistedAddresses) > 0 && destination != "" && !whitelisted(settings.WhitelistedAddresses, destination) {
		v.log.Warn("vault rejected action: destination not whitelisted", "account_id", accountID, "destination", destination)
		return xerrors.New(CodePolicyViolation, "destination address is not whitelisted",
			xerrors.WithMetadata("destination", destination))
	}

	if settings.DailySpendLimit.IsPositive() {
		spent, err := v.spentToday(ctx, accountID, asset)
		if err != nil {
			return err
		}
		if spent.Add(amount).GreaterThan(settings.DailySpendLimit) {
			v.log.Warn("vault rejected action: daily spend limit reached",
				"account_id", accountID, "spent", spent.String(), "amount", amount.String(), "limit", settings.DailySpendLimit.String())
			return xerrors.New(CodePolicyViolation, "daily spend limit reached",
				xerrors.WithMetadata("spent_today", spent.String()),
				xerrors.WithMetadata("amount", amount.String()),
				xerrors.WithMetadata("limit", settings.DailySpendLimit.String()))
		}
	}

	return nil
}

// spentToday 汇总当天（UTC 日界）结算类扣款流水的绝对值。
func (v *Vault) spentToday(ctx context.Context, accountID, asset string) (decimal.Decimal, error) {
	dayStart := v.now().UTC().Truncate(24 * time.Hour).Unix()
	total := decimal.Zero
	afterSeq := int64(0)
	kinds := []ledger.Kind{ledger.KindExecutionDebit, ledger.KindWithdrawal, ledger.KindFee}

	for {
		entries, err := v.ledger.Entries(ctx, accountID, asset, ledger.EntryListOptions{
			AfterSeq: afterSeq,
			Kinds:    kinds,
			Limit:    500,
		})
		if err != nil {
			return decimal.Zero, err
		}
		for _, entry := range entries {
			if entry.CreatedAt >= dayStart {
				total = total.Add(entry.Amount.Abs())
			}
			afterSeq = entry.Seq
		}
		if len(entries) < 500 {
			return total, nil
		}
	}
}

func whitelisted(addresses []string, destination string) bool {
	for _, address := range addresses {
		if strings.EqualFold(strings.TrimSpace(address), strings.TrimSpace(destination)) {
			return true
		}
	}
	return false
}
