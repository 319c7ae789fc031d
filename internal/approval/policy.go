package approval

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Rule 是一条策略规则：命中时给出是否需要人工审批及原因。
// 规则按固定顺序求值，第一条命中的规则决定结果。
type Rule struct {
	Name  string
	Match func(settings Settings, action Action, amount decimal.Decimal) (required bool, reason string, matched bool)
}

// PolicyRules 返回有序规则表。顺序即优先级：
// 提现必审 > 动作类开关 > 金额阈值 > 默认放行。
func PolicyRules() []Rule {
	return []Rule{
		{
			Name: "withdrawal-always",
			Match: func(settings Settings, action Action, _ decimal.Decimal) (bool, string, bool) {
				if action == ActionWithdrawal && settings.RequireForWithdrawals {
					return true, "withdrawals always require approval", true
				}
				return false, "", false
			},
		},
		{
			Name: "action-flag",
			Match: func(settings Settings, action Action, _ decimal.Decimal) (bool, string, bool) {
				switch {
				case action == ActionTrade && settings.RequireForTrades:
					return true, "trades require approval for this account", true
				case action == ActionDeFi && settings.RequireForDeFi:
					return true, "DeFi actions require approval for this account", true
				}
				return false, "", false
			},
		},
		{
			Name: "amount-threshold",
			Match: func(settings Settings, _ Action, amount decimal.Decimal) (bool, string, bool) {
				if amount.GreaterThanOrEqual(settings.AutoApproveThreshold) {
					return true, fmt.Sprintf("amount %s reaches threshold %s", amount, settings.AutoApproveThreshold), true
				}
				return false, "", false
			},
		},
	}
}

// RequiresApproval 对动作求值策略，返回是否需要人工审批及命中原因。
func RequiresApproval(settings Settings, action Action, amount decimal.Decimal) (bool, string) {
	for _, rule := range PolicyRules() {
		if required, reason, matched := rule.Match(settings, action, amount); matched {
			return required, reason
		}
	}
	return false, fmt.Sprintf("amount %s below threshold %s", amount, settings.AutoApproveThreshold)
}

// riskOf 根据动作与金额给出展示用的风险等级。
func riskOf(settings Settings, action Action, amount decimal.Decimal) RiskLevel {
	if action == ActionWithdrawal || action == ActionDeFi {
		return RiskHigh
	}
	if amount.GreaterThanOrEqual(settings.AutoApproveThreshold) {
		return RiskMedium
	}
	return RiskLow
}
