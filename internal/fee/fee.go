// Package fee computes commissions and levies for simulated executions.
//
// All monetary values use shopspring/decimal; never float64.
package fee

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// Scale is the number of decimal places fees are rounded to.
const Scale int32 = 2

// Calculate returns the total fee charged on an execution of the given
// notional. A nil schedule means the market charges nothing.
//
//	fee = max(notional*rate, min)
//	    + notional*stamp_duty_rate                         (sell)
//	    + notional*(levy + trading fee + settlement fee)   (HK)
//	    + notional*sec_fee_rate                            (US sell)
func Calculate(market model.Market, side model.Side, notional decimal.Decimal, sched *model.CommissionSchedule) decimal.Decimal {
	if sched == nil {
		return decimal.Zero
	}

	fee := decimal.Max(notional.Mul(sched.Rate), sched.Min)

	if side == model.SideSell {
		fee = fee.Add(levy(notional, sched.StampDutyRate))
	}

	switch market {
	case model.MarketHK:
		fee = fee.Add(levy(notional, sched.TransactionLevyRate))
		fee = fee.Add(levy(notional, sched.TradingFeeRate))
		fee = fee.Add(levy(notional, sched.SettlementFeeRate))
	case model.MarketUS:
		if side == model.SideSell {
			fee = fee.Add(levy(notional, sched.SecFeeRate))
		}
	}

	return fee.Round(Scale)
}

func levy(notional decimal.Decimal, rate *decimal.Decimal) decimal.Decimal {
	if rate == nil {
		return decimal.Zero
	}
	return notional.Mul(*rate)
}
