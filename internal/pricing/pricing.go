// Package pricing is the single place where charge amounts are computed.
//
// Rates are quoted per 1000 units. A charge is ceil(sellRate × quantity / 1000)
// in whole currency units, so rounding never undercharges.
package pricing

import (
	"engage-backend/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// SellRate applies a percentage markup to a provider rate
func SellRate(providerRate decimal.Decimal, markupPercent float64) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(decimal.NewFromFloat(markupPercent).Div(hundred))
	return providerRate.Mul(factor)
}

// Price returns the charge for quantity units of svc
func Price(svc models.Service, quantity int64) int64 {
	if quantity <= 0 || svc.SellRate.Sign() <= 0 {
		return 0
	}
	// Shift(-3) divides by 1000 exactly
	return svc.SellRate.Mul(decimal.NewFromInt(quantity)).Shift(-3).Ceil().IntPart()
}

// EstimateDelivery gives a rough delivery window for display
func EstimateDelivery(quantity int64) string {
	switch {
	case quantity < 100:
		return "1-2 hours"
	case quantity < 1000:
		return "3-6 hours"
	case quantity < 5000:
		return "6-12 hours"
	default:
		return "12-24 hours"
	}
}
