package sale

import (
	"github.com/shopspring/decimal"

	"github.com/mbd888/xmrescrow/internal/xmr"
)

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// PlatformFee is each party's half of the commission on price:
// price × percent/100 / 2, rounded to atomic precision. The buyer pays it on
// top of the price; the seller has it withheld at payout.
func PlatformFee(price, percent decimal.Decimal) decimal.Decimal {
	return xmr.Round(price.Mul(percent).Div(hundred).Div(two))
}

// ExpectedPayment is what the buyer must send to the escrow subaccount.
func ExpectedPayment(price, fee decimal.Decimal) decimal.Decimal {
	return price.Add(fee)
}
