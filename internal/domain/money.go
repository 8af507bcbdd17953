package domain

import "fmt"

// Amounts are int64 minor units (cents) throughout.

// BasisPoints is 1/100th of a percent; 800 is 8%.
const basisPointsDivisor = 10000

// ApplyRate returns amount × bps / 10000 rounded half up.
func ApplyRate(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return (amount*bps + basisPointsDivisor/2) / basisPointsDivisor
}

// MaxAmount bounds every line, subtotal and total. It keeps amount × bps
// inside int64 for any sane rate.
const MaxAmount int64 = 1_000_000_000_000

// MaxLineQuantity bounds the quantity of a single cart or order line.
const MaxLineQuantity int64 = 10_000

// ErrAmountOutOfRange is returned when a line or total exceeds MaxAmount.
var ErrAmountOutOfRange = &Error{Kind: KindInvalidCartState, Message: "amount exceeds the allowed maximum"}

// LineTotal returns unit × qty, or ErrAmountOutOfRange when qty exceeds
// MaxLineQuantity or the product exceeds MaxAmount.
func LineTotal(unit, qty int64) (int64, error) {
	if qty < 0 || unit < 0 {
		return 0, NewError(KindInvalidRequest, "price and quantity must not be negative")
	}
	if qty > MaxLineQuantity {
		return 0, NewError(KindInvalidCartState, fmt.Sprintf("quantity %d exceeds the limit of %d per line", qty, MaxLineQuantity))
	}
	if unit > 0 && qty > MaxAmount/unit {
		return 0, ErrAmountOutOfRange
	}
	return unit * qty, nil
}

func addAmount(a, b int64) (int64, error) {
	if a > MaxAmount-b {
		return 0, ErrAmountOutOfRange
	}
	return a + b, nil
}
