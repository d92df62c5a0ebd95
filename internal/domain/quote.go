package domain

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const moneyPlaces = 2

// Quote holds the contractual terms of a trade before it becomes an operation.
type Quote struct {
	Type         OperationType   `json:"operation_type"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	AmountPEN    decimal.Decimal `json:"amount_pen"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
}

// NewQuote computes the counter amount for a trade.
// For Compra amount is USD and PEN = USD * rate; for Venta amount is PEN and USD = PEN / rate.
// The amount is rounded to cents first and the counter amount derived from the rounded value,
// so the stored terms always satisfy the relation. Nothing is recomputed afterwards.
func NewQuote(opType OperationType, amount, rate decimal.Decimal) (Quote, error) {
	if rate.LessThanOrEqual(decimal.Zero) {
		return Quote{}, errors.Errorf("exchange rate must be positive, got %s", rate.String())
	}
	amount = amount.Round(moneyPlaces)
	if amount.LessThanOrEqual(decimal.Zero) {
		return Quote{}, errors.Errorf("amount must be at least 0.01, got %s", amount.String())
	}

	switch opType {
	case OperationCompra:
		return Quote{
			Type:         opType,
			AmountUSD:    amount,
			AmountPEN:    amount.Mul(rate).Round(moneyPlaces),
			ExchangeRate: rate,
		}, nil
	case OperationVenta:
		return Quote{
			Type:         opType,
			AmountUSD:    amount.Div(rate).Round(moneyPlaces),
			AmountPEN:    amount,
			ExchangeRate: rate,
		}, nil
	default:
		return Quote{}, errors.Errorf("unknown operation type %q", opType)
	}
}

// Rates is the pair of prices the cambio publishes.
type Rates struct {
	Compra decimal.Decimal `json:"compra"`
	Venta  decimal.Decimal `json:"venta"`
}

// For returns the rate a trade of type t is priced at: a client buying USD pays the
// business's selling rate, a client selling USD gets its buying rate.
func (r Rates) For(t OperationType) decimal.Decimal {
	if t == OperationVenta {
		return r.Compra
	}
	return r.Venta
}
