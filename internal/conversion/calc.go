package conversion

import (
	"github.com/shopspring/decimal"

	"ratelock/internal/storage"
)

// divisionPlaces bounds intermediate quotients; the result is rounded once at the end.
const divisionPlaces = 28

// calculation is the outcome of applying snapshot rates to an amount.
type calculation struct {
	Amount    decimal.Decimal
	Method    storage.CalculationMethod
	RatesUsed map[string]decimal.Decimal
}

// compute converts amount between two codes present in rates, where every
// rate is quoted against pivot. Identity returns amount untouched; every other
// path is rounded half-even to places exactly once.
func compute(amount decimal.Decimal, from, to, pivot string, rates map[string]decimal.Decimal, places int32) calculation {
	fromRate := rates[from]
	toRate := rates[to]

	if from == to {
		return calculation{
			Amount:    amount,
			Method:    storage.MethodIdentity,
			RatesUsed: map[string]decimal.Decimal{from: fromRate},
		}
	}

	used := map[string]decimal.Decimal{from: fromRate, to: toRate}

	var raw decimal.Decimal
	method := storage.MethodTriangulated
	switch {
	case from == pivot:
		raw = amount.Mul(toRate)
		method = storage.MethodDirectPivot
	case to == pivot:
		raw = amount.DivRound(fromRate, divisionPlaces)
		method = storage.MethodDirectPivot
	default:
		raw = amount.DivRound(fromRate, divisionPlaces).Mul(toRate)
	}

	return calculation{
		Amount:    raw.RoundBank(places),
		Method:    method,
		RatesUsed: used,
	}
}
