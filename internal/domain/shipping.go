package domain

import "github.com/shopspring/decimal"

// Quote is a carrier's answer for one destination: a priced rate or an
// error, never both.
type Quote struct {
	CarrierID   string          `json:"carrier_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	TransitDays int             `json:"transit_days"`
	Err         string          `json:"error,omitempty"`
}

func PricedQuote(carrierID string, amount decimal.Decimal, currency string, transitDays int) Quote {
	return Quote{CarrierID: carrierID, Amount: amount, Currency: currency, TransitDays: transitDays}
}

func ErrorQuote(carrierID string, err error) Quote {
	msg := "rate unavailable"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Quote{CarrierID: carrierID, Err: msg}
}

func (q Quote) OK() bool {
	return q.Err == ""
}
