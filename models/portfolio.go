package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Portfolio update types streamed by the portfolio feed.
const (
	UpdateOrder    = "order"
	UpdatePosition = "position"
	UpdateHolding  = "holding"
	UpdateGTTOrder = "gtt_order"
)

// PortfolioUpdate is one portfolio feed event. Fields not carried by an update
// type stay zero; Raw keeps the original payload.
type PortfolioUpdate struct {
	UpdateType        string          `json:"update_type"`
	UserID            string          `json:"user_id,omitempty"`
	OrderID           string          `json:"order_id,omitempty"`
	Exchange          string          `json:"exchange,omitempty"`
	InstrumentToken   string          `json:"instrument_token,omitempty"`
	TradingSymbol     string          `json:"trading_symbol,omitempty"`
	TransactionType   string          `json:"transaction_type,omitempty"`
	Product           string          `json:"product,omitempty"`
	Status            string          `json:"status,omitempty"`
	StatusMessage     string          `json:"status_message,omitempty"`
	Quantity          int64           `json:"quantity,omitempty"`
	FilledQuantity    int64           `json:"filled_quantity,omitempty"`
	Price             decimal.Decimal `json:"price"`
	AveragePrice      decimal.Decimal `json:"average_price"`
	ExchangeTimestamp string          `json:"exchange_timestamp,omitempty"`
	Raw               json.RawMessage `json:"-"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// Key returns the identifier used to partition updates: the order id when
// present, otherwise the instrument token.
func (u PortfolioUpdate) Key() string {
	if u.OrderID != "" {
		return u.OrderID
	}
	return u.InstrumentToken
}
