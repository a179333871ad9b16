package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSegmentOf(t *testing.T) {
	cases := map[string]string{
		"NSE_INDEX|Nifty 50":  "NSE_INDEX",
		"NSE_EQ|INE002A01018": "NSE_EQ",
		"plain":               "",
		"":                    "",
	}
	for key, want := range cases {
		if got := SegmentOf(key); got != want {
			t.Errorf("SegmentOf(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestTickSpreadAndChange(t *testing.T) {
	tick := Tick{
		LTP:      decimal.RequireFromString("22050.25"),
		Close:    decimal.RequireFromString("22000"),
		BidPrice: decimal.RequireFromString("22050"),
		AskPrice: decimal.RequireFromString("22050.5"),
	}
	if !tick.Spread().Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("spread = %s", tick.Spread())
	}
	if !tick.Change().Equal(decimal.RequireFromString("50.25")) {
		t.Fatalf("change = %s", tick.Change())
	}

	// index feeds carry no depth
	if !(Tick{LTP: decimal.NewFromInt(1)}).Spread().IsZero() {
		t.Fatal("spread without depth must be zero")
	}
}

func TestPortfolioUpdateDecode(t *testing.T) {
	payload := `{"update_type":"order","order_id":"250101000123","instrument_token":"NSE_EQ|INE002A01018",
		"transaction_type":"BUY","status":"complete","quantity":5,"price":"2950.5","average_price":2950.45}`
	var u PortfolioUpdate
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.UpdateType != UpdateOrder || u.Quantity != 5 || u.Status != "complete" {
		t.Fatalf("unexpected update %+v", u)
	}
	if !u.Price.Equal(decimal.RequireFromString("2950.5")) || !u.AveragePrice.Equal(decimal.RequireFromString("2950.45")) {
		t.Fatalf("prices = %s / %s", u.Price, u.AveragePrice)
	}
	if u.Key() != "250101000123" {
		t.Fatalf("key = %s", u.Key())
	}

	pos := PortfolioUpdate{UpdateType: UpdatePosition, InstrumentToken: "NSE_FO|45450"}
	if pos.Key() != "NSE_FO|45450" {
		t.Fatalf("position key = %s", pos.Key())
	}
}
