package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// PriceQuote is the per-device price set as reported inside a device record.
type PriceQuote struct {
	Gasoline93 decimal.Decimal `json:"gasolina93"`
	Gasoline95 decimal.Decimal `json:"gasolina95"`
	Gasoline97 decimal.Decimal `json:"gasolina97"`
	Diesel     decimal.Decimal `json:"diesel"`
}

// PriceSet is the station-wide price list. It is always replaced as a whole.
type PriceSet struct {
	Gasoline93 decimal.Decimal `json:"precio_93"`
	Gasoline95 decimal.Decimal `json:"precio_95"`
	Gasoline97 decimal.Decimal `json:"precio_97"`
	Diesel     decimal.Decimal `json:"precio_diesel"`
}

// MarshalJSON encodes prices as JSON numbers.
func (q PriceQuote) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Gasoline93 json.Number `json:"gasolina93"`
		Gasoline95 json.Number `json:"gasolina95"`
		Gasoline97 json.Number `json:"gasolina97"`
		Diesel     json.Number `json:"diesel"`
	}{number(q.Gasoline93), number(q.Gasoline95), number(q.Gasoline97), number(q.Diesel)})
}

// MarshalJSON encodes prices as JSON numbers.
func (p PriceSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Gasoline93 json.Number `json:"precio_93"`
		Gasoline95 json.Number `json:"precio_95"`
		Gasoline97 json.Number `json:"precio_97"`
		Diesel     json.Number `json:"precio_diesel"`
	}{number(p.Gasoline93), number(p.Gasoline95), number(p.Gasoline97), number(p.Diesel)})
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// Equal reports whether both price sets hold the same values.
func (p PriceSet) Equal(other PriceSet) bool {
	return p.Gasoline93.Equal(other.Gasoline93) &&
		p.Gasoline95.Equal(other.Gasoline95) &&
		p.Gasoline97.Equal(other.Gasoline97) &&
		p.Diesel.Equal(other.Diesel)
}

// StationIdentity is the display identity of the station.
type StationIdentity struct {
	Name string `json:"nombre"`
}
