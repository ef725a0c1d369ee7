package domain

// DeviceState is the last known state of one fuel dispenser.
// Records with the same ID replace each other; sub-fields are never merged.
type DeviceState struct {
	ID     string     `json:"id"`
	Name   string     `json:"nombre"`
	Status string     `json:"estado"`
	Prices PriceQuote `json:"precios"`
}
