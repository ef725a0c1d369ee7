package domain

import "encoding/json"

// Event is a decoded upstream record. The concrete type is decided once by the
// decoder; consumers switch on the type, never on the raw discriminator.
type Event interface{ isEvent() }

type baseEvent struct{}

func (baseEvent) isEvent() {}

// DeviceStateEvent carries a full device record.
type DeviceStateEvent struct {
	baseEvent
	Device DeviceState
}

// PriceUpdateEvent replaces the station price set. StationName is empty when
// the record did not carry a name.
type PriceUpdateEvent struct {
	baseEvent
	Prices      PriceSet
	StationName string
}

// TransactionRelayEvent carries an opaque sale record that is relayed once.
type TransactionRelayEvent struct {
	baseEvent
	Payload json.RawMessage
}

// Discriminator values of the upstream "tipo" field.
const (
	KindPriceUpdate = "actualizacion_precios"
	KindTransaction = "nueva_transaccion"
)
