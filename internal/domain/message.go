package domain

import (
	"context"
	"encoding/json"
)

// MessageType identifies a downstream message.
type MessageType string

const (
	MessageSnapshot    MessageType = "snapshot"
	MessageDevices     MessageType = "devices"
	MessagePrices      MessageType = "prices"
	MessageTransaction MessageType = "transaction"
)

// Snapshot is a point-in-time copy of the relay state. Seq is the sequence
// number of the last change it reflects.
type Snapshot struct {
	Seq         uint64
	Devices     []DeviceState
	Prices      PriceSet
	StationName string
}

// Delta is an incremental change published after a store mutation. Only the
// fields belonging to Type are set.
type Delta struct {
	Type        MessageType
	Seq         uint64
	Devices     []DeviceState
	Prices      PriceSet
	StationName string
	Transaction json.RawMessage
}

// Message is the JSON envelope sent to subscribers.
type Message struct {
	Type        MessageType     `json:"type"`
	Seq         uint64          `json:"seq"`
	Devices     *[]DeviceState  `json:"devices,omitempty"`
	Prices      *PriceSet       `json:"prices,omitempty"`
	StationName string          `json:"station_name,omitempty"`
	Transaction json.RawMessage `json:"transaction,omitempty"`
}

// SnapshotMessage builds the envelope sent to a newly joined subscriber.
func SnapshotMessage(s Snapshot) Message {
	devices := s.Devices
	if devices == nil {
		devices = []DeviceState{}
	}
	prices := s.Prices
	return Message{
		Type:        MessageSnapshot,
		Seq:         s.Seq,
		Devices:     &devices,
		Prices:      &prices,
		StationName: s.StationName,
	}
}

// DeltaMessage builds the envelope for a published delta.
func DeltaMessage(d Delta) Message {
	msg := Message{Type: d.Type, Seq: d.Seq}
	switch d.Type {
	case MessageDevices:
		devices := d.Devices
		if devices == nil {
			devices = []DeviceState{}
		}
		msg.Devices = &devices
	case MessagePrices:
		prices := d.Prices
		msg.Prices = &prices
		msg.StationName = d.StationName
	case MessageTransaction:
		msg.Transaction = d.Transaction
	}
	return msg
}

// SnapshotSource provides consistent snapshots of the relay state.
type SnapshotSource interface {
	Snapshot() Snapshot
}

// Publisher receives every delta in sequence order.
type Publisher interface {
	Publish(ctx context.Context, delta Delta) error
}

// EventSink applies decoded events.
type EventSink interface {
	Apply(ctx context.Context, event Event)
}
