// Package state holds the authoritative in-memory view of the station.
//
// The Store is the seam between ingest and fan-out: the ingest client applies
// decoded events, the broadcaster reads consistent snapshots. Every mutation gets a
// sequence number and is published as a delta after it becomes visible, in
// sequence order.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pscheid92/stationrelay/internal/domain"
	"github.com/pscheid92/stationrelay/internal/metrics"
)

// Store owns device, price and station-name state.
type Store struct {
	// publishMu serialises apply+publish so deltas leave in sequence order
	// without holding mu while publishers block.
	publishMu sync.Mutex

	mu      sync.RWMutex
	seq     uint64
	devices map[string]domain.DeviceState
	prices  domain.PriceSet
	station domain.StationIdentity

	publishers []domain.Publisher
}

// NewStore creates a store seeded with the given prices and station name.
// Deltas are handed to every publisher in order.
func NewStore(prices domain.PriceSet, stationName string, publishers ...domain.Publisher) *Store {
	return &Store{
		devices:    make(map[string]domain.DeviceState),
		prices:     prices,
		station:    domain.StationIdentity{Name: stationName},
		publishers: publishers,
	}
}

// AddPublisher registers another delta consumer. It receives every delta
// published after this call.
func (s *Store) AddPublisher(p domain.Publisher) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.publishers = append(s.publishers, p)
}

// Apply dispatches a decoded event to the matching operation.
func (s *Store) Apply(ctx context.Context, event domain.Event) {
	switch e := event.(type) {
	case domain.DeviceStateEvent:
		s.ApplyDeviceState(ctx, e)
	case domain.PriceUpdateEvent:
		s.ApplyPriceUpdate(ctx, e)
	case domain.TransactionRelayEvent:
		s.RelayTransaction(ctx, e)
	default:
		slog.WarnContext(ctx, "Store received unknown event type", "event_type", fmt.Sprintf("%T", event))
	}
}

// ApplyDeviceState inserts or replaces the device keyed by its ID.
func (s *Store) ApplyDeviceState(ctx context.Context, e domain.DeviceStateEvent) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	s.devices[e.Device.ID] = e.Device
	s.seq++
	delta := domain.Delta{
		Type:    domain.MessageDevices,
		Seq:     s.seq,
		Devices: s.deviceListLocked(),
	}
	deviceCount := len(s.devices)
	s.mu.Unlock()

	metrics.StoreDevices.Set(float64(deviceCount))
	metrics.StoreUpdatesTotal.WithLabelValues(string(domain.MessageDevices)).Inc()
	s.publish(ctx, delta)
}

// ApplyPriceUpdate replaces the price set, and the station name when the event
// carries one.
func (s *Store) ApplyPriceUpdate(ctx context.Context, e domain.PriceUpdateEvent) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	s.prices = e.Prices
	if e.StationName != "" {
		s.station = domain.StationIdentity{Name: e.StationName}
	}
	s.seq++
	delta := domain.Delta{
		Type:        domain.MessagePrices,
		Seq:         s.seq,
		Prices:      s.prices,
		StationName: s.station.Name,
	}
	s.mu.Unlock()

	metrics.StoreUpdatesTotal.WithLabelValues(string(domain.MessagePrices)).Inc()
	s.publish(ctx, delta)
}

// RelayTransaction publishes a transaction without storing it. It takes a
// sequence number so late subscribers never see it replayed.
func (s *Store) RelayTransaction(ctx context.Context, e domain.TransactionRelayEvent) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	s.seq++
	delta := domain.Delta{
		Type:        domain.MessageTransaction,
		Seq:         s.seq,
		Transaction: e.Payload,
	}
	s.mu.Unlock()

	metrics.StoreUpdatesTotal.WithLabelValues(string(domain.MessageTransaction)).Inc()
	s.publish(ctx, delta)
}

// Snapshot returns a copy of the current state. It never observes half of an apply.
func (s *Store) Snapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return domain.Snapshot{
		Seq:         s.seq,
		Devices:     s.deviceListLocked(),
		Prices:      s.prices,
		StationName: s.station.Name,
	}
}

// deviceListLocked returns the devices ordered by ID. Callers hold mu.
func (s *Store) deviceListLocked() []domain.DeviceState {
	devices := make([]domain.DeviceState, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

func (s *Store) publish(ctx context.Context, delta domain.Delta) {
	for _, p := range s.publishers {
		if err := p.Publish(ctx, delta); err != nil {
			slog.WarnContext(ctx, "Delta publish failed",
				"type", string(delta.Type),
				"seq", delta.Seq,
				"error", err,
			)
		}
	}
}

var _ domain.EventSink = (*Store)(nil)
var _ domain.SnapshotSource = (*Store)(nil)
