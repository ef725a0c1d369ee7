package state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/pscheid92/stationrelay/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	deltas []domain.Delta
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, delta domain.Delta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas = append(p.deltas, delta)
	return p.err
}

func (p *recordingPublisher) all() []domain.Delta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Delta(nil), p.deltas...)
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func device(id, status string, p93 int64) domain.DeviceStateEvent {
	return domain.DeviceStateEvent{Device: domain.DeviceState{
		ID:     id,
		Name:   "Surtidor " + id,
		Status: status,
		Prices: domain.PriceQuote{Gasoline93: dec(p93)},
	}}
}

func seedPrices() domain.PriceSet {
	return domain.PriceSet{Gasoline93: dec(1290), Gasoline95: dec(1350), Gasoline97: dec(1400), Diesel: dec(1120)}
}

func TestNewStore_SeedsPricesAndName(t *testing.T) {
	store := NewStore(seedPrices(), "Estación Local")

	snap := store.Snapshot()

	assert.Equal(t, uint64(0), snap.Seq)
	assert.Empty(t, snap.Devices)
	assert.True(t, seedPrices().Equal(snap.Prices))
	assert.Equal(t, "Estación Local", snap.StationName)
}

func TestApplyDeviceState_LastWriteWins(t *testing.T) {
	store := NewStore(seedPrices(), "")
	ctx := context.Background()

	store.ApplyDeviceState(ctx, device("1", "available", 1000))
	store.ApplyDeviceState(ctx, device("1", "dispensing", 1100))
	store.ApplyDeviceState(ctx, domain.DeviceStateEvent{Device: domain.DeviceState{ID: "1", Status: "stopped"}})

	snap := store.Snapshot()
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, "stopped", snap.Devices[0].Status)
	assert.Empty(t, snap.Devices[0].Name, "fields are replaced, not merged")
	assert.True(t, snap.Devices[0].Prices.Gasoline93.IsZero())
}

func TestApplyDeviceState_KeepsOneEntryPerID(t *testing.T) {
	store := NewStore(seedPrices(), "")
	ctx := context.Background()

	for _, id := range []string{"3", "1", "2", "1", "3"} {
		store.ApplyDeviceState(ctx, device(id, "available", 1))
	}

	snap := store.Snapshot()
	require.Len(t, snap.Devices, 3)
	assert.Equal(t, "1", snap.Devices[0].ID)
	assert.Equal(t, "2", snap.Devices[1].ID)
	assert.Equal(t, "3", snap.Devices[2].ID)
}

func TestApplyPriceUpdate_ReplacesWholesale(t *testing.T) {
	store := NewStore(seedPrices(), "Norte")
	ctx := context.Background()

	incoming := domain.PriceSet{Gasoline93: dec(1500), Diesel: dec(1200)}
	store.ApplyPriceUpdate(ctx, domain.PriceUpdateEvent{Prices: incoming})

	snap := store.Snapshot()
	assert.True(t, incoming.Equal(snap.Prices), "no field may survive from the previous set")
	assert.True(t, snap.Prices.Gasoline95.IsZero())
	assert.Equal(t, "Norte", snap.StationName, "name is kept when the update has none")
}

func TestApplyPriceUpdate_ReplacesStationName(t *testing.T) {
	store := NewStore(seedPrices(), "Norte")

	store.ApplyPriceUpdate(context.Background(), domain.PriceUpdateEvent{Prices: seedPrices(), StationName: "Sur"})

	assert.Equal(t, "Sur", store.Snapshot().StationName)
}

func TestApply_PublishesDeltasInSequenceOrder(t *testing.T) {
	pub := &recordingPublisher{}
	store := NewStore(seedPrices(), "Norte", pub)
	ctx := context.Background()

	store.Apply(ctx, device("1", "available", 1))
	store.Apply(ctx, domain.PriceUpdateEvent{Prices: seedPrices(), StationName: "Sur"})
	store.Apply(ctx, domain.TransactionRelayEvent{Payload: json.RawMessage(`{"litros":5}`)})
	store.Apply(ctx, device("2", "dispensing", 2))

	deltas := pub.all()
	require.Len(t, deltas, 4)
	for i, d := range deltas {
		assert.Equal(t, uint64(i+1), d.Seq)
	}

	assert.Equal(t, domain.MessageDevices, deltas[0].Type)
	assert.Len(t, deltas[0].Devices, 1)

	assert.Equal(t, domain.MessagePrices, deltas[1].Type)
	assert.Equal(t, "Sur", deltas[1].StationName)
	assert.Nil(t, deltas[1].Devices, "price deltas never carry the device list")

	assert.Equal(t, domain.MessageTransaction, deltas[2].Type)
	assert.JSONEq(t, `{"litros":5}`, string(deltas[2].Transaction))

	assert.Equal(t, domain.MessageDevices, deltas[3].Type)
	assert.Len(t, deltas[3].Devices, 2)

	assert.Equal(t, uint64(4), store.Snapshot().Seq)
}

func TestRelayTransaction_IsNotStored(t *testing.T) {
	store := NewStore(seedPrices(), "Norte")

	before := store.Snapshot()
	store.RelayTransaction(context.Background(), domain.TransactionRelayEvent{Payload: json.RawMessage(`{}`)})
	after := store.Snapshot()

	assert.Equal(t, before.Devices, after.Devices)
	assert.True(t, before.Prices.Equal(after.Prices))
	assert.Equal(t, before.Seq+1, after.Seq)
}

func TestPublish_FailingPublisherDoesNotStopOthers(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("redis down")}
	healthy := &recordingPublisher{}
	store := NewStore(seedPrices(), "", failing, healthy)

	store.ApplyDeviceState(context.Background(), device("1", "available", 1))

	assert.Len(t, failing.all(), 1)
	assert.Len(t, healthy.all(), 1)
	assert.Len(t, store.Snapshot().Devices, 1)
}

func TestSnapshot_IsACopy(t *testing.T) {
	store := NewStore(seedPrices(), "")
	store.ApplyDeviceState(context.Background(), device("1", "available", 1))

	snap := store.Snapshot()
	snap.Devices[0].Status = "tampered"

	assert.Equal(t, "available", store.Snapshot().Devices[0].Status)
}

func TestSnapshot_NeverTorn(t *testing.T) {
	uniform := domain.PriceSet{Gasoline93: dec(0), Gasoline95: dec(0), Gasoline97: dec(0), Diesel: dec(0)}
	store := NewStore(uniform, "")
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 500 {
			p := int64(i)
			store.ApplyPriceUpdate(ctx, domain.PriceUpdateEvent{Prices: domain.PriceSet{
				Gasoline93: dec(p), Gasoline95: dec(p), Gasoline97: dec(p), Diesel: dec(p),
			}})
		}
	}()

	for range 500 {
		prices := store.Snapshot().Prices
		assert.True(t, prices.Gasoline93.Equal(prices.Gasoline95))
		assert.True(t, prices.Gasoline93.Equal(prices.Gasoline97))
		assert.True(t, prices.Gasoline93.Equal(prices.Diesel))
	}
	wg.Wait()
}

func TestApply_UnknownEventIsIgnored(t *testing.T) {
	pub := &recordingPublisher{}
	store := NewStore(seedPrices(), "", pub)

	store.Apply(context.Background(), nil)

	assert.Empty(t, pub.all())
	assert.Equal(t, uint64(0), store.Snapshot().Seq)
}

func TestAddPublisher_ReceivesLaterDeltasOnly(t *testing.T) {
	store := NewStore(seedPrices(), "Estación Local")
	ctx := context.Background()

	store.ApplyDeviceState(ctx, device("1", "available", 1290))
	late := &recordingPublisher{}
	store.AddPublisher(late)
	store.ApplyDeviceState(ctx, device("2", "available", 1290))

	deltas := late.all()
	require.Len(t, deltas, 1)
	assert.Equal(t, uint64(2), deltas[0].Seq)
}
