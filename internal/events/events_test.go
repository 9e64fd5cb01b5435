package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-auction/internal/auction"
	"github.com/ksred/klear-auction/internal/lot"
	"github.com/ksred/klear-auction/internal/types"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeApplier struct {
	mu       sync.Mutex
	applied  []types.LotRecord
	failures int
	err      error
}

func (a *fakeApplier) Apply(_ context.Context, record types.LotRecord) (*lot.Lot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	if a.failures > 0 {
		a.failures--
		return nil, errors.New("database is locked")
	}
	a.applied = append(a.applied, record)
	return &lot.Lot{LotID: record.LotID, Capacity: record.Capacity}, nil
}

func TestDecodeLotEvent(t *testing.T) {
	record, err := DecodeLotEvent([]byte(`{"lot_id":"LOT-1","name":"North","capacity":82000,"availability_time":"2026-05-01T12:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "LOT-1", record.LotID)
	assert.Equal(t, 82000.0, record.Capacity)
	require.NotNil(t, record.AvailabilityTime)
	assert.True(t, record.AvailabilityTime.Equal(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)))

	record, err = DecodeLotEvent([]byte(`{"lot_id":"LOT-2","capacity":10}`))
	require.NoError(t, err)
	assert.Nil(t, record.AvailabilityTime)

	for _, raw := range []string{`not json`, `{"capacity":10}`, `{"lot_id":"LOT-3"}`} {
		_, err := DecodeLotEvent([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedEvent, raw)
	}
}

func TestLotConsumerAppliesAndSkips(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 1, Value: []byte(`{"lot_id":"LOT-1","capacity":100}`)},
		{Offset: 2, Value: []byte(`garbage`)},
		{Offset: 3, Value: []byte(`{"lot_id":"LOT-3","capacity":300}`)},
	}}
	applier := &fakeApplier{}
	consumer := newLotConsumer(reader, applier)
	consumer.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.committedOffsets()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, reader.committedOffsets())
	require.Len(t, applier.applied, 2)
	assert.Equal(t, "LOT-1", applier.applied[0].LotID)
	assert.Equal(t, "LOT-3", applier.applied[1].LotID)
}

func TestLotConsumerRetriesTransientFailures(t *testing.T) {
	applier := &fakeApplier{failures: 2}
	consumer := newLotConsumer(&fakeReader{}, applier)
	consumer.backoff = time.Millisecond

	consumer.handle(context.Background(), kafka.Message{Value: []byte(`{"lot_id":"LOT-1","capacity":100}`)})
	assert.Len(t, applier.applied, 1)
}

func TestLotConsumerSkipsInvalidLots(t *testing.T) {
	applier := &fakeApplier{err: fmt.Errorf("apply: %w", lot.ErrInvalidLot)}
	consumer := newLotConsumer(&fakeReader{}, applier)
	consumer.backoff = time.Hour

	start := time.Now()
	consumer.handle(context.Background(), kafka.Message{Value: []byte(`{"lot_id":"LOT-1","capacity":-1}`)})
	assert.Less(t, time.Since(start), time.Second, "invalid lots are not retried")
}

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	failures int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func sampleAuction() auction.Auction {
	return auction.Auction{
		AuctionID:     "AUC_1",
		LotID:         "LOT-1",
		Status:        auction.StatusActive,
		TotalCapacity: 1000,
		SoldCapacity:  250,
		StartPrice:    20,
		FloorPrice:    10,
		CurrentPrice:  19.5,
		LastUpdated:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPublisherWritesEventsKeyedByAuction(t *testing.T) {
	writer := &fakeWriter{failures: 1}
	p := newPublisher(writer, 16)
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	a := sampleAuction()
	p.AuctionCreated(ctx, a)
	p.AllocationAccepted(ctx, a, auction.Allocation{AllocationID: "ALC_1", AuctionID: a.AuctionID, CapacityPurchased: 250, PriceAtSale: 19.5})
	a.Status = auction.StatusCompleted
	p.AuctionClosed(ctx, a)

	require.Eventually(t, func() bool { return len(writer.written()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	var kinds []string
	for _, msg := range writer.written() {
		assert.Equal(t, "AUC_1", string(msg.Key))
		var event AuctionEvent
		require.NoError(t, json.Unmarshal(msg.Value, &event))
		kinds = append(kinds, event.Type)
		if event.Type == EventAllocationAccepted {
			require.NotNil(t, event.Allocation)
			assert.Equal(t, 250.0, event.Allocation.CapacityPurchased)
		}
	}
	assert.Equal(t, []string{EventAuctionCreated, EventAllocationAccepted, EventAuctionClosed}, kinds)
}

func TestPublisherDropsWhenQueueFull(t *testing.T) {
	p := newPublisher(&fakeWriter{}, 1)
	a := sampleAuction()

	p.AuctionCreated(context.Background(), a)
	p.AuctionClosed(context.Background(), a)
	assert.Len(t, p.queue, 1)
}

func TestPublisherFlushesOnShutdown(t *testing.T) {
	writer := &fakeWriter{}
	p := newPublisher(writer, 8)
	p.AuctionCreated(context.Background(), sampleAuction())
	p.AuctionClosed(context.Background(), sampleAuction())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)

	assert.Len(t, writer.written(), 2)
}
