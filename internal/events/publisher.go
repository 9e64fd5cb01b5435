package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/ksred/klear-auction/internal/auction"
)

// Auction event types published to the auction topic.
const (
	EventAuctionCreated     = "auction.created"
	EventAllocationAccepted = "auction.allocation_accepted"
	EventAuctionClosed      = "auction.closed"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AuctionEvent is the payload published for every auction lifecycle change.
type AuctionEvent struct {
	Type          string           `json:"type"`
	AuctionID     string           `json:"auction_id"`
	LotID         string           `json:"lot_id"`
	Status        auction.Status   `json:"status"`
	TotalCapacity float64          `json:"total_capacity"`
	SoldCapacity  float64          `json:"sold_capacity"`
	CurrentPrice  float64          `json:"current_price"`
	FloorPrice    float64          `json:"floor_price"`
	EndTime       time.Time        `json:"end_time"`
	Allocation    *AllocationEvent `json:"allocation,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// AllocationEvent describes an accepted bid.
type AllocationEvent struct {
	AllocationID      string    `json:"allocation_id"`
	ClaimantID        string    `json:"claimant_id,omitempty"`
	CapacityPurchased float64   `json:"capacity_purchased"`
	PriceAtSale       float64   `json:"price_at_sale"`
	SoldAt            time.Time `json:"sold_at"`
	IsFinal           bool      `json:"is_final"`
}

// Publisher implements auction.Notifier on top of a Kafka writer. Events are
// queued and written by Run so bid acceptance never waits on the broker; when
// the queue is full the event is dropped and logged.
type Publisher struct {
	writer       messageWriter
	queue        chan kafka.Message
	maxAttempts  int
	backoff      time.Duration
	writeTimeout time.Duration
	logger       zerolog.Logger
}

var _ auction.Notifier = (*Publisher)(nil)

func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newPublisher(writer, 1024), nil
}

func newPublisher(writer messageWriter, buffer int) *Publisher {
	return &Publisher{
		writer:       writer,
		queue:        make(chan kafka.Message, buffer),
		maxAttempts:  3,
		backoff:      100 * time.Millisecond,
		writeTimeout: 5 * time.Second,
		logger:       log.With().Str("component", "auction-publisher").Logger(),
	}
}

func (p *Publisher) AuctionCreated(_ context.Context, a auction.Auction) {
	p.enqueue(newAuctionEvent(EventAuctionCreated, a))
}

func (p *Publisher) AllocationAccepted(_ context.Context, a auction.Auction, al auction.Allocation) {
	event := newAuctionEvent(EventAllocationAccepted, a)
	event.Allocation = &AllocationEvent{
		AllocationID:      al.AllocationID,
		ClaimantID:        al.ClaimantID,
		CapacityPurchased: al.CapacityPurchased,
		PriceAtSale:       al.PriceAtSale,
		SoldAt:            al.SoldAt,
		IsFinal:           al.IsFinal,
	}
	event.OccurredAt = al.SoldAt
	p.enqueue(event)
}

func (p *Publisher) AuctionClosed(_ context.Context, a auction.Auction) {
	p.enqueue(newAuctionEvent(EventAuctionClosed, a))
}

func newAuctionEvent(eventType string, a auction.Auction) AuctionEvent {
	return AuctionEvent{
		Type:          eventType,
		AuctionID:     a.AuctionID,
		LotID:         a.LotID,
		Status:        a.Status,
		TotalCapacity: a.TotalCapacity,
		SoldCapacity:  a.SoldCapacity,
		CurrentPrice:  a.CurrentPrice,
		FloorPrice:    a.FloorPrice,
		EndTime:       a.EndTime,
		OccurredAt:    a.LastUpdated,
	}
}

func (p *Publisher) enqueue(event AuctionEvent) {
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("type", event.Type).Msg("failed to encode auction event")
		return
	}

	msg := kafka.Message{
		Key:   []byte(event.AuctionID),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}

	select {
	case p.queue <- msg:
	default:
		p.logger.Warn().
			Str("type", event.Type).
			Str("auction_id", event.AuctionID).
			Msg("event queue full, dropping auction event")
	}
}

// Run writes queued events until ctx is cancelled, then flushes what is left.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info().Msg("starting auction event publisher")
	for {
		select {
		case msg := <-p.queue:
			p.write(ctx, msg)
		case <-ctx.Done():
			p.flush()
			p.logger.Info().Msg("shutting down auction event publisher")
			return
		}
	}
}

func (p *Publisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			p.write(ctx, msg)
		default:
			return
		}
	}
}

func (p *Publisher) write(ctx context.Context, msg kafka.Message) {
	var lastErr error
	backoff := p.backoff

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return
		}
		lastErr = err

		if attempt < p.maxAttempts && !sleep(ctx, backoff) {
			break
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	p.logger.Error().
		Err(lastErr).
		Str("auction_id", string(msg.Key)).
		Int("attempts", p.maxAttempts).
		Msg("failed to publish auction event")
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
