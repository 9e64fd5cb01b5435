package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/ksred/klear-auction/internal/lot"
	"github.com/ksred/klear-auction/internal/types"
)

// ErrMalformedEvent marks a lot event that can never be applied.
var ErrMalformedEvent = errors.New("malformed lot event")

// LotApplier stores lot lifecycle records.
type LotApplier interface {
	Apply(ctx context.Context, record types.LotRecord) (*lot.Lot, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// LotEvent is the wire format of a lot lifecycle message.
type LotEvent struct {
	LotID            string     `json:"lot_id"`
	Name             string     `json:"name"`
	Capacity         *float64   `json:"capacity"`
	AvailabilityTime *time.Time `json:"availability_time"`
}

// DecodeLotEvent parses a lot lifecycle message.
func DecodeLotEvent(value []byte) (types.LotRecord, error) {
	var event LotEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return types.LotRecord{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.LotID == "" {
		return types.LotRecord{}, fmt.Errorf("%w: lot_id is required", ErrMalformedEvent)
	}
	if event.Capacity == nil {
		return types.LotRecord{}, fmt.Errorf("%w: capacity is required", ErrMalformedEvent)
	}
	return types.LotRecord{
		LotID:            event.LotID,
		Name:             event.Name,
		Capacity:         *event.Capacity,
		AvailabilityTime: event.AvailabilityTime,
	}, nil
}

// LotConsumer feeds lot lifecycle messages from Kafka into the lot registry.
// Messages are committed once handled; a message that cannot be applied is
// logged and skipped so it never blocks the partition.
type LotConsumer struct {
	reader      messageReader
	lots        LotApplier
	maxAttempts int
	backoff     time.Duration
	logger      zerolog.Logger
}

func NewLotConsumer(brokers []string, groupID, topic string, lots LotApplier) (*LotConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newLotConsumer(reader, lots), nil
}

func newLotConsumer(reader messageReader, lots LotApplier) *LotConsumer {
	return &LotConsumer{
		reader:      reader,
		lots:        lots,
		maxAttempts: 3,
		backoff:     200 * time.Millisecond,
		logger:      log.With().Str("component", "lot-consumer").Logger(),
	}
}

// Run consumes until ctx is cancelled.
func (c *LotConsumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("starting lot event consumer")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("shutting down lot event consumer")
				return nil
			}
			c.logger.Error().Err(err).Msg("failed to fetch lot event")
			if !sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit lot event")
		}
	}
}

// handle applies one message. Transient failures are retried a bounded number
// of times; the reconciler covers lots whose trigger was lost.
func (c *LotConsumer) handle(ctx context.Context, msg kafka.Message) {
	logger := c.logger.With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	record, err := DecodeLotEvent(msg.Value)
	if err != nil {
		logger.Warn().Err(err).Msg("skipping malformed lot event")
		return
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		_, err = c.lots.Apply(ctx, record)
		if err == nil {
			logger.Debug().Str("lot_id", record.LotID).Msg("lot event applied")
			return
		}
		if errors.Is(err, lot.ErrInvalidLot) {
			logger.Warn().Err(err).Str("lot_id", record.LotID).Msg("skipping invalid lot event")
			return
		}
		if !sleep(ctx, c.backoff*time.Duration(attempt)) {
			return
		}
	}

	logger.Error().
		Err(err).
		Str("lot_id", record.LotID).
		Int("attempts", c.maxAttempts).
		Msg("failed to apply lot event, skipping")
}

func (c *LotConsumer) Close() error {
	return c.reader.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
