// Package events publishes market lifecycle events to Kafka for downstream
// consumers (indexers, risk, analytics). Publishing is best-effort: a broker
// outage never fails the trading operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Event types emitted by the market pipeline.
const (
	TypeOrderPlaced     = "order.placed"
	TypeOrderFilled     = "order.filled"
	TypeOrderCancelled  = "order.cancelled"
	TypeOrderModified   = "order.modified"
	TypeOrderExpired    = "order.expired"
	TypeEpochRolledOver = "epoch.rolled_over"
)

// Event is the envelope written to the market's topic. Payload carries the
// type-specific body.
type Event struct {
	Type      string          `json:"type"`
	Market    string          `json:"market"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// FillPayload describes one executed fill.
type FillPayload struct {
	MakerOrderID string          `json:"maker_order_id"`
	Maker        uuid.UUID       `json:"maker"`
	Taker        uuid.UUID       `json:"taker"`
	Price        decimal.Decimal `json:"price"`
	BaseQty      decimal.Decimal `json:"base_qty"`
	QuoteQty     decimal.Decimal `json:"quote_qty"`
	MakerFee     decimal.Decimal `json:"maker_fee"`
	TakerFee     decimal.Decimal `json:"taker_fee"`
	Epoch        uint64          `json:"epoch"`
}

// OrderPayload describes an order lifecycle transition.
type OrderPayload struct {
	OrderID  string          `json:"order_id"`
	Owner    uuid.UUID       `json:"owner"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// EpochPayload describes an epoch rollover.
type EpochPayload struct {
	Epoch             uint64          `json:"epoch"`
	TotalVolume       decimal.Decimal `json:"total_volume"`
	FeesCollected     decimal.Decimal `json:"fees_collected"`
	FeeAssetCollected decimal.Decimal `json:"fee_asset_collected"`
	RebatesPaid       decimal.Decimal `json:"rebates_paid"`
	Burned            decimal.Decimal `json:"burned"`
	ParamsChanged     bool            `json:"params_changed"`
}

// Publisher emits market events. Implementations must not block trading:
// failures are logged and dropped.
type Publisher interface {
	Publish(ctx context.Context, typ, market string, payload any)
	Close() error
}

// KafkaPublisher writes events to a single topic keyed by market symbol, so
// one market's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *zap.Logger
}

// NewKafka creates a publisher against the given brokers and topic.
func NewKafka(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		log: log,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, typ, market string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("event payload marshal failed", zap.String("type", typ), zap.Error(err))
		return
	}
	ev := Event{Type: typ, Market: market, Timestamp: time.Now().UTC(), Payload: body}
	msg, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("event marshal failed", zap.String("type", typ), zap.Error(err))
		return
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(market), Value: msg}); err != nil {
		p.log.Warn("event publish failed", zap.String("type", typ), zap.Error(err))
	}
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// Nop discards every event. Used in tests and when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) {}
func (Nop) Close() error                                 { return nil }
