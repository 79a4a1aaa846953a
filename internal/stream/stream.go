// Package stream publishes settlement events to Kafka for downstream
// consumers, keyed by symbol so each instrument stays ordered.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/reggieyam998/ctf-exchange/pkg/model"
	"github.com/segmentio/kafka-go"
)

const (
	EventTrade      = "trade"
	EventOrderState = "order_state"
)

// Envelope is the message value written to the topic.
type Envelope struct {
	V     int               `json:"v"`
	Type  string            `json:"type"`
	Trade *model.Trade      `json:"trade,omitempty"`
	Order *model.OrderState `json:"order,omitempty"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *Producer) Name() string { return "kafka" }

func (p *Producer) RecordTrade(ctx context.Context, trade model.Trade) error {
	return p.send(ctx, trade.Symbol, Envelope{V: 1, Type: EventTrade, Trade: &trade})
}

func (p *Producer) RecordOrderState(ctx context.Context, state model.OrderState) error {
	return p.send(ctx, state.Symbol, Envelope{V: 1, Type: EventOrderState, Order: &state})
}

func (p *Producer) send(ctx context.Context, symbol string, env Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(symbol),
		Value: value,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
