package trade

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// EngineEvent is published when an order triggers or a trade settles, so
// persistence and notification consumers stay decoupled from the engine.
type EngineEvent struct {
	Type      string           `json:"type"`
	UserID    int64            `json:"userId"`
	OrderID   int64            `json:"orderId,omitempty"`
	TokenMint string           `json:"tokenMint"`
	Result    *ExecutionResult `json:"result,omitempty"`
	At        time.Time        `json:"at"`
}

const (
	EventOrderTriggered = "order_triggered"
	EventPositionPurged = "position_purged"
	EventTradeSettled   = "trade_settled"
)

type EventSink interface {
	Publish(ctx context.Context, event *EngineEvent) error
}

// RedisEventSink publishes engine events on a redis pub/sub channel.
type RedisEventSink struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisEventSink(client *redis.Client, pubChannel string) *RedisEventSink {
	return &RedisEventSink{
		client:     client,
		pubChannel: pubChannel,
	}
}

func (s *RedisEventSink) Publish(ctx context.Context, event *EngineEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.pubChannel, data).Err()
}

// ChannelEventSink delivers events to an in-process channel, dropping on a
// full buffer rather than blocking the monitor loop.
type ChannelEventSink struct {
	ch chan *EngineEvent
}

func NewChannelEventSink(buffer int) *ChannelEventSink {
	return &ChannelEventSink{ch: make(chan *EngineEvent, buffer)}
}

func (s *ChannelEventSink) Events() <-chan *EngineEvent { return s.ch }

func (s *ChannelEventSink) Publish(_ context.Context, event *EngineEvent) error {
	select {
	case s.ch <- event:
	default:
	}
	return nil
}
