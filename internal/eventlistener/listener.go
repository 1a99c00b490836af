// Package eventlistener feeds events published on a Redis channel into the
// workflow event triggers.
package eventlistener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ronappleton/flowengine/internal/metrics"
	"github.com/ronappleton/flowengine/internal/workflow"
)

// Dispatcher starts the workflows bound to an event.
type Dispatcher interface {
	TriggerEvent(ctx context.Context, eventName string, data workflow.Values) ([]workflow.ExecutionResult, error)
}

type Listener struct {
	client     *redis.Client
	channel    string
	dispatcher Dispatcher
	logger     *zap.Logger
	retryDelay time.Duration
}

func New(client *redis.Client, channel string, dispatcher Dispatcher, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		client:     client,
		channel:    channel,
		dispatcher: dispatcher,
		logger:     logger,
		retryDelay: time.Second,
	}
}

// Run consumes the channel until ctx is cancelled, resubscribing after
// connection failures.
func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := l.consume(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			l.logger.Warn("event listener subscription failed; retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.retryDelay):
			}
		}
	}
}

func (l *Listener) consume(ctx context.Context) error {
	sub := l.client.Subscribe(ctx, l.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	l.logger.Info("event listener subscribed", zap.String("channel", l.channel))

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		l.handle(ctx, msg.Payload)
	}
}

func (l *Listener) handle(ctx context.Context, raw string) {
	env, err := decodeEnvelope([]byte(raw))
	if err != nil {
		metrics.RecordEvent("invalid")
		l.logger.Warn("event listener dropped invalid event", zap.Error(err))
		return
	}
	results, err := l.dispatcher.TriggerEvent(ctx, env.Type, env.Payload)
	if err != nil {
		metrics.RecordEvent("error")
		l.logger.Warn("event dispatch failed", zap.String("event", env.Type), zap.Error(err))
		return
	}
	metrics.RecordEvent("dispatched")
	l.logger.Info("event dispatched", zap.String("event", env.Type), zap.Int("started", len(results)))
}

type envelope struct {
	Type    string
	Payload workflow.Values
}

// decodeEnvelope accepts {"type"|"event_type": ..., "payload": {...}}. Without
// a payload object the whole message is the event data.
func decodeEnvelope(raw []byte) (envelope, error) {
	if len(raw) == 0 {
		return envelope{}, fmt.Errorf("empty payload")
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return envelope{}, fmt.Errorf("decode event: %w", err)
	}
	value := envelope{}
	if kind, ok := fields["type"].(string); ok {
		value.Type = kind
	}
	if value.Type == "" {
		if hint, ok := fields["event_type"].(string); ok {
			value.Type = hint
		}
	}
	if value.Type == "" {
		return envelope{}, fmt.Errorf("missing event type")
	}
	data, ok := fields["payload"].(map[string]any)
	if !ok {
		data = fields
	}
	payload, err := workflow.ValuesFrom(data)
	if err != nil {
		return envelope{}, fmt.Errorf("event payload: %w", err)
	}
	value.Payload = payload
	return value, nil
}
