package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/markdave123-py/contractdocs/internal/core"
)

const eventSource = "contractdocs/ingestion"

var (
	_ core.Notifier = (*RedisPublisher)(nil)
	_ core.Notifier = (*LogNotifier)(nil)
)

// eventPayload is the CloudEvents data section.
type eventPayload struct {
	DocumentID string         `json:"documentId"`
	Title      string         `json:"title"`
	UserID     string         `json:"userId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Encode renders evt as a structured-mode CloudEvent.
func Encode(evt core.Event, now time.Time) ([]byte, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(uuid.NewString())
	ce.SetSource(eventSource)
	ce.SetType(evt.Type)
	ce.SetSubject(evt.DocumentID)
	ce.SetTime(now)
	if err := ce.SetData(cloudevents.ApplicationJSON, eventPayload{
		DocumentID: evt.DocumentID,
		Title:      evt.Title,
		UserID:     evt.UserID,
		Data:       evt.Data,
	}); err != nil {
		return nil, fmt.Errorf("set event data: %w", err)
	}
	if err := ce.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return json.Marshal(ce)
}

// RedisPublisher publishes CloudEvents on a Redis pub/sub channel for the real-time gateway.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

func NewRedisPublisher(ctx context.Context, addr, password string, db int, channel string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisPublisher{client: client, channel: channel, timeout: 2 * time.Second}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, evt core.Event) error {
	body, err := Encode(evt, time.Now())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// LogNotifier writes events to the log. Used when no bus is configured.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Publish(ctx context.Context, evt core.Event) error {
	n.log.Info("notification",
		zap.String("type", evt.Type),
		zap.String("document_id", evt.DocumentID),
		zap.String("title", evt.Title),
		zap.String("user_id", evt.UserID),
		zap.Any("data", evt.Data),
	)
	return nil
}

// Emit publishes evt and only logs a failure; notifications never fail the pipeline.
func Emit(ctx context.Context, n core.Notifier, log *zap.Logger, evt core.Event) {
	if n == nil {
		return
	}
	if err := n.Publish(ctx, evt); err != nil {
		log.Warn("notification dropped",
			zap.String("type", evt.Type),
			zap.String("document_id", evt.DocumentID),
			zap.Error(err),
		)
	}
}
