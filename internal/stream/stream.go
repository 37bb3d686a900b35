package stream

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"photoforge/backend/internal/lifecycle"
)

// Event kinds.
const (
	KindGeneration = "generation"
	KindTraining   = "training"
)

// Event is published whenever a generation or training changes state.
type Event struct {
	Kind   string           `json:"kind"`
	ID     uuid.UUID        `json:"id"`
	Status lifecycle.Status `json:"status"`
	Images []string         `json:"images,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func channelKey(userID uuid.UUID) string {
	return "user:" + userID.String() + ":generations"
}

// Publisher publishes user events to Redis (worker-side).
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// PublishUser is a no-op on a nil Publisher so workers run without Redis
// pub/sub; clients then fall back to polling.
func (p *Publisher) PublishUser(ctx context.Context, userID uuid.UUID, ev Event) error {
	if p == nil || p.rdb == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, channelKey(userID), b).Err()
}

// Subscriber receives user events from Redis (API-side).
type Subscriber struct {
	rdb *redis.Client
}

func NewSubscriber(rdb *redis.Client) *Subscriber {
	return &Subscriber{rdb: rdb}
}

// Subscribe streams the user's events until ctx ends or the returned stop
// func is called. Malformed messages are dropped.
func (s *Subscriber) Subscribe(ctx context.Context, userID uuid.UUID) (<-chan Event, func()) {
	out := make(chan Event, 16)
	if s == nil || s.rdb == nil {
		close(out)
		return out, func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	pubsub := s.rdb.Subscribe(ctx, channelKey(userID))
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, ok := decode(msg.Payload)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancel
}

func decode(payload string) (Event, bool) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.ID == uuid.Nil {
		return Event{}, false
	}
	return ev, true
}
