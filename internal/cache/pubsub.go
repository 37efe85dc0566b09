package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/justinabrahms/chesslive/internal/chess"
	"github.com/redis/go-redis/v9"
)

// EventType names a change published on a game's channel.
type EventType string

const (
	EventGameStateUpdate EventType = "GAME_STATE_UPDATE"
	EventGameDeleted     EventType = "GAME_DELETED"
)

// Event is the payload published on game:{id}:updates.
type Event struct {
	Type      EventType        `json:"type"`
	GameID    string           `json:"gameId"`
	GameState *chess.GameState `json:"gameState,omitempty"`
	Origin    string           `json:"origin,omitempty"`
}

// EventHandler receives decoded events. It runs on the subscription's goroutine.
type EventHandler func(Event)

func (c *Cache) publish(ctx context.Context, ev Event) error {
	ev.Origin = c.origin
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := c.rdb.Publish(ctx, updatesChannel(ev.GameID), data).Err(); err != nil {
		return fmt.Errorf("publish %s for %s: %w", ev.Type, ev.GameID, err)
	}
	return nil
}

// Subscription delivers events for one game until closed.
type Subscription struct {
	GameID string

	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
}

// Subscribe listens on the game's channel. It returns once redis has
// confirmed the subscription. Payloads that do not decode are dropped.
func (c *Cache) Subscribe(ctx context.Context, gameID string, handler EventHandler) (*Subscription, error) {
	ps := c.rdb.Subscribe(ctx, updatesChannel(gameID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", gameID, err)
	}

	sub := &Subscription{GameID: gameID, ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil || ev.Type == "" {
				c.logger.Warn().Err(err).Str("gameID", gameID).Msg("Dropping malformed game event")
				continue
			}
			handler(ev)
		}
	}()
	return sub, nil
}

// Close stops delivery and waits for the handler goroutine to exit.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		<-s.done
	})
	return err
}
