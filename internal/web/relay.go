package web

import (
	"context"
	"sync"

	"github.com/justinabrahms/chesslive/internal/cache"
	"github.com/rs/zerolog"
)

// Relay forwards state updates published by other server instances to the
// local watchers of a game.
type Relay struct {
	cache  *cache.Cache
	hub    *Hub
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*cache.Subscription
}

// NewRelay creates a relay delivering to hub.
func NewRelay(c *cache.Cache, hub *Hub, logger zerolog.Logger) *Relay {
	return &Relay{
		cache:  c,
		hub:    hub,
		logger: logger,
		subs:   make(map[string]*cache.Subscription),
	}
}

// TrackGame subscribes to the game's update channel.
func (r *Relay) TrackGame(ctx context.Context, gameID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[gameID]; ok {
		return
	}

	sub, err := r.cache.Subscribe(ctx, gameID, r.handleEvent)
	if err != nil {
		r.logger.Warn().Err(err).Str("gameID", gameID).Msg("Failed to subscribe to game updates")
		return
	}
	r.subs[gameID] = sub
}

// UntrackGame drops the game's subscription.
func (r *Relay) UntrackGame(gameID string) {
	r.mu.Lock()
	sub, ok := r.subs[gameID]
	delete(r.subs, gameID)
	r.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Tracked reports whether gameID has a subscription.
func (r *Relay) Tracked(gameID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[gameID]
	return ok
}

// Close drops every subscription.
func (r *Relay) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*cache.Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (r *Relay) handleEvent(ev cache.Event) {
	// Our own writes were already broadcast by the handler that made them.
	if ev.Origin == r.cache.Origin() {
		return
	}

	switch ev.Type {
	case cache.EventGameStateUpdate:
		if ev.GameState == nil {
			return
		}
		frame, err := encode(TypeGameStateUpdate, GameStateData{GameState: *ev.GameState})
		if err != nil {
			r.logger.Error().Err(err).Str("gameID", ev.GameID).Msg("Failed to encode relayed update")
			return
		}
		r.hub.broadcast(ev.GameID, frame, "")
	case cache.EventGameDeleted:
		r.logger.Debug().Str("gameID", ev.GameID).Msg("Game deleted by another instance")
		frame, err := encode(TypeGameDeleted, GameDeletedData{GameID: ev.GameID})
		if err != nil {
			r.logger.Error().Err(err).Str("gameID", ev.GameID).Msg("Failed to encode relayed deletion")
			return
		}
		r.hub.broadcast(ev.GameID, frame, "")
	}
}
