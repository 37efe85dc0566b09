package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/justinabrahms/chesslive/internal/chess"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	GameStateTTL   = time.Hour
	PlayerGameTTL  = time.Hour
	PresenceTTL    = time.Hour
	MatchmakingTTL = 10 * time.Minute
	SessionTTL     = 24 * time.Hour

	matchmakingKey = "matchmaking:queue"
	connectTimeout = 5 * time.Second
)

func gameKey(gameID string) string         { return "game:" + gameID }
func playersKey(gameID string) string      { return "game:" + gameID + ":players" }
func updatesChannel(gameID string) string  { return "game:" + gameID + ":updates" }
func playerGameKey(playerID string) string { return "player:" + playerID + ":game" }
func sessionKey(playerID string) string    { return "session:" + playerID }
func rateLimitKey(id string) string        { return "ratelimit:" + id }

// Session is the per-player blob written when a connection is established.
type Session struct {
	PlayerID    string    `json:"playerId"`
	ConnectedAt time.Time `json:"connectedAt"`
	Rating      int       `json:"rating,omitempty"`
	Guest       bool      `json:"guest"`
}

// Cache is the redis-backed snapshot store and event bus shared by every
// server instance.
type Cache struct {
	rdb    *redis.Client
	origin string
	logger zerolog.Logger
}

// Option configures the cache
type Option func(*Cache)

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithOrigin sets the instance id stamped on published events
func WithOrigin(origin string) Option {
	return func(c *Cache) {
		c.origin = origin
	}
}

// New wraps an existing client. Each Cache gets a random origin unless one is given.
func New(rdb *redis.Client, opts ...Option) *Cache {
	c := &Cache{
		rdb:    rdb,
		origin: uuid.NewString(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open connects to the redis server at url (redis://host:port/db) and pings it.
func Open(ctx context.Context, url string, opts ...Option) (*Cache, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(rdb, opts...), nil
}

// Origin returns the id this instance stamps on the events it publishes.
func (c *Cache) Origin() string {
	return c.origin
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// SetGameState stores the snapshot and announces it on the game's channel.
func (c *Cache) SetGameState(ctx context.Context, state chess.GameState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode game state: %w", err)
	}
	if err := c.rdb.Set(ctx, gameKey(state.GameID), data, GameStateTTL).Err(); err != nil {
		return fmt.Errorf("store game %s: %w", state.GameID, err)
	}
	return c.publish(ctx, Event{Type: EventGameStateUpdate, GameID: state.GameID, GameState: &state})
}

// GetGameState loads a snapshot. A missing or undecodable entry yields nil
// without an error.
func (c *Cache) GetGameState(ctx context.Context, gameID string) (*chess.GameState, error) {
	data, err := c.rdb.Get(ctx, gameKey(gameID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load game %s: %w", gameID, err)
	}

	var state chess.GameState
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.Warn().Err(err).Str("gameID", gameID).Msg("Discarding undecodable game snapshot")
		return nil, nil
	}
	if state.GameID == "" {
		state.GameID = gameID
	}
	return &state, nil
}

// DeleteGameState removes the snapshot and announces the deletion.
func (c *Cache) DeleteGameState(ctx context.Context, gameID string) error {
	if err := c.rdb.Del(ctx, gameKey(gameID), playersKey(gameID)).Err(); err != nil {
		return fmt.Errorf("delete game %s: %w", gameID, err)
	}
	return c.publish(ctx, Event{Type: EventGameDeleted, GameID: gameID})
}

// SetPlayerGame maps a player to the game they are seated in.
func (c *Cache) SetPlayerGame(ctx context.Context, playerID, gameID string) error {
	if err := c.rdb.Set(ctx, playerGameKey(playerID), gameID, PlayerGameTTL).Err(); err != nil {
		return fmt.Errorf("map player %s: %w", playerID, err)
	}
	return nil
}

// GetPlayerGame returns the player's game id, or "" if none is recorded.
func (c *Cache) GetPlayerGame(ctx context.Context, playerID string) (string, error) {
	gameID, err := c.rdb.Get(ctx, playerGameKey(playerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup player %s: %w", playerID, err)
	}
	return gameID, nil
}

// DeletePlayerGame forgets the player's game mapping.
func (c *Cache) DeletePlayerGame(ctx context.Context, playerID string) error {
	if err := c.rdb.Del(ctx, playerGameKey(playerID)).Err(); err != nil {
		return fmt.Errorf("unmap player %s: %w", playerID, err)
	}
	return nil
}

// AddPlayerToGame adds the player to the game's presence set.
func (c *Cache) AddPlayerToGame(ctx context.Context, gameID, playerID string) error {
	key := playersKey(gameID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, playerID)
		pipe.Expire(ctx, key, PresenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add %s to game %s: %w", playerID, gameID, err)
	}
	return nil
}

// RemovePlayerFromGame drops the player from the game's presence set.
func (c *Cache) RemovePlayerFromGame(ctx context.Context, gameID, playerID string) error {
	key := playersKey(gameID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, key, playerID)
		pipe.Expire(ctx, key, PresenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s from game %s: %w", playerID, gameID, err)
	}
	return nil
}

// GamePlayers lists the game's presence set.
func (c *Cache) GamePlayers(ctx context.Context, gameID string) ([]string, error) {
	players, err := c.rdb.SMembers(ctx, playersKey(gameID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list players of %s: %w", gameID, err)
	}
	return players, nil
}

// EnqueueForMatch puts the player on the rating-ordered matchmaking queue.
func (c *Cache) EnqueueForMatch(ctx context.Context, playerID string, rating int) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, matchmakingKey, redis.Z{Score: float64(rating), Member: playerID})
		pipe.Expire(ctx, matchmakingKey, MatchmakingTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", playerID, err)
	}
	return nil
}

// DequeueFromMatch removes the player from the matchmaking queue.
func (c *Cache) DequeueFromMatch(ctx context.Context, playerID string) error {
	if err := c.rdb.ZRem(ctx, matchmakingKey, playerID).Err(); err != nil {
		return fmt.Errorf("dequeue %s: %w", playerID, err)
	}
	return nil
}

// QueuedPlayers returns up to limit queued players rated within [minRating, maxRating], lowest first.
func (c *Cache) QueuedPlayers(ctx context.Context, minRating, maxRating, limit int) ([]string, error) {
	players, err := c.rdb.ZRangeByScore(ctx, matchmakingKey, &redis.ZRangeBy{
		Min:   fmt.Sprint(minRating),
		Max:   fmt.Sprint(maxRating),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list matchmaking queue: %w", err)
	}
	return players, nil
}

// SetSession stores the player's session blob.
func (c *Cache) SetSession(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := c.rdb.Set(ctx, sessionKey(s.PlayerID), data, SessionTTL).Err(); err != nil {
		return fmt.Errorf("store session %s: %w", s.PlayerID, err)
	}
	return nil
}

// GetSession loads the player's session blob, or nil if there is none.
func (c *Cache) GetSession(ctx context.Context, playerID string) (*Session, error) {
	data, err := c.rdb.Get(ctx, sessionKey(playerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", playerID, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", playerID, err)
	}
	return &s, nil
}

// DeleteSession removes the player's session blob.
func (c *Cache) DeleteSession(ctx context.Context, playerID string) error {
	if err := c.rdb.Del(ctx, sessionKey(playerID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", playerID, err)
	}
	return nil
}

// rateLimitScript increments the counter and arms its window in one step. A
// counter found without a TTL is re-armed so it cannot lock a player out.
var rateLimitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 or redis.call("PTTL", KEYS[1]) == -1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// CheckRateLimit counts one call against identifier in a fixed window and
// reports whether the call is within limit. The window starts with the first
// call and is not extended by later ones.
func (c *Cache) CheckRateLimit(ctx context.Context, identifier string, limit int, window time.Duration) (bool, error) {
	count, err := rateLimitScript.Run(ctx, c.rdb, []string{rateLimitKey(identifier)}, window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", identifier, err)
	}
	return count <= int64(limit), nil
}
