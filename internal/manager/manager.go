// Package manager owns the live games of one server process. Every operation
// on a game runs under that game's lock; snapshots go to the cache before a
// call returns and store writes are queued behind it.
package manager

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/justinabrahms/chesslive/internal/chess"
	"github.com/justinabrahms/chesslive/internal/store"
	"github.com/rs/zerolog"
)

// ErrGameNotFound is returned when a game is neither live nor cached.
var ErrGameNotFound = errors.New("Game not found")

// Cache is the snapshot store the manager writes through to.
type Cache interface {
	SetGameState(ctx context.Context, state chess.GameState) error
	GetGameState(ctx context.Context, gameID string) (*chess.GameState, error)
	DeleteGameState(ctx context.Context, gameID string) error
	SetPlayerGame(ctx context.Context, playerID, gameID string) error
	GetPlayerGame(ctx context.Context, playerID string) (string, error)
	DeletePlayerGame(ctx context.Context, playerID string) error
	AddPlayerToGame(ctx context.Context, gameID, playerID string) error
	RemovePlayerFromGame(ctx context.Context, gameID, playerID string) error
}

// Queue receives the store writes that follow each operation.
type Queue interface {
	EnqueueGameCreation(seat store.Seat)
	EnqueuePlayerJoin(seat store.Seat)
	EnqueueMove(rec store.MoveRecord)
	EnqueueGameEnd(end store.GameEnd)
	EnqueueStatusUpdate(gameID string, status chess.GameStatus)
	EnqueueGameDeletion(gameID string)
	Drain(ctx context.Context) error
}

type entry struct {
	mu      sync.Mutex
	game    *chess.Game
	removed bool
}

// GameManager is the registry of live games and of which game each player is in.
type GameManager struct {
	cache  Cache
	queue  Queue
	logger zerolog.Logger
	newID  func() string

	mu      sync.RWMutex
	games   map[string]*entry
	players map[string]string
}

// Option configures the manager
type Option func(*GameManager)

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) Option {
	return func(m *GameManager) {
		m.logger = logger
	}
}

// WithIDGenerator replaces the game id generator
func WithIDGenerator(fn func() string) Option {
	return func(m *GameManager) {
		m.newID = fn
	}
}

// New creates a manager backed by cache and queue.
func New(cache Cache, queue Queue, opts ...Option) *GameManager {
	m := &GameManager{
		cache:   cache,
		queue:   queue,
		logger:  zerolog.Nop(),
		newID:   func() string { return "game_" + uuid.NewString() },
		games:   make(map[string]*entry),
		players: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateGame starts a new game with playerID as WHITE. A player already in
// another game leaves it first.
func (m *GameManager) CreateGame(ctx context.Context, playerID string) chess.GameState {
	if existing := m.localPlayerGame(playerID); existing != "" {
		m.RemovePlayerFromGame(ctx, playerID, existing)
	}

	gameID := m.newID()
	game := chess.NewGame(gameID)
	color, _ := game.AddPlayer(playerID)
	e := &entry{game: game}

	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.Lock()
	m.games[gameID] = e
	m.players[playerID] = gameID
	m.mu.Unlock()

	state := game.State()
	m.saveState(ctx, state)
	m.seat(ctx, gameID, playerID)
	m.queue.EnqueueGameCreation(store.Seat{GameID: gameID, PlayerID: playerID, Color: color})

	m.logger.Info().Str("gameID", gameID).Str("playerID", playerID).Msg("Game created")
	return state
}

// JoinGame seats playerID in gameID, restoring the game from the cache if it
// is not live. Joining a game the player already sits in returns its state.
func (m *GameManager) JoinGame(ctx context.Context, playerID, gameID string) (chess.GameState, error) {
	if existing := m.localPlayerGame(playerID); existing != "" && existing != gameID {
		m.RemovePlayerFromGame(ctx, playerID, existing)
	}

	var state chess.GameState
	err := m.withGame(ctx, gameID, func(g *chess.Game) error {
		_, seated := g.ColorOf(playerID)
		color, err := g.AddPlayer(playerID)
		if err != nil {
			return err
		}

		m.mu.Lock()
		m.players[playerID] = gameID
		m.mu.Unlock()

		state = g.State()
		m.saveState(ctx, state)
		m.seat(ctx, gameID, playerID)
		if !seated {
			m.queue.EnqueuePlayerJoin(store.Seat{GameID: gameID, PlayerID: playerID, Color: color})
		}
		return nil
	})
	if err != nil {
		return chess.GameState{}, err
	}

	m.logger.Info().Str("gameID", gameID).Str("playerID", playerID).Msg("Player joined game")
	return state, nil
}

// MakeMove plays from→to in gameID for playerID. Rule violations come back
// as chess.Rejection errors.
func (m *GameManager) MakeMove(ctx context.Context, playerID, gameID string, from, to chess.Position) (*chess.Move, chess.GameState, error) {
	var (
		move  *chess.Move
		state chess.GameState
	)
	err := m.withGame(ctx, gameID, func(g *chess.Game) error {
		var err error
		move, err = g.MakeMove(playerID, from, to)
		if err != nil {
			return err
		}

		state = g.State()
		m.saveState(ctx, state)
		m.queue.EnqueueMove(store.MoveRecord{GameID: gameID, PlayerID: playerID, Move: *move})
		if state.GameStatus == chess.StatusCheckmate || state.GameStatus == chess.StatusStalemate {
			m.queue.EnqueueGameEnd(store.GameEnd{GameID: gameID, Status: state.GameStatus, Winner: state.Winner})
			m.logger.Info().
				Str("gameID", gameID).
				Str("status", string(state.GameStatus)).
				Str("winner", state.Winner).
				Msg("Game ended")
		}
		return nil
	})
	if err != nil {
		return nil, chess.GameState{}, err
	}
	return move, state, nil
}

// GetValidMoves lists the legal destinations of playerID's piece on pos. An
// unknown game has none.
func (m *GameManager) GetValidMoves(ctx context.Context, playerID, gameID string, pos chess.Position) []chess.Position {
	moves := []chess.Position{}
	m.withGame(ctx, gameID, func(g *chess.Game) error {
		moves = g.ValidMoves(playerID, pos)
		return nil
	})
	return moves
}

// GetGameState returns the live snapshot of gameID, falling back to the
// cached one without making the game live.
func (m *GameManager) GetGameState(ctx context.Context, gameID string) (chess.GameState, error) {
	if e := m.live(gameID); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.removed {
			return e.game.State(), nil
		}
	}

	cached, err := m.cache.GetGameState(ctx, gameID)
	if err != nil {
		m.logger.Warn().Err(err).Str("gameID", gameID).Msg("Failed to load cached game")
	}
	if cached == nil {
		return chess.GameState{}, ErrGameNotFound
	}
	return *cached, nil
}

// GetPlayerGame returns the game playerID sits in, or "".
func (m *GameManager) GetPlayerGame(ctx context.Context, playerID string) string {
	if gameID := m.localPlayerGame(playerID); gameID != "" {
		return gameID
	}
	gameID, err := m.cache.GetPlayerGame(ctx, playerID)
	if err != nil {
		m.logger.Warn().Err(err).Str("playerID", playerID).Msg("Failed to look up player game")
		return ""
	}
	return gameID
}

// RemovePlayerFromGame vacates playerID's seat in gameID, or in the player's
// current game when gameID is "". A game left with no players is deleted.
func (m *GameManager) RemovePlayerFromGame(ctx context.Context, playerID, gameID string) {
	if gameID == "" {
		gameID = m.GetPlayerGame(ctx, playerID)
		if gameID == "" {
			return
		}
	}

	err := m.withGame(ctx, gameID, func(g *chess.Game) error {
		g.RemovePlayer(playerID)
		if g.Empty() {
			m.deleteLocked(ctx, gameID)
			return nil
		}
		m.saveState(ctx, g.State())
		if err := m.cache.RemovePlayerFromGame(ctx, gameID, playerID); err != nil {
			m.logger.Warn().Err(err).Str("gameID", gameID).Str("playerID", playerID).Msg("Failed to update presence")
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrGameNotFound) {
		m.logger.Warn().Err(err).Str("gameID", gameID).Str("playerID", playerID).Msg("Failed to remove player")
	}

	m.mu.Lock()
	current, mapped := m.players[playerID]
	if current == gameID {
		delete(m.players, playerID)
	}
	m.mu.Unlock()

	if !mapped || current == gameID {
		if err := m.cache.DeletePlayerGame(ctx, playerID); err != nil {
			m.logger.Warn().Err(err).Str("playerID", playerID).Msg("Failed to clear player game")
		}
	}
	m.logger.Info().Str("gameID", gameID).Str("playerID", playerID).Msg("Player left game")
}

// Shutdown queues the status of every live game and drains the queue.
func (m *GameManager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.games))
	for _, e := range m.games {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			m.queue.EnqueueStatusUpdate(e.game.ID, e.game.Status())
		}
		e.mu.Unlock()
	}
	return m.queue.Drain(ctx)
}

// GameCount returns the number of live games.
func (m *GameManager) GameCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.games)
}

func (m *GameManager) live(gameID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.games[gameID]
}

func (m *GameManager) localPlayerGame(playerID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.players[playerID]
}

// lookup returns the live entry for gameID, restoring it from the cache when
// needed. The cache is read without holding the registry lock; if another
// caller restored the game first its entry wins.
func (m *GameManager) lookup(ctx context.Context, gameID string) (*entry, error) {
	if e := m.live(gameID); e != nil {
		return e, nil
	}

	cached, err := m.cache.GetGameState(ctx, gameID)
	if err != nil {
		m.logger.Warn().Err(err).Str("gameID", gameID).Msg("Failed to load cached game")
	}
	if cached == nil {
		return nil, ErrGameNotFound
	}
	game := chess.RestoreGame(*cached)
	game.ID = gameID

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.games[gameID]; ok {
		return e, nil
	}
	e := &entry{game: game}
	m.games[gameID] = e
	m.logger.Info().Str("gameID", gameID).Int("moves", len(cached.MoveHistory)).Msg("Restored game from cache")
	return e, nil
}

// withGame runs fn with gameID's lock held.
func (m *GameManager) withGame(ctx context.Context, gameID string, fn func(g *chess.Game) error) error {
	for {
		e, err := m.lookup(ctx, gameID)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.removed {
			// Deleted while we waited. Look again: the cache decides.
			e.mu.Unlock()
			continue
		}
		err = fn(e.game)
		e.mu.Unlock()
		return err
	}
}

// deleteLocked drops gameID everywhere. The caller holds the game's lock.
func (m *GameManager) deleteLocked(ctx context.Context, gameID string) {
	m.mu.Lock()
	if e, ok := m.games[gameID]; ok {
		e.removed = true
		delete(m.games, gameID)
	}
	m.mu.Unlock()

	if err := m.cache.DeleteGameState(ctx, gameID); err != nil {
		m.logger.Warn().Err(err).Str("gameID", gameID).Msg("Failed to delete cached game")
	}
	m.queue.EnqueueGameDeletion(gameID)
	m.logger.Info().Str("gameID", gameID).Msg("Game deleted")
}

func (m *GameManager) saveState(ctx context.Context, state chess.GameState) {
	if err := m.cache.SetGameState(ctx, state); err != nil {
		m.logger.Warn().Err(err).Str("gameID", state.GameID).Msg("Failed to cache game state")
	}
}

func (m *GameManager) seat(ctx context.Context, gameID, playerID string) {
	if err := m.cache.SetPlayerGame(ctx, playerID, gameID); err != nil {
		m.logger.Warn().Err(err).Str("playerID", playerID).Msg("Failed to cache player game")
	}
	if err := m.cache.AddPlayerToGame(ctx, gameID, playerID); err != nil {
		m.logger.Warn().Err(err).Str("gameID", gameID).Str("playerID", playerID).Msg("Failed to update presence")
	}
}
