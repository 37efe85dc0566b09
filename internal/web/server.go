package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/justinabrahms/chesslive/internal/app"
	"github.com/justinabrahms/chesslive/internal/cache"
	"github.com/justinabrahms/chesslive/internal/chess"
	"github.com/justinabrahms/chesslive/internal/config"
	"github.com/justinabrahms/chesslive/internal/manager"
	"github.com/rs/zerolog"
)

const handlerTimeout = 10 * time.Second

// Server is the websocket front end of the game manager.
type Server struct {
	app    *app.App
	cfg    *config.Config
	hub    *Hub
	relay  *Relay
	logger zerolog.Logger

	// serializes room membership changes with relay subscriptions
	roomMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a server and starts its heartbeat.
func NewServer(a *app.App, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		app:    a,
		cfg:    a.Config,
		hub:    NewHub(),
		logger: zerolog.Nop(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.relay = NewRelay(a.Cache, s.hub, s.logger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeat(ctx)
	}()
	return s
}

// Hub exposes connection bookkeeping.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Shutdown stops the heartbeat and closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	for _, c := range s.hub.snapshot() {
		c.close()
	}
	s.relay.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleWebSocket upgrades /ws?playerId=...[&token=...] requests.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	playerID := query.Get("playerId")
	if playerID == "" {
		http.Error(w, "Missing playerId parameter", http.StatusBadRequest)
		return
	}

	session := cache.Session{
		PlayerID:    playerID,
		ConnectedAt: time.Now().UTC(),
		Guest:       strings.HasPrefix(playerID, s.cfg.WebSocket.GuestPrefix),
	}
	if s.app.Verifier != nil {
		claims, err := s.app.Verifier.Authenticate(query.Get("token"), playerID)
		if err != nil {
			s.logger.Info().Err(err).Str("playerID", playerID).Msg("Rejected connection")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		session.Rating = claims.Rating
	}

	if !s.allow(r.Context(), "connect:"+playerID, s.cfg.RateLimit.Connect) {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	c := newClient(s, conn, session)
	if old := s.hub.register(c); old != nil {
		s.logger.Info().Str("playerID", playerID).Msg("Replacing existing connection")
		old.close()
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		s.establish(c)
		c.readPump()
	}()

	s.logger.Info().Str("playerID", playerID).Bool("guest", session.Guest).Msg("Client connected")
}

// establish records the session, puts a reconnecting player back into their
// game and greets the client.
func (s *Server) establish(c *Client) {
	ctx, cancel := context.WithTimeout(s.ctx, handlerTimeout)
	defer cancel()

	if err := s.app.Cache.SetSession(ctx, c.session); err != nil {
		s.logger.Warn().Err(err).Str("playerID", c.playerID).Msg("Failed to store session")
	}
	s.restoreSession(ctx, c)
	c.sendMessage(TypeConnectionEstablished, ConnectionEstablishedData{PlayerID: c.playerID, Timestamp: nowMillis()})
}

func (s *Server) restoreSession(ctx context.Context, c *Client) {
	gameID := s.app.Games.GetPlayerGame(ctx, c.playerID)
	if gameID == "" {
		return
	}
	state, err := s.app.Games.GetGameState(ctx, gameID)
	if err != nil {
		if errors.Is(err, manager.ErrGameNotFound) {
			s.logger.Debug().Str("playerID", c.playerID).Str("gameID", gameID).Msg("Dropping stale game mapping")
			if err := s.app.Cache.DeletePlayerGame(ctx, c.playerID); err != nil {
				s.logger.Warn().Err(err).Str("playerID", c.playerID).Msg("Failed to clear player game")
			}
		}
		return
	}
	c.gameID = gameID
	s.joinRoom(gameID, c.playerID)
	c.sendMessage(TypeGameRestored, GameStateData{GameState: state})
}

func (s *Server) disconnect(c *Client) {
	c.close()
	if !s.hub.unregister(c) {
		// Replaced by a newer connection for the same player.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if c.gameID != "" {
		if c.guest {
			s.app.Games.RemovePlayerFromGame(ctx, c.playerID, c.gameID)
		}
		s.leaveRoom(c.gameID, c.playerID)
		s.broadcast(c.gameID, TypePlayerDisconnected, PlayerDisconnectedData{PlayerID: c.playerID}, "")
	}
	s.logger.Info().Str("playerID", c.playerID).Msg("Client disconnected")
}

// allow counts one call against a rate limit. The limiter fails open.
func (s *Server) allow(ctx context.Context, key string, limit int) bool {
	ok, err := s.app.Cache.CheckRateLimit(ctx, key, limit, s.cfg.RateLimit.Window)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Rate limiter unavailable")
		return true
	}
	return ok
}

func (s *Server) joinRoom(gameID, playerID string) {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	if s.hub.join(gameID, playerID) {
		s.relay.TrackGame(s.ctx, gameID)
	}
}

func (s *Server) leaveRoom(gameID, playerID string) {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	if s.hub.leave(gameID, playerID) {
		s.relay.UntrackGame(gameID)
	}
}

func (s *Server) broadcast(gameID string, t MessageType, data any, exclude string) {
	frame, err := encode(t, data)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(t)).Msg("Failed to encode message")
		return
	}
	s.hub.broadcast(gameID, frame, exclude)
}

func (s *Server) handleMessage(c *Client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		c.sendError("Invalid message format")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, handlerTimeout)
	defer cancel()

	if !s.allow(ctx, "msg:"+c.playerID+":"+string(msg.Type), s.cfg.RateLimit.MessageLimit(string(msg.Type))) {
		c.sendError("Rate limit exceeded for message type")
		return
	}

	switch msg.Type {
	case TypeCreateGame:
		s.handleCreateGame(ctx, c)
	case TypeJoinGame:
		var d JoinGameData
		if !decode(c, msg.Data, &d) {
			return
		}
		s.handleJoinGame(ctx, c, d)
	case TypeMakeMove:
		var d MakeMoveData
		if !decode(c, msg.Data, &d) {
			return
		}
		s.handleMakeMove(ctx, c, d)
	case TypeGetValidMoves:
		var d GetValidMovesData
		if !decode(c, msg.Data, &d) {
			return
		}
		s.handleGetValidMoves(ctx, c, d)
	case TypeGetGameState:
		s.handleGetGameState(ctx, c)
	case TypeLeaveGame:
		s.handleLeaveGame(ctx, c)
	case TypeChatMessage:
		var d ChatMessageData
		if !decode(c, msg.Data, &d) {
			return
		}
		s.handleChatMessage(c, d)
	default:
		c.sendError("Unknown message type")
	}
}

func decode(c *Client, raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.sendError("Invalid message format")
		return false
	}
	return true
}

// errorText maps an error to what the client sees.
func errorText(err error, fallback string) string {
	var rejection chess.Rejection
	if errors.As(err, &rejection) || errors.Is(err, manager.ErrGameNotFound) {
		return err.Error()
	}
	return fallback
}

// switchGame moves c's room membership to gameID.
func (s *Server) switchGame(c *Client, gameID string) {
	if prev := c.gameID; prev != "" && prev != gameID {
		s.leaveRoom(prev, c.playerID)
		s.broadcast(prev, TypePlayerLeft, PlayerLeftData{PlayerID: c.playerID}, c.playerID)
	}
	c.gameID = gameID
	s.joinRoom(gameID, c.playerID)
}

func (s *Server) handleCreateGame(ctx context.Context, c *Client) {
	state := s.app.Games.CreateGame(ctx, c.playerID)
	s.switchGame(c, state.GameID)
	c.sendMessage(TypeGameCreated, GameCreatedData{GameID: state.GameID, GameState: state})
}

func (s *Server) handleJoinGame(ctx context.Context, c *Client, d JoinGameData) {
	if d.GameID == "" {
		c.sendError("Missing gameId")
		return
	}
	state, err := s.app.Games.JoinGame(ctx, c.playerID, d.GameID)
	if err != nil {
		c.sendError(errorText(err, "Failed to join game"))
		return
	}
	s.switchGame(c, d.GameID)
	s.broadcast(d.GameID, TypePlayerJoined, PlayerJoinedData{PlayerID: c.playerID, GameState: state}, "")
}

func (s *Server) handleMakeMove(ctx context.Context, c *Client, d MakeMoveData) {
	if c.gameID == "" {
		c.sendError("Not in a game")
		return
	}
	gameID := c.gameID
	move, state, err := s.app.Games.MakeMove(ctx, c.playerID, gameID, d.From, d.To)
	if err != nil {
		c.sendError(errorText(err, "Failed to make move"))
		return
	}

	s.broadcast(gameID, TypeMoveMade, MoveMadeData{Move: *move, GameState: state, PlayerID: c.playerID}, "")
	if state.GameStatus == chess.StatusCheckmate || state.GameStatus == chess.StatusStalemate {
		s.broadcast(gameID, TypeGameEnded, GameEndedData{
			GameState: state,
			Reason:    state.GameStatus,
			Winner:    state.Winner,
			Loser:     state.Loser,
		}, "")
	}
}

func (s *Server) handleGetValidMoves(ctx context.Context, c *Client, d GetValidMovesData) {
	if c.gameID == "" {
		c.sendError("Not in a game")
		return
	}
	moves := s.app.Games.GetValidMoves(ctx, c.playerID, c.gameID, d.Position)
	c.sendMessage(TypeValidMoves, ValidMovesData{Position: d.Position, ValidMoves: moves})
}

func (s *Server) handleGetGameState(ctx context.Context, c *Client) {
	if c.gameID == "" {
		c.sendError("Not in a game")
		return
	}
	state, err := s.app.Games.GetGameState(ctx, c.gameID)
	if err != nil {
		c.sendError(errorText(err, "Failed to get game state"))
		return
	}
	c.sendMessage(TypeGameState, GameStateData{GameState: state})
}

func (s *Server) handleLeaveGame(ctx context.Context, c *Client) {
	if c.gameID == "" {
		return
	}
	gameID := c.gameID
	s.app.Games.RemovePlayerFromGame(ctx, c.playerID, gameID)

	s.broadcast(gameID, TypePlayerLeft, PlayerLeftData{PlayerID: c.playerID}, c.playerID)
	c.sendMessage(TypePlayerLeft, PlayerLeftData{GameID: gameID, PlayerID: c.playerID})

	s.leaveRoom(gameID, c.playerID)
	c.gameID = ""
}

func (s *Server) handleChatMessage(c *Client, d ChatMessageData) {
	if c.gameID == "" {
		c.sendError("Not in a game")
		return
	}
	text := strings.TrimSpace(d.Message)
	if text == "" {
		c.sendError("Message cannot be empty")
		return
	}
	if utf8.RuneCountInString(text) > maxChatLength {
		text = string([]rune(text)[:maxChatLength])
	}
	s.broadcast(c.gameID, TypeChatMessage, ChatBroadcastData{
		PlayerID:  c.playerID,
		Message:   text,
		Timestamp: nowMillis(),
	}, "")
}
