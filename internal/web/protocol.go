package web

import (
	"encoding/json"
	"time"

	"github.com/justinabrahms/chesslive/internal/chess"
)

// MessageType names a websocket message.
type MessageType string

// Client to server.
const (
	TypeCreateGame    MessageType = "CREATE_GAME"
	TypeJoinGame      MessageType = "JOIN_GAME"
	TypeMakeMove      MessageType = "MAKE_MOVE"
	TypeGetValidMoves MessageType = "GET_VALID_MOVES"
	TypeGetGameState  MessageType = "GET_GAME_STATE"
	TypeLeaveGame     MessageType = "LEAVE_GAME"
	TypeChatMessage   MessageType = "CHAT_MESSAGE"
)

// Server to client.
const (
	TypeConnectionEstablished MessageType = "CONNECTION_ESTABLISHED"
	TypeGameCreated           MessageType = "GAME_CREATED"
	TypePlayerJoined          MessageType = "PLAYER_JOINED"
	TypeMoveMade              MessageType = "MOVE_MADE"
	TypeValidMoves            MessageType = "VALID_MOVES"
	TypeGameState             MessageType = "GAME_STATE"
	TypeGameStateUpdate       MessageType = "GAME_STATE_UPDATE"
	TypeGameRestored          MessageType = "GAME_RESTORED"
	TypeGameEnded             MessageType = "GAME_ENDED"
	TypeGameDeleted           MessageType = "GAME_DELETED"
	TypePlayerLeft            MessageType = "PLAYER_LEFT"
	TypePlayerDisconnected    MessageType = "PLAYER_DISCONNECTED"
	TypeError                 MessageType = "ERROR"
)

const maxChatLength = 500

// Message is the envelope of every frame in both directions. Timestamps are
// unix milliseconds.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

func encode(t MessageType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: t, Data: raw, Timestamp: nowMillis()})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

type JoinGameData struct {
	GameID string `json:"gameId"`
}

type MakeMoveData struct {
	From chess.Position `json:"from"`
	To   chess.Position `json:"to"`
}

type GetValidMovesData struct {
	Position chess.Position `json:"position"`
}

type ChatMessageData struct {
	Message string `json:"message"`
}

type ConnectionEstablishedData struct {
	PlayerID  string `json:"playerId"`
	Timestamp int64  `json:"timestamp"`
}

type GameCreatedData struct {
	GameID    string          `json:"gameId"`
	GameState chess.GameState `json:"gameState"`
}

type PlayerJoinedData struct {
	PlayerID  string          `json:"playerId"`
	GameState chess.GameState `json:"gameState"`
}

type MoveMadeData struct {
	Move      chess.Move      `json:"move"`
	GameState chess.GameState `json:"gameState"`
	PlayerID  string          `json:"playerId"`
}

type ValidMovesData struct {
	Position   chess.Position   `json:"position"`
	ValidMoves []chess.Position `json:"validMoves"`
}

// GameStateData carries GAME_STATE, GAME_RESTORED and GAME_STATE_UPDATE.
type GameStateData struct {
	GameState chess.GameState `json:"gameState"`
}

type GameEndedData struct {
	GameState chess.GameState  `json:"gameState"`
	Reason    chess.GameStatus `json:"reason"`
	Winner    string           `json:"winner"`
	Loser     string           `json:"looser"`
}

// GameDeletedData tells watchers the game no longer exists on any instance.
type GameDeletedData struct {
	GameID string `json:"gameId"`
}

type PlayerLeftData struct {
	GameID   string `json:"gameId,omitempty"`
	PlayerID string `json:"playerId"`
}

type PlayerDisconnectedData struct {
	PlayerID string `json:"playerId"`
}

type ChatBroadcastData struct {
	PlayerID  string `json:"playerId"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorData struct {
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}
