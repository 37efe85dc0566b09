// Package store is the durable record of games, moves and ratings. It is only
// written through the write-behind queue; live play never reads from it.
package store

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/justinabrahms/chesslive/internal/chess"
)

// DefaultRating is assigned to players the store has not seen before.
const DefaultRating = 1200

// EloK is the K-factor used for rating updates.
const EloK = 32

// ErrGameNotFound is returned when a write targets a game that was never created.
var ErrGameNotFound = errors.New("game not found")

// Store is the set of writes the queue performs. Every method is idempotent
// so a retried item does not double-apply.
type Store interface {
	CreateGame(ctx context.Context, seat Seat) error
	JoinGame(ctx context.Context, seat Seat) error
	RecordMove(ctx context.Context, rec MoveRecord) error
	EndGame(ctx context.Context, end GameEnd) error
	UpdateGameStatus(ctx context.Context, gameID string, status chess.GameStatus) error
	DeleteGame(ctx context.Context, gameID string) error
	Close() error
}

// Seat places a player on a color, either at creation or on join.
type Seat struct {
	GameID   string      `json:"gameId"`
	PlayerID string      `json:"playerId"`
	Color    chess.Color `json:"color"`
}

// MoveRecord is one accepted move.
type MoveRecord struct {
	GameID   string     `json:"gameId"`
	PlayerID string     `json:"playerId"`
	Move     chess.Move `json:"move"`
}

// GameEnd finishes a game. Winner is a player id, empty for no winner.
type GameEnd struct {
	GameID string           `json:"gameId"`
	Status chess.GameStatus `json:"status"`
	Winner string           `json:"winner,omitempty"`
}

// GameRow is a stored game as read back.
type GameRow struct {
	ID            string
	Status        chess.GameStatus
	CurrentTurn   chess.Color
	WhitePlayerID string
	BlackPlayerID string
	Winner        string
	CreatedAt     time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
}

// Elo returns the new ratings of white and black after a game. winner is the
// winning color, or "" for a draw.
func Elo(white, black int, winner chess.Color) (int, int) {
	expectedWhite := 1 / (1 + math.Pow(10, float64(black-white)/400))
	expectedBlack := 1 - expectedWhite

	whiteScore, blackScore := 0.5, 0.5
	switch winner {
	case chess.White:
		whiteScore, blackScore = 1, 0
	case chess.Black:
		whiteScore, blackScore = 0, 1
	}

	newWhite := math.Round(float64(white) + EloK*(whiteScore-expectedWhite))
	newBlack := math.Round(float64(black) + EloK*(blackScore-expectedBlack))
	return int(newWhite), int(newBlack)
}
