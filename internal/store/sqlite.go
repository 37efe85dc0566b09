package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/justinabrahms/chesslive/internal/chess"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - users, games, moves
const currentSchemaVersion = 1

var _ Store = (*SQLite)(nil)

// SQLite is the default Store, one database file per server.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens the database at path and applies the schema.
// It is safe to call on an existing database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied schema version.
func (s *SQLite) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureUser(ctx context.Context, db execer, playerID string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO users (id, rating) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		playerID, DefaultRating)
	if err != nil {
		return fmt.Errorf("ensure user %s: %w", playerID, err)
	}
	return nil
}

func colorColumn(c chess.Color) (string, error) {
	switch c {
	case chess.White:
		return "white_player_id", nil
	case chess.Black:
		return "black_player_id", nil
	}
	return "", fmt.Errorf("invalid color %q", c)
}

// CreateGame inserts the game with its creator seated. Re-creating an existing
// game is a no-op.
func (s *SQLite) CreateGame(ctx context.Context, seat Seat) error {
	column, err := colorColumn(seat.Color)
	if err != nil {
		return fmt.Errorf("create game: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create game: %w", err)
	}
	defer tx.Rollback()

	if err := ensureUser(ctx, tx, seat.PlayerID); err != nil {
		return fmt.Errorf("create game: %w", err)
	}
	now := s.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO games (id, status, current_turn, `+column+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, seat.GameID, chess.StatusWaiting, chess.White, seat.PlayerID, now, now)
	if err != nil {
		return fmt.Errorf("create game: %w", err)
	}
	return tx.Commit()
}

// JoinGame seats a player and marks the game active.
func (s *SQLite) JoinGame(ctx context.Context, seat Seat) error {
	column, err := colorColumn(seat.Color)
	if err != nil {
		return fmt.Errorf("join game: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("join game: %w", err)
	}
	defer tx.Rollback()

	if err := ensureUser(ctx, tx, seat.PlayerID); err != nil {
		return fmt.Errorf("join game: %w", err)
	}
	now := s.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE games
		SET `+column+` = ?, status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ?
	`, seat.PlayerID, chess.StatusActive, now, now, seat.GameID)
	if err != nil {
		return fmt.Errorf("join game: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("join game %s: %w", seat.GameID, ErrGameNotFound)
	}
	return tx.Commit()
}

// RecordMove inserts the move and flips the stored turn. A move number that is
// already stored is ignored and the turn is left alone.
func (s *SQLite) RecordMove(ctx context.Context, rec MoveRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record move: %w", err)
	}
	defer tx.Rollback()

	m := rec.Move
	var captured sql.NullString
	if m.Captured.Valid() {
		captured = sql.NullString{String: m.Captured.String(), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO moves
		(game_id, player_id, move_number, from_x, from_y, to_x, to_y, piece, captured, algebraic_notation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(game_id, move_number) DO NOTHING
	`,
		rec.GameID,
		rec.PlayerID,
		m.MoveNumber,
		m.From.X, m.From.Y,
		m.To.X, m.To.Y,
		m.Piece.String(),
		captured,
		m.AlgebraicNotation,
		s.now(),
	)
	if err != nil {
		return fmt.Errorf("record move %s#%d: %w", rec.GameID, m.MoveNumber, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE games
		SET current_turn = CASE current_turn WHEN 'WHITE' THEN 'BLACK' ELSE 'WHITE' END,
		    updated_at = ?
		WHERE id = ?
	`, s.now(), rec.GameID)
	if err != nil {
		return fmt.Errorf("flip turn %s: %w", rec.GameID, err)
	}
	return tx.Commit()
}

// EndGame records the result and, when there is a winner and both seats are
// filled, updates both players' ratings. Ending a game twice has no effect.
func (s *SQLite) EndGame(ctx context.Context, end GameEnd) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("end game: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE games SET status = ?, winner = ?, ended_at = ?, updated_at = ?
		WHERE id = ? AND ended_at IS NULL
	`, end.Status, nullString(end.Winner), now, now, end.GameID)
	if err != nil {
		return fmt.Errorf("end game %s: %w", end.GameID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM games WHERE id = ?`, end.GameID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("end game %s: %w", end.GameID, ErrGameNotFound)
		}
		return err
	}

	if end.Winner != "" {
		if err := updateRatings(ctx, tx, end); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func updateRatings(ctx context.Context, tx *sql.Tx, end GameEnd) error {
	var whiteID, blackID string
	var whiteRating, blackRating int
	err := tx.QueryRowContext(ctx, `
		SELECT w.id, w.rating, b.id, b.rating
		FROM games g
		JOIN users w ON w.id = g.white_player_id
		JOIN users b ON b.id = g.black_player_id
		WHERE g.id = ?
	`, end.GameID).Scan(&whiteID, &whiteRating, &blackID, &blackRating)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ratings %s: %w", end.GameID, err)
	}

	var winner chess.Color
	switch end.Winner {
	case whiteID:
		winner = chess.White
	case blackID:
		winner = chess.Black
	default:
		return nil
	}

	newWhite, newBlack := Elo(whiteRating, blackRating, winner)
	for id, rating := range map[string]int{whiteID: newWhite, blackID: newBlack} {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET rating = ? WHERE id = ?`, rating, id); err != nil {
			return fmt.Errorf("update rating %s: %w", id, err)
		}
	}
	return nil
}

// UpdateGameStatus overwrites the stored status.
func (s *SQLite) UpdateGameStatus(ctx context.Context, gameID string, status chess.GameStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE games SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.now(), gameID)
	if err != nil {
		return fmt.Errorf("update status %s: %w", gameID, err)
	}
	return nil
}

// DeleteGame removes the game and its moves.
func (s *SQLite) DeleteGame(ctx context.Context, gameID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM games WHERE id = ?`, gameID); err != nil {
		return fmt.Errorf("delete game %s: %w", gameID, err)
	}
	return nil
}

// Game reads a stored game back.
func (s *SQLite) Game(ctx context.Context, gameID string) (*GameRow, error) {
	var row GameRow
	var white, black, winner sql.NullString
	var started, ended sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, current_turn, white_player_id, black_player_id, winner, created_at, started_at, ended_at
		FROM games WHERE id = ?
	`, gameID).Scan(&row.ID, &row.Status, &row.CurrentTurn, &white, &black, &winner, &row.CreatedAt, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load game %s: %w", gameID, err)
	}
	row.WhitePlayerID, row.BlackPlayerID, row.Winner = white.String, black.String, winner.String
	if started.Valid {
		row.StartedAt = &started.Time
	}
	if ended.Valid {
		row.EndedAt = &ended.Time
	}
	return &row, nil
}

// Moves returns a game's stored moves in move-number order.
func (s *SQLite) Moves(ctx context.Context, gameID string) ([]chess.Move, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT move_number, from_x, from_y, to_x, to_y, piece, captured, algebraic_notation
		FROM moves WHERE game_id = ? ORDER BY move_number
	`, gameID)
	if err != nil {
		return nil, fmt.Errorf("load moves %s: %w", gameID, err)
	}
	defer rows.Close()

	var moves []chess.Move
	for rows.Next() {
		var m chess.Move
		var piece string
		var captured sql.NullString
		if err := rows.Scan(&m.MoveNumber, &m.From.X, &m.From.Y, &m.To.X, &m.To.Y, &piece, &captured, &m.AlgebraicNotation); err != nil {
			return nil, fmt.Errorf("scan move: %w", err)
		}
		m.Piece.UnmarshalText([]byte(piece))
		m.Captured.UnmarshalText([]byte(captured.String))
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

// Rating returns a player's rating.
func (s *SQLite) Rating(ctx context.Context, playerID string) (int, error) {
	var rating int
	err := s.db.QueryRowContext(ctx, `SELECT rating FROM users WHERE id = ?`, playerID).Scan(&rating)
	if err != nil {
		return 0, fmt.Errorf("load rating %s: %w", playerID, err)
	}
	return rating, nil
}

// SetRating overwrites a player's rating, creating the player if needed.
func (s *SQLite) SetRating(ctx context.Context, playerID string, rating int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, rating) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET rating = excluded.rating
	`, playerID, rating)
	if err != nil {
		return fmt.Errorf("set rating %s: %w", playerID, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
