package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/justinabrahms/chesslive/internal/chess"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoTimeout = 5 * time.Second

var _ Store = (*Mongo)(nil)

// Mongo is a document-store backend for deployments that already run MongoDB.
// It keeps the same three collections as the SQLite schema.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

type mongoUser struct {
	ID     string `bson:"_id"`
	Rating int    `bson:"rating"`
}

type mongoGame struct {
	ID            string     `bson:"_id"`
	Status        string     `bson:"status"`
	CurrentTurn   string     `bson:"current_turn"`
	WhitePlayerID string     `bson:"white_player_id,omitempty"`
	BlackPlayerID string     `bson:"black_player_id,omitempty"`
	Winner        string     `bson:"winner,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
	StartedAt     *time.Time `bson:"started_at,omitempty"`
	EndedAt       *time.Time `bson:"ended_at,omitempty"`
	MoveCount     int        `bson:"move_count"`

	// Ratings computed at the end of the game, written before they are
	// applied to the users so a retry applies the same values.
	PendingRatings *mongoRatings `bson:"pending_ratings,omitempty"`
	RatingsApplied bool          `bson:"ratings_applied,omitempty"`
}

type mongoRatings struct {
	White int `bson:"white"`
	Black int `bson:"black"`
}

// OpenMongo connects to uri and uses the named database.
func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	m := &Mongo{client: client, db: client.Database(database)}
	if err := m.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.db.Collection("moves").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "game_id", Value: 1}, {Key: "move_number", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create moves index: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *Mongo) ensureUser(ctx context.Context, playerID string) error {
	_, err := m.db.Collection("users").UpdateOne(ctx,
		bson.M{"_id": playerID},
		bson.M{"$setOnInsert": bson.M{"rating": DefaultRating}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("ensure user %s: %w", playerID, err)
	}
	return nil
}

func seatField(c chess.Color) (string, error) {
	switch c {
	case chess.White:
		return "white_player_id", nil
	case chess.Black:
		return "black_player_id", nil
	}
	return "", fmt.Errorf("invalid color %q", c)
}

func (m *Mongo) CreateGame(ctx context.Context, seat Seat) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	field, err := seatField(seat.Color)
	if err != nil {
		return fmt.Errorf("create game: %w", err)
	}
	if err := m.ensureUser(ctx, seat.PlayerID); err != nil {
		return fmt.Errorf("create game: %w", err)
	}

	now := time.Now().UTC()
	_, err = m.db.Collection("games").UpdateOne(ctx,
		bson.M{"_id": seat.GameID},
		bson.M{"$setOnInsert": bson.M{
			"status":       string(chess.StatusWaiting),
			"current_turn": string(chess.White),
			field:          seat.PlayerID,
			"created_at":   now,
			"updated_at":   now,
		}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("create game %s: %w", seat.GameID, err)
	}
	return nil
}

func (m *Mongo) JoinGame(ctx context.Context, seat Seat) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	field, err := seatField(seat.Color)
	if err != nil {
		return fmt.Errorf("join game: %w", err)
	}
	if err := m.ensureUser(ctx, seat.PlayerID); err != nil {
		return fmt.Errorf("join game: %w", err)
	}

	now := time.Now().UTC()
	games := m.db.Collection("games")
	res, err := games.UpdateOne(ctx,
		bson.M{"_id": seat.GameID},
		bson.M{"$set": bson.M{field: seat.PlayerID, "status": string(chess.StatusActive), "updated_at": now}})
	if err != nil {
		return fmt.Errorf("join game %s: %w", seat.GameID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("join game %s: %w", seat.GameID, ErrGameNotFound)
	}
	_, err = games.UpdateOne(ctx,
		bson.M{"_id": seat.GameID, "started_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"started_at": now}})
	if err != nil {
		return fmt.Errorf("start game %s: %w", seat.GameID, err)
	}
	return nil
}

// RecordMove inserts the move and sets the stored turn from the move number.
// Both steps are safe to repeat, so a retry after a partial write completes
// the turn update.
func (m *Mongo) RecordMove(ctx context.Context, rec MoveRecord) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	mv := rec.Move
	doc := bson.M{
		"game_id":            rec.GameID,
		"player_id":          rec.PlayerID,
		"move_number":        mv.MoveNumber,
		"from":               bson.M{"x": mv.From.X, "y": mv.From.Y},
		"to":                 bson.M{"x": mv.To.X, "y": mv.To.Y},
		"piece":              mv.Piece.String(),
		"algebraic_notation": mv.AlgebraicNotation,
		"created_at":         time.Now().UTC(),
	}
	if mv.Captured.Valid() {
		doc["captured"] = mv.Captured.String()
	}
	if _, err := m.db.Collection("moves").InsertOne(ctx, doc); err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("record move %s#%d: %w", rec.GameID, mv.MoveNumber, err)
	}

	filter, update := turnUpdate(rec.GameID, mv.MoveNumber, time.Now().UTC())
	if _, err := m.db.Collection("games").UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("set turn %s: %w", rec.GameID, err)
	}
	return nil
}

// turnAfter is the side to move once moveNumber half-moves have been played.
func turnAfter(moveNumber int) chess.Color {
	if moveNumber%2 == 0 {
		return chess.White
	}
	return chess.Black
}

// turnUpdate advances the stored turn to follow moveNumber. Older or repeated
// move numbers match nothing.
func turnUpdate(gameID string, moveNumber int, now time.Time) (bson.M, bson.M) {
	filter := bson.M{"_id": gameID, "move_count": bson.M{"$not": bson.M{"$gte": moveNumber}}}
	update := bson.M{"$set": bson.M{
		"current_turn": string(turnAfter(moveNumber)),
		"move_count":   moveNumber,
		"updated_at":   now,
	}}
	return filter, update
}

// EndGame records the result and, when there is a winner and both seats are
// filled, updates both players' ratings. Each step is guarded so a retry
// resumes where a failed attempt stopped and ending a game twice has no effect.
func (m *Mongo) EndGame(ctx context.Context, end GameEnd) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	now := time.Now().UTC()
	set := bson.M{"status": string(end.Status), "ended_at": now, "updated_at": now}
	if end.Winner != "" {
		set["winner"] = end.Winner
	}

	games := m.db.Collection("games")
	var game mongoGame
	err := games.FindOneAndUpdate(ctx,
		bson.M{"_id": end.GameID, "ended_at": bson.M{"$exists": false}},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&game)
	if errors.Is(err, mongo.ErrNoDocuments) {
		err = games.FindOne(ctx, bson.M{"_id": end.GameID}).Decode(&game)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("end game %s: %w", end.GameID, ErrGameNotFound)
		}
	}
	if err != nil {
		return fmt.Errorf("end game %s: %w", end.GameID, err)
	}
	return m.applyRatings(ctx, game)
}

// ratedWinner returns the winning color of a finished game that should move
// ratings.
func ratedWinner(game mongoGame) (chess.Color, bool) {
	if game.RatingsApplied || game.Winner == "" || game.WhitePlayerID == "" || game.BlackPlayerID == "" {
		return "", false
	}
	switch game.Winner {
	case game.WhitePlayerID:
		return chess.White, true
	case game.BlackPlayerID:
		return chess.Black, true
	}
	return "", false
}

func (m *Mongo) applyRatings(ctx context.Context, game mongoGame) error {
	winner, ok := ratedWinner(game)
	if !ok {
		return nil
	}

	games := m.db.Collection("games")
	users := m.db.Collection("users")

	if game.PendingRatings == nil {
		var white, black mongoUser
		if err := users.FindOne(ctx, bson.M{"_id": game.WhitePlayerID}).Decode(&white); err != nil {
			return fmt.Errorf("load rating %s: %w", game.WhitePlayerID, err)
		}
		if err := users.FindOne(ctx, bson.M{"_id": game.BlackPlayerID}).Decode(&black); err != nil {
			return fmt.Errorf("load rating %s: %w", game.BlackPlayerID, err)
		}
		newWhite, newBlack := Elo(white.Rating, black.Rating, winner)

		// First writer wins; read back whatever is stored.
		err := games.FindOneAndUpdate(ctx,
			bson.M{"_id": game.ID, "pending_ratings": bson.M{"$exists": false}},
			bson.M{"$set": bson.M{"pending_ratings": mongoRatings{White: newWhite, Black: newBlack}}},
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&game)
		if errors.Is(err, mongo.ErrNoDocuments) {
			err = games.FindOne(ctx, bson.M{"_id": game.ID}).Decode(&game)
		}
		if err != nil {
			return fmt.Errorf("store ratings %s: %w", game.ID, err)
		}
		if game.RatingsApplied || game.PendingRatings == nil {
			return nil
		}
	}

	if _, err := users.UpdateByID(ctx, game.WhitePlayerID, bson.M{"$set": bson.M{"rating": game.PendingRatings.White}}); err != nil {
		return fmt.Errorf("update rating %s: %w", game.WhitePlayerID, err)
	}
	if _, err := users.UpdateByID(ctx, game.BlackPlayerID, bson.M{"$set": bson.M{"rating": game.PendingRatings.Black}}); err != nil {
		return fmt.Errorf("update rating %s: %w", game.BlackPlayerID, err)
	}
	if _, err := games.UpdateByID(ctx, game.ID, bson.M{"$set": bson.M{"ratings_applied": true}}); err != nil {
		return fmt.Errorf("mark ratings %s: %w", game.ID, err)
	}
	return nil
}

func (m *Mongo) UpdateGameStatus(ctx context.Context, gameID string, status chess.GameStatus) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := m.db.Collection("games").UpdateOne(ctx,
		bson.M{"_id": gameID},
		bson.M{"$set": bson.M{"status": string(status), "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("update status %s: %w", gameID, err)
	}
	return nil
}

func (m *Mongo) DeleteGame(ctx context.Context, gameID string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	if _, err := m.db.Collection("moves").DeleteMany(ctx, bson.M{"game_id": gameID}); err != nil {
		return fmt.Errorf("delete moves %s: %w", gameID, err)
	}
	if _, err := m.db.Collection("games").DeleteOne(ctx, bson.M{"_id": gameID}); err != nil {
		return fmt.Errorf("delete game %s: %w", gameID, err)
	}
	return nil
}
