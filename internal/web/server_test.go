package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/justinabrahms/chesslive/internal/app"
	"github.com/justinabrahms/chesslive/internal/auth"
	"github.com/justinabrahms/chesslive/internal/cache"
	"github.com/justinabrahms/chesslive/internal/chess"
	"github.com/justinabrahms/chesslive/internal/config"
	"github.com/justinabrahms/chesslive/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	app   *app.App
	srv   *Server
	ts    *httptest.Server
	mr    *miniredis.Miniredis
	store *store.SQLite
}

func newTestEnv(t *testing.T, configure ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.WebSocket.HeartbeatInterval = time.Hour
	for _, fn := range configure {
		fn(cfg)
	}

	mr := miniredis.RunT(t)
	c := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "chess.db"))
	require.NoError(t, err)

	a := app.Assemble(cfg, zerolog.Nop(), c, st)
	srv := NewServer(a)
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
		a.Close(ctx)
	})
	return &testEnv{app: a, srv: srv, ts: ts, mr: mr, store: st}
}

func (e *testEnv) wsURL(query url.Values) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?" + query.Encode()
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dialQuery(t *testing.T, query url.Values) (*testClient, *http.Response, error) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(query), nil)
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}, resp, nil
}

// connect dials as playerID and waits for the greeting.
func (e *testEnv) connect(t *testing.T, playerID string) *testClient {
	t.Helper()
	c, _, err := e.dialQuery(t, url.Values{"playerId": {playerID}})
	require.NoError(t, err)
	c.expect(TypeConnectionEstablished)
	return c
}

func (c *testClient) send(typ MessageType, data any) {
	c.t.Helper()
	msg := map[string]any{"type": typ}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func (c *testClient) read() (Message, error) {
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg Message
	err := c.conn.ReadJSON(&msg)
	return msg, err
}

// expect reads until a message of typ arrives, skipping others.
func (c *testClient) expect(typ MessageType) Message {
	c.t.Helper()
	for {
		msg, err := c.read()
		require.NoError(c.t, err, "waiting for %s", typ)
		if msg.Type == typ {
			return msg
		}
	}
}

func (c *testClient) expectError(text string) {
	c.t.Helper()
	var data ErrorData
	decodeInto(c.t, c.expect(TypeError), &data)
	assert.Equal(c.t, text, data.Error)
}

func decodeInto(t *testing.T, msg Message, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(msg.Data, v))
}

func move(from, to string) MakeMoveData {
	f, _ := chess.ParseSquare(from)
	tt, _ := chess.ParseSquare(to)
	return MakeMoveData{From: f, To: tt}
}

// startGame has alice create a game and bob join it.
func startGame(t *testing.T, alice, bob *testClient) string {
	t.Helper()
	alice.send(TypeCreateGame, nil)
	var created GameCreatedData
	decodeInto(t, alice.expect(TypeGameCreated), &created)
	require.NotEmpty(t, created.GameID)

	bob.send(TypeJoinGame, JoinGameData{GameID: created.GameID})
	bob.expect(TypePlayerJoined)
	alice.expect(TypePlayerJoined)
	return created.GameID
}

func TestConnectRequiresPlayerID(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := env.dialQuery(t, url.Values{})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectionEstablished(t *testing.T) {
	env := newTestEnv(t)

	c, _, err := env.dialQuery(t, url.Values{"playerId": {"alice"}})
	require.NoError(t, err)

	var data ConnectionEstablishedData
	decodeInto(t, c.expect(TypeConnectionEstablished), &data)
	assert.Equal(t, "alice", data.PlayerID)
	assert.NotZero(t, data.Timestamp)

	session, err := env.app.Cache.GetSession(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.False(t, session.Guest)
	assert.Equal(t, 1, env.srv.Hub().ConnectionCount())
}

func TestCreateJoinAndMove(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	alice.send(TypeCreateGame, nil)
	var created GameCreatedData
	decodeInto(t, alice.expect(TypeGameCreated), &created)
	assert.Equal(t, "alice", created.GameState.WhitePlayer)
	assert.Equal(t, chess.StatusWaiting, created.GameState.GameStatus)

	bob.send(TypeJoinGame, JoinGameData{GameID: created.GameID})
	for _, c := range []*testClient{alice, bob} {
		var joined PlayerJoinedData
		decodeInto(t, c.expect(TypePlayerJoined), &joined)
		assert.Equal(t, "bob", joined.PlayerID)
		assert.Equal(t, "bob", joined.GameState.BlackPlayer)
		assert.Equal(t, chess.StatusActive, joined.GameState.GameStatus)
	}

	alice.send(TypeMakeMove, move("e2", "e4"))
	for _, c := range []*testClient{alice, bob} {
		var made MoveMadeData
		decodeInto(t, c.expect(TypeMoveMade), &made)
		assert.Equal(t, "alice", made.PlayerID)
		assert.Equal(t, "e4", made.Move.AlgebraicNotation)
		assert.Equal(t, 1, made.Move.MoveNumber)
		assert.Equal(t, chess.Black, made.GameState.CurrentPlayer)
	}

	bob.send(TypeGetValidMoves, GetValidMovesData{Position: chess.Pos(6, 0)})
	var valid ValidMovesData
	decodeInto(t, bob.expect(TypeValidMoves), &valid)
	assert.Equal(t, chess.Pos(6, 0), valid.Position)
	assert.ElementsMatch(t, []chess.Position{chess.Pos(5, 2), chess.Pos(7, 2)}, valid.ValidMoves)

	bob.send(TypeGetGameState, nil)
	var state GameStateData
	decodeInto(t, bob.expect(TypeGameState), &state)
	assert.Equal(t, created.GameID, state.GameState.GameID)
	assert.Len(t, state.GameState.MoveHistory, 1)
}

func TestFoolsMateEndsGameAndIsPersisted(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	gameID := startGame(t, alice, bob)

	plies := []struct {
		c        *testClient
		from, to string
	}{
		{alice, "f2", "f3"},
		{bob, "e7", "e5"},
		{alice, "g2", "g4"},
		{bob, "d8", "h4"},
	}
	for _, p := range plies {
		p.c.send(TypeMakeMove, move(p.from, p.to))
		alice.expect(TypeMoveMade)
		bob.expect(TypeMoveMade)
	}

	for _, c := range []*testClient{alice, bob} {
		var ended GameEndedData
		decodeInto(t, c.expect(TypeGameEnded), &ended)
		assert.Equal(t, chess.StatusCheckmate, ended.Reason)
		assert.Equal(t, "bob", ended.Winner)
		assert.Equal(t, "alice", ended.Loser)
	}

	ctx := context.Background()
	require.NoError(t, env.app.Queue.Drain(ctx))

	row, err := env.store.Game(ctx, gameID)
	require.NoError(t, err)
	assert.Equal(t, chess.StatusCheckmate, row.Status)
	assert.Equal(t, "bob", row.Winner)

	moves, err := env.store.Moves(ctx, gameID)
	require.NoError(t, err)
	require.Len(t, moves, 4)
	assert.Equal(t, "Qh4#", moves[3].AlgebraicNotation)

	rating, err := env.store.Rating(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1216, rating)
}

func TestRejectionsKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	startGame(t, alice, bob)

	bob.send(TypeMakeMove, move("e7", "e5"))
	bob.expectError("Not your turn")

	alice.send(TypeMakeMove, move("e7", "e5"))
	alice.expectError("Invalid piece selection")

	alice.send(TypeMakeMove, move("e2", "e5"))
	alice.expectError("Invalid move")

	carol := env.connect(t, "carol")
	carol.send(TypeJoinGame, JoinGameData{GameID: "game_404"})
	carol.expectError("Game not found")

	bob.send(TypeGetGameState, nil)
	bob.expect(TypeGameState)
}

func TestGameFull(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	gameID := startGame(t, alice, bob)

	carol := env.connect(t, "carol")
	carol.send(TypeJoinGame, JoinGameData{GameID: gameID})
	carol.expectError("Game full")
}

func TestProtocolErrors(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "alice")

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	c.expectError("Invalid message format")

	c.send("TELEPORT", nil)
	c.expectError("Unknown message type")

	c.send(TypeMakeMove, map[string]any{"from": "e2"})
	c.expectError("Invalid message format")

	c.send(TypeMakeMove, move("e2", "e4"))
	c.expectError("Not in a game")

	c.send(TypeGetGameState, nil)
	c.expectError("Not in a game")

	c.send(TypeJoinGame, JoinGameData{})
	c.expectError("Missing gameId")
}

func TestMessageRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.Messages = map[string]int{"create_game": 1}
	})
	c := env.connect(t, "alice")

	c.send(TypeCreateGame, nil)
	c.expect(TypeGameCreated)

	c.send(TypeCreateGame, nil)
	c.expectError("Rate limit exceeded for message type")

	// Other types have their own budget.
	c.send(TypeGetGameState, nil)
	c.expect(TypeGameState)
}

func TestConnectRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.Connect = 1
	})
	env.connect(t, "alice")

	_, resp, err := env.dialQuery(t, url.Values{"playerId": {"alice"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	env.mr.FastForward(time.Minute)
	env.connect(t, "alice")
}

func TestRateLimiterFailsOpen(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "alice")

	env.mr.SetError("ERR cache unavailable")
	c.send(TypeCreateGame, nil)
	c.expect(TypeGameCreated)
}

func TestChat(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	startGame(t, alice, bob)

	alice.send(TypeChatMessage, ChatMessageData{Message: "   "})
	alice.expectError("Message cannot be empty")

	alice.send(TypeChatMessage, ChatMessageData{Message: "good luck"})
	var chat ChatBroadcastData
	decodeInto(t, bob.expect(TypeChatMessage), &chat)
	assert.Equal(t, "alice", chat.PlayerID)
	assert.Equal(t, "good luck", chat.Message)
	alice.expect(TypeChatMessage)

	long := strings.Repeat("é", maxChatLength+20)
	alice.send(TypeChatMessage, ChatMessageData{Message: long})
	decodeInto(t, bob.expect(TypeChatMessage), &chat)
	assert.Equal(t, strings.Repeat("é", maxChatLength), chat.Message)
}

func TestLeaveGame(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	gameID := startGame(t, alice, bob)

	bob.send(TypeLeaveGame, nil)

	var left PlayerLeftData
	decodeInto(t, bob.expect(TypePlayerLeft), &left)
	assert.Equal(t, gameID, left.GameID)
	assert.Equal(t, "bob", left.PlayerID)

	decodeInto(t, alice.expect(TypePlayerLeft), &left)
	assert.Equal(t, "bob", left.PlayerID)

	state, err := env.app.Games.GetGameState(context.Background(), gameID)
	require.NoError(t, err)
	assert.Empty(t, state.BlackPlayer)

	bob.send(TypeMakeMove, move("e7", "e5"))
	bob.expectError("Not in a game")
}

func TestReconnectRestoresGame(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	gameID := startGame(t, alice, bob)

	bob.conn.Close()
	var gone PlayerDisconnectedData
	decodeInto(t, alice.expect(TypePlayerDisconnected), &gone)
	assert.Equal(t, "bob", gone.PlayerID)

	again, _, err := env.dialQuery(t, url.Values{"playerId": {"bob"}})
	require.NoError(t, err)

	restored, err := again.read()
	require.NoError(t, err)
	require.Equal(t, TypeGameRestored, restored.Type)
	var data GameStateData
	decodeInto(t, restored, &data)
	assert.Equal(t, gameID, data.GameState.GameID)
	assert.Equal(t, "bob", data.GameState.BlackPlayer)
	again.expect(TypeConnectionEstablished)

	// Back in the room.
	alice.send(TypeMakeMove, move("e2", "e4"))
	again.expect(TypeMoveMade)
}

func TestReconnectIgnoresDeletedGame(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.mr.Set("player:alice:game", "game_gone"))

	c, _, err := env.dialQuery(t, url.Values{"playerId": {"alice"}})
	require.NoError(t, err)

	first, err := c.read()
	require.NoError(t, err)
	assert.Equal(t, TypeConnectionEstablished, first.Type)
	assert.Equal(t, 0, env.srv.Hub().GameConnectionCount("game_gone"))
	assert.False(t, env.srv.relay.Tracked("game_gone"))
	assert.False(t, env.mr.Exists("player:alice:game"))

	c.send(TypeGetGameState, nil)
	c.expectError("Not in a game")
}

func TestNewConnectionReplacesOld(t *testing.T) {
	env := newTestEnv(t)
	first := env.connect(t, "alice")
	env.connect(t, "alice")

	for {
		_, err := first.read()
		if err != nil {
			break
		}
	}
	assert.Equal(t, 1, env.srv.Hub().ConnectionCount())
}

func TestGuestIsRemovedAndPurged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.connect(t, "alice")
	guest := env.connect(t, "guest_42")
	gameID := startGame(t, alice, guest)

	guest.conn.Close()
	alice.expect(TypePlayerDisconnected)

	state, err := env.app.Games.GetGameState(ctx, gameID)
	require.NoError(t, err)
	assert.Empty(t, state.BlackPlayer, "guest seat is vacated")

	require.True(t, env.mr.Exists("session:guest_42"))
	env.srv.sweep(ctx)
	assert.False(t, env.mr.Exists("session:guest_42"))
	assert.False(t, env.mr.Exists("player:guest_42:game"))
	assert.True(t, env.mr.Exists("session:alice"))
}

func TestHeartbeatTerminatesUnresponsiveClient(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "alice")

	// The test client is not reading, so it cannot answer the first ping.
	env.srv.sweep(context.Background())
	env.srv.sweep(context.Background())

	assert.Eventually(t, func() bool {
		return env.srv.Hub().ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err := c.read()
	assert.Error(t, err)
}

func TestTokenRequiredWhenSecretSet(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = "s3cret"
	})
	signer := auth.NewVerifier("s3cret")

	_, resp, err := env.dialQuery(t, url.Values{"playerId": {"alice"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bobToken, err := signer.Sign(auth.Claims{ID: "bob"}, time.Hour)
	require.NoError(t, err)
	_, resp, err = env.dialQuery(t, url.Values{"playerId": {"alice"}, "token": {bobToken}})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := signer.Sign(auth.Claims{ID: "alice", Rating: 1450}, time.Hour)
	require.NoError(t, err)
	c, _, err := env.dialQuery(t, url.Values{"playerId": {"alice"}, "token": {token}})
	require.NoError(t, err)
	c.expect(TypeConnectionEstablished)

	session, err := env.app.Cache.GetSession(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, 1450, session.Rating)
}

func TestRelayForwardsUpdatesFromOtherInstances(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, "alice")

	alice.send(TypeCreateGame, nil)
	var created GameCreatedData
	decodeInto(t, alice.expect(TypeGameCreated), &created)
	require.True(t, env.srv.relay.Tracked(created.GameID))

	other := cache.New(redis.NewClient(&redis.Options{Addr: env.mr.Addr()}))
	defer other.Close()

	remote := created.GameState
	remote.BlackPlayer = "dave"
	require.NoError(t, other.SetGameState(context.Background(), remote))

	var update GameStateData
	decodeInto(t, alice.expect(TypeGameStateUpdate), &update)
	assert.Equal(t, "dave", update.GameState.BlackPlayer)

	alice.send(TypeLeaveGame, nil)
	alice.expect(TypePlayerLeft)
	assert.False(t, env.srv.relay.Tracked(created.GameID))
}

func TestRelayForwardsDeletionsFromOtherInstances(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, "alice")

	alice.send(TypeCreateGame, nil)
	var created GameCreatedData
	decodeInto(t, alice.expect(TypeGameCreated), &created)

	other := cache.New(redis.NewClient(&redis.Options{Addr: env.mr.Addr()}))
	defer other.Close()
	require.NoError(t, other.DeleteGameState(context.Background(), created.GameID))

	var deleted GameDeletedData
	decodeInto(t, alice.expect(TypeGameDeleted), &deleted)
	assert.Equal(t, created.GameID, deleted.GameID)
}
