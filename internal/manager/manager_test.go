package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/justinabrahms/chesslive/internal/cache"
	"github.com/justinabrahms/chesslive/internal/chess"
	"github.com/justinabrahms/chesslive/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu      sync.Mutex
	items   []string
	ends    []store.GameEnd
	drained int
}

func (q *fakeQueue) add(s string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, s)
}

func (q *fakeQueue) EnqueueGameCreation(seat store.Seat) {
	q.add(fmt.Sprintf("create %s %s %s", seat.GameID, seat.PlayerID, seat.Color))
}

func (q *fakeQueue) EnqueuePlayerJoin(seat store.Seat) {
	q.add(fmt.Sprintf("join %s %s %s", seat.GameID, seat.PlayerID, seat.Color))
}

func (q *fakeQueue) EnqueueMove(rec store.MoveRecord) {
	q.add(fmt.Sprintf("move %s %d", rec.GameID, rec.Move.MoveNumber))
}

func (q *fakeQueue) EnqueueGameEnd(end store.GameEnd) {
	q.mu.Lock()
	q.ends = append(q.ends, end)
	q.mu.Unlock()
	q.add("end " + end.GameID)
}

func (q *fakeQueue) EnqueueStatusUpdate(gameID string, status chess.GameStatus) {
	q.add(fmt.Sprintf("status %s %s", gameID, status))
}

func (q *fakeQueue) EnqueueGameDeletion(gameID string) {
	q.add("delete " + gameID)
}

func (q *fakeQueue) Drain(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drained++
	return nil
}

func (q *fakeQueue) snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.items...)
}

type fixture struct {
	m     *GameManager
	cache *cache.Cache
	mr    *miniredis.Miniredis
	queue *fakeQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { c.Close() })

	var n atomic.Int64
	q := &fakeQueue{}
	m := New(c, q, WithIDGenerator(func() string {
		return fmt.Sprintf("game_%d", n.Add(1))
	}))
	return &fixture{m: m, cache: c, mr: mr, queue: q}
}

// peer returns a second manager sharing the fixture's cache, standing in for
// a restarted process.
func (f *fixture) peer() *GameManager {
	return New(f.cache, &fakeQueue{})
}

func sq(t *testing.T, s string) chess.Position {
	t.Helper()
	p, err := chess.ParseSquare(s)
	require.NoError(t, err)
	return p
}

func TestCreateGame(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	state := f.m.CreateGame(ctx, "alice")

	assert.Equal(t, "game_1", state.GameID)
	assert.Equal(t, "alice", state.WhitePlayer)
	assert.Empty(t, state.BlackPlayer)
	assert.Equal(t, chess.StatusWaiting, state.GameStatus)
	assert.Equal(t, "game_1", f.m.GetPlayerGame(ctx, "alice"))
	assert.Equal(t, []string{"create game_1 alice WHITE"}, f.queue.snapshot())

	cached, err := f.cache.GetGameState(ctx, "game_1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "alice", cached.WhitePlayer)

	players, err := f.cache.GamePlayers(ctx, "game_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, players)

	mapped, err := f.cache.GetPlayerGame(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "game_1", mapped)
}

func TestCreateGameLeavesPreviousGame(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.m.CreateGame(ctx, "alice")
	second := f.m.CreateGame(ctx, "alice")

	assert.Equal(t, "game_2", second.GameID)
	assert.Equal(t, 1, f.m.GameCount())
	assert.Contains(t, f.queue.snapshot(), "delete game_1")

	_, err := f.m.GetGameState(ctx, "game_1")
	assert.ErrorIs(t, err, ErrGameNotFound)
}

func TestJoinGame(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.m.CreateGame(ctx, "alice")

	state, err := f.m.JoinGame(ctx, "bob", "game_1")
	require.NoError(t, err)

	assert.Equal(t, "bob", state.BlackPlayer)
	assert.Equal(t, chess.StatusActive, state.GameStatus)
	assert.Equal(t, "game_1", f.m.GetPlayerGame(ctx, "bob"))
	assert.Equal(t, []string{"create game_1 alice WHITE", "join game_1 bob BLACK"}, f.queue.snapshot())

	// Joining again changes nothing and queues nothing.
	again, err := f.m.JoinGame(ctx, "bob", "game_1")
	require.NoError(t, err)
	assert.Equal(t, state, again)
	assert.Len(t, f.queue.snapshot(), 2)
}

func TestJoinGameErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.m.CreateGame(ctx, "alice")
	_, err := f.m.JoinGame(ctx, "bob", "game_1")
	require.NoError(t, err)

	_, err = f.m.JoinGame(ctx, "carol", "game_1")
	assert.ErrorIs(t, err, chess.ErrGameFull)
	assert.Equal(t, "Game full", err.Error())

	_, err = f.m.JoinGame(ctx, "carol", "game_404")
	assert.ErrorIs(t, err, ErrGameNotFound)
	assert.Equal(t, "Game not found", err.Error())
	assert.Empty(t, f.m.GetPlayerGame(ctx, "carol"))
}

func TestConcurrentJoinsFillOneSeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.m.CreateGame(ctx, "alice")

	const joiners = 16
	var (
		wg      sync.WaitGroup
		joined  atomic.Int64
		refused atomic.Int64
	)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.m.JoinGame(ctx, fmt.Sprintf("player%d", i), "game_1")
			switch {
			case err == nil:
				joined.Add(1)
			case errors.Is(err, chess.ErrGameFull):
				refused.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), joined.Load())
	assert.Equal(t, int64(joiners-1), refused.Load())

	state, err := f.m.GetGameState(ctx, "game_1")
	require.NoError(t, err)
	assert.Equal(t, "alice", state.WhitePlayer)
	assert.NotEmpty(t, state.BlackPlayer)
}

func TestMakeMove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.m.CreateGame(ctx, "alice")
	_, err := f.m.JoinGame(ctx, "bob", "game_1")
	require.NoError(t, err)

	move, state, err := f.m.MakeMove(ctx, "alice", "game_1", sq(t, "e2"), sq(t, "e4"))
	require.NoError(t, err)

	assert.Equal(t, 1, move.MoveNumber)
	assert.Equal(t, "e4", move.AlgebraicNotation)
	assert.Equal(t, chess.Black, state.CurrentPlayer)
	assert.Contains(t, f.queue.snapshot(), "move game_1 1")

	cached, err := f.cache.GetGameState(ctx, "game_1")
	require.NoError(t, err)
	assert.Equal(t, state, *cached)
}

func TestMakeMoveRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.m.CreateGame(ctx, "alice")
	_, err := f.m.JoinGame(ctx, "bob", "game_1")
	require.NoError(t, err)

	tests := []struct {
		name     string
		playerID string
		gameID   string
		from, to string
		want     error
	}{
		{"unknown game", "alice", "game_404", "e2", "e4", ErrGameNotFound},
		{"not in game", "carol", "game_1", "e2", "e4", chess.ErrNotInGame},
		{"not your turn", "bob", "game_1", "e7", "e5", chess.ErrNotYourTurn},
		{"opponent piece", "alice", "game_1", "e7", "e5", chess.ErrInvalidSelection},
		{"illegal destination", "alice", "game_1", "e2", "e5", chess.ErrInvalidMove},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.m.MakeMove(ctx, tt.playerID, tt.gameID, sq(t, tt.from), sq(t, tt.to))
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, []string{"create game_1 alice WHITE", "join game_1 bob BLACK"}, f.queue.snapshot())
}

func TestCheckmateQueuesGameEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.m.CreateGame(ctx, "alice")
	_, err := f.m.JoinGame(ctx, "bob", "game_1")
	require.NoError(t, err)

	moves := []struct{ player, from, to string }{
		{"alice", "f2", "f3"},
		{"bob", "e7", "e5"},
		{"alice", "g2", "g4"},
		{"bob", "d8", "h4"},
	}
	var state chess.GameState
	for _, mv := range moves {
		_, state, err = f.m.MakeMove(ctx, mv.player, "game_1", sq(t, mv.from), sq(t, mv.to))
		require.NoError(t, err, "%s %s%s", mv.player, mv.from, mv.to)
	}

	assert.Equal(t, chess.StatusCheckmate, state.GameStatus)
	assert.Equal(t, "bob", state.Winner)
	assert.Equal(t, "alice", state.Loser)

	require.Len(t, f.queue.ends, 1)
	assert.Equal(t, store.GameEnd{GameID: "game_1", Status: chess.StatusCheckmate, Winner: "bob"}, f.queue.ends[0])
	items := f.queue.snapshot()
	assert.Equal(t, "end game_1", items[len(items)-1])
}

func TestStalemateQueuesGameEndWithoutWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.m.CreateGame(ctx, "alice")
	_, err := f.m.JoinGame(ctx, "bob", "game_1")
	require.NoError(t, err)

	// Loyd's ten-move stalemate.
	moves := []struct{ player, from, to string }{
		{"alice", "e2", "e3"}, {"bob", "a7", "a5"},
		{"alice", "d1", "h5"}, {"bob", "a8", "a6"},
		{"alice", "h5", "a5"}, {"bob", "h7", "h5"},
		{"alice", "h2", "h4"}, {"bob", "a6", "h6"},
		{"alice", "a5", "c7"}, {"bob", "f7", "f6"},
		{"alice", "c7", "d7"}, {"bob", "e8", "f7"},
		{"alice", "d7", "b7"}, {"bob", "d8", "d3"},
		{"alice", "b7", "b8"}, {"bob", "d3", "h7"},
		{"alice", "b8", "c8"}, {"bob", "f7", "g6"},
		{"alice", "c8", "e6"},
	}
	var state chess.GameState
	for _, mv := range moves {
		_, state, err = f.m.MakeMove(ctx, mv.player, "game_1", sq(t, mv.from), sq(t, mv.to))
		require.NoError(t, err, "%s %s%s", mv.player, mv.from, mv.to)
	}

	assert.Equal(t, chess.StatusStalemate, state.GameStatus)
	assert.Empty(t, state.Winner)

	require.Len(t, f.queue.ends, 1)
	assert.Equal(t, store.GameEnd{GameID: "game_1", Status: chess.StatusStalemate}, f.queue.ends[0])
	items := f.queue.snapshot()
	assert.Equal(t, "end game_1", items[len(items)-1])
}

func TestGetValidMoves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.m.CreateGame(ctx, "alice")

	moves := f.m.GetValidMoves(ctx, "alice", "game_1", sq(t, "g1"))
	assert.ElementsMatch(t, []chess.Position{sq(t, "f3"), sq(t, "h3")}, moves)

	assert.Empty(t, f.m.GetValidMoves(ctx, "alice", "game_404", sq(t, "g1")))
	assert.NotNil(t, f.m.GetValidMoves(ctx, "alice", "game_404", sq(t, "g1")))
	assert.Empty(t, f.m.GetValidMoves(ctx, "bob", "game_1", sq(t, "g1")))
}

func TestGetGameStateIsStable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.m.CreateGame(ctx, "alice")

	first, err := f.m.GetGameState(ctx, "game_1")
	require.NoError(t, err)
	second, err := f.m.GetGameState(ctx, "game_1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGetGameStateFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.m.CreateGame(ctx, "alice")

	peer := f.peer()
	state, err := peer.GetGameState(ctx, "game_1")
	require.NoError(t, err)
	assert.Equal(t, created, state)
	assert.Zero(t, peer.GameCount(), "reading a cached state does not make it live")
}

func TestMakeMoveRestoresFromCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.m.CreateGame(ctx, "alice")
	_, err := f.m.JoinGame(ctx, "bob", "game_1")
	require.NoError(t, err)
	_, _, err = f.m.MakeMove(ctx, "alice", "game_1", sq(t, "e2"), sq(t, "e4"))
	require.NoError(t, err)

	peer := f.peer()
	move, state, err := peer.MakeMove(ctx, "bob", "game_1", sq(t, "e7"), sq(t, "e5"))
	require.NoError(t, err)

	assert.Equal(t, 2, move.MoveNumber)
	assert.Equal(t, chess.White, state.CurrentPlayer)
	assert.Len(t, state.MoveHistory, 2)
	assert.Equal(t, 1, peer.GameCount())
	assert.Equal(t, "game_1", peer.GetPlayerGame(ctx, "bob"), "mapping read through the cache")
}

func TestRemovePlayer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.m.CreateGame(ctx, "alice")
	_, err := f.m.JoinGame(ctx, "bob", "game_1")
	require.NoError(t, err)

	f.m.RemovePlayerFromGame(ctx, "bob", "game_1")

	state, err := f.m.GetGameState(ctx, "game_1")
	require.NoError(t, err)
	assert.Empty(t, state.BlackPlayer)
	assert.Empty(t, f.m.GetPlayerGame(ctx, "bob"))

	players, err := f.cache.GamePlayers(ctx, "game_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, players)

	// Last player out deletes the game.
	f.m.RemovePlayerFromGame(ctx, "alice", "")

	_, err = f.m.GetGameState(ctx, "game_1")
	assert.ErrorIs(t, err, ErrGameNotFound)
	assert.Zero(t, f.m.GameCount())
	assert.Contains(t, f.queue.snapshot(), "delete game_1")
	assert.False(t, f.mr.Exists("game:game_1"))
	assert.False(t, f.mr.Exists("player:alice:game"))
}

func TestRemovePlayerWithoutGame(t *testing.T) {
	f := newFixture(t)
	f.m.RemovePlayerFromGame(context.Background(), "nobody", "")
	assert.Empty(t, f.queue.snapshot())
}

func TestCacheFailuresDoNotFailPlay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.m.CreateGame(ctx, "alice")
	_, err := f.m.JoinGame(ctx, "bob", "game_1")
	require.NoError(t, err)

	f.mr.SetError("ERR cache unavailable")

	_, state, err := f.m.MakeMove(ctx, "alice", "game_1", sq(t, "e2"), sq(t, "e4"))
	require.NoError(t, err)
	assert.Equal(t, chess.Black, state.CurrentPlayer)
	assert.Contains(t, f.queue.snapshot(), "move game_1 1")
}

func TestShutdownQueuesStatusAndDrains(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.m.CreateGame(ctx, "alice")
	f.m.CreateGame(ctx, "carol")
	_, err := f.m.JoinGame(ctx, "bob", "game_1")
	require.NoError(t, err)

	require.NoError(t, f.m.Shutdown(ctx))

	items := f.queue.snapshot()
	assert.Contains(t, items, "status game_1 ACTIVE")
	assert.Contains(t, items, "status game_2 WAITING")
	assert.Equal(t, 1, f.queue.drained)
}
