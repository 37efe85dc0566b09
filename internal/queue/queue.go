// Package queue buffers store writes behind live play. Items are drained in
// batches on a ticker; a failing item is retried on later ticks and dropped
// once it has used up its retries.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/justinabrahms/chesslive/internal/chess"
	"github.com/justinabrahms/chesslive/internal/store"
	"github.com/rs/zerolog"
)

const (
	DefaultInterval   = time.Second
	DefaultBatchSize  = 10
	DefaultMaxRetries = 3

	itemTimeout = 10 * time.Second
)

// Kind names what an item writes.
type Kind string

const (
	KindGameCreation Kind = "GAME_CREATION"
	KindPlayerJoin   Kind = "PLAYER_JOIN"
	KindMove         Kind = "MOVE"
	KindGameEnd      Kind = "GAME_END"
	KindGameUpdate   Kind = "GAME_UPDATE"
	KindGameDeletion Kind = "GAME_DELETION"
)

// Item is one pending write.
type Item struct {
	ID         string
	Kind       Kind
	GameID     string
	Payload    any
	Retries    int
	EnqueuedAt time.Time
}

type statusUpdate struct {
	GameID string
	Status chess.GameStatus
}

type handler func(ctx context.Context, s store.Store, payload any) error

var handlers = map[Kind]handler{
	KindGameCreation: func(ctx context.Context, s store.Store, p any) error {
		seat, ok := p.(store.Seat)
		if !ok {
			return badPayload(KindGameCreation, p)
		}
		return s.CreateGame(ctx, seat)
	},
	KindPlayerJoin: func(ctx context.Context, s store.Store, p any) error {
		seat, ok := p.(store.Seat)
		if !ok {
			return badPayload(KindPlayerJoin, p)
		}
		return s.JoinGame(ctx, seat)
	},
	KindMove: func(ctx context.Context, s store.Store, p any) error {
		rec, ok := p.(store.MoveRecord)
		if !ok {
			return badPayload(KindMove, p)
		}
		return s.RecordMove(ctx, rec)
	},
	KindGameEnd: func(ctx context.Context, s store.Store, p any) error {
		end, ok := p.(store.GameEnd)
		if !ok {
			return badPayload(KindGameEnd, p)
		}
		return s.EndGame(ctx, end)
	},
	KindGameUpdate: func(ctx context.Context, s store.Store, p any) error {
		u, ok := p.(statusUpdate)
		if !ok {
			return badPayload(KindGameUpdate, p)
		}
		return s.UpdateGameStatus(ctx, u.GameID, u.Status)
	},
	KindGameDeletion: func(ctx context.Context, s store.Store, p any) error {
		gameID, ok := p.(string)
		if !ok {
			return badPayload(KindGameDeletion, p)
		}
		return s.DeleteGame(ctx, gameID)
	},
}

func badPayload(k Kind, p any) error {
	return fmt.Errorf("%s: unexpected payload %T", k, p)
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending   int          `json:"pending"`
	ByKind    map[Kind]int `json:"byKind"`
	Processed int64        `json:"processed"`
	Failed    int64        `json:"failed"`
	Dropped   int64        `json:"dropped"`
}

// Queue is an unbounded write-behind buffer in front of a store.Store.
type Queue struct {
	store      store.Store
	logger     zerolog.Logger
	interval   time.Duration
	batchSize  int
	maxRetries int

	mu       sync.Mutex
	items    []Item
	inFlight []Item

	// held for the duration of a drain pass
	draining sync.Mutex

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Option configures the queue
type Option func(*Queue)

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithInterval sets how often the queue is drained
func WithInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.interval = d
		}
	}
}

// WithBatchSize sets how many items run per batch
func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// WithMaxRetries sets how many times a failed item is retried before it is dropped
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

// New creates a queue writing to s.
func New(s store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:      s,
		logger:     zerolog.Nop(),
		interval:   DefaultInterval,
		batchSize:  DefaultBatchSize,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) enqueue(kind Kind, gameID string, payload any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, Item{
		ID:         uuid.NewString(),
		Kind:       kind,
		GameID:     gameID,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	})
}

// EnqueueGameCreation queues the insert of a new game.
func (q *Queue) EnqueueGameCreation(seat store.Seat) {
	q.enqueue(KindGameCreation, seat.GameID, seat)
}

// EnqueuePlayerJoin queues seating a second player.
func (q *Queue) EnqueuePlayerJoin(seat store.Seat) {
	q.enqueue(KindPlayerJoin, seat.GameID, seat)
}

// EnqueueMove queues a move insert.
func (q *Queue) EnqueueMove(rec store.MoveRecord) {
	q.enqueue(KindMove, rec.GameID, rec)
}

// EnqueueGameEnd queues the final result and rating update.
func (q *Queue) EnqueueGameEnd(end store.GameEnd) {
	q.enqueue(KindGameEnd, end.GameID, end)
}

// EnqueueStatusUpdate queues a status overwrite.
func (q *Queue) EnqueueStatusUpdate(gameID string, status chess.GameStatus) {
	q.enqueue(KindGameUpdate, gameID, statusUpdate{GameID: gameID, Status: status})
}

// EnqueueGameDeletion queues removal of a game.
func (q *Queue) EnqueueGameDeletion(gameID string) {
	q.enqueue(KindGameDeletion, gameID, gameID)
}

// Len returns the number of items not yet written.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.inFlight)
}

// Stats reports the backlog and lifetime counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	byKind := make(map[Kind]int)
	for _, it := range q.items {
		byKind[it.Kind]++
	}
	for _, it := range q.inFlight {
		byKind[it.Kind]++
	}
	pending := len(q.items) + len(q.inFlight)
	q.mu.Unlock()

	return Stats{
		Pending:   pending,
		ByKind:    byKind,
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
	}
}

// Run drains the queue every interval until ctx is done. A tick that finds a
// drain still in flight is skipped.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !q.draining.TryLock() {
				continue
			}
			q.pass(ctx)
			q.draining.Unlock()
		}
	}
}

// Drain writes everything queued, including retries, and returns once the
// queue is empty or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	q.draining.Lock()
	defer q.draining.Unlock()

	for q.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.pass(ctx)
	}
	return nil
}

// pass takes every queued item and runs it in batches. Failed items and any
// later items of the same game go back to the front of the queue, in order.
func (q *Queue) pass(ctx context.Context) {
	q.mu.Lock()
	pending := q.items
	q.items = nil
	q.inFlight = pending
	q.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	var retry []Item
	blocked := make(map[string]bool)
	for start := 0; start < len(pending); start += q.batchSize {
		batch := pending[start:min(start+q.batchSize, len(pending))]
		retry = append(retry, q.runBatch(ctx, batch, blocked)...)
	}

	q.mu.Lock()
	q.items = append(retry, q.items...)
	q.inFlight = nil
	q.mu.Unlock()
}

// runBatch runs each game's items sequentially and different games
// concurrently. It returns the items to retry.
func (q *Queue) runBatch(ctx context.Context, batch []Item, blocked map[string]bool) []Item {
	var order []string
	groups := make(map[string][]Item)
	var retry []Item
	for _, it := range batch {
		if blocked[it.GameID] {
			retry = append(retry, it)
			continue
		}
		if _, ok := groups[it.GameID]; !ok {
			order = append(order, it.GameID)
		}
		groups[it.GameID] = append(groups[it.GameID], it)
	}

	results := make([][]Item, len(order))
	var wg sync.WaitGroup
	for i, gameID := range order {
		wg.Add(1)
		go func(i int, items []Item) {
			defer wg.Done()
			results[i] = q.runGroup(ctx, items)
		}(i, groups[gameID])
	}
	wg.Wait()

	for i, gameID := range order {
		if len(results[i]) > 0 {
			blocked[gameID] = true
			retry = append(retry, results[i]...)
		}
	}
	return retry
}

func (q *Queue) runGroup(ctx context.Context, items []Item) []Item {
	for i, it := range items {
		err := q.process(ctx, it)
		if err == nil {
			q.processed.Add(1)
			continue
		}
		q.failed.Add(1)

		if it.Retries >= q.maxRetries {
			q.dropped.Add(1)
			q.logger.Error().
				Err(err).
				Str("kind", string(it.Kind)).
				Str("gameID", it.GameID).
				Int("retries", it.Retries).
				Msg("Dropping queue item after max retries")
			continue
		}

		q.logger.Warn().
			Err(err).
			Str("kind", string(it.Kind)).
			Str("gameID", it.GameID).
			Int("retries", it.Retries).
			Msg("Queue item failed, will retry")
		it.Retries++
		return append([]Item{it}, items[i+1:]...)
	}
	return nil
}

func (q *Queue) process(ctx context.Context, it Item) error {
	h, ok := handlers[it.Kind]
	if !ok {
		return fmt.Errorf("unknown queue item kind %q", it.Kind)
	}
	ctx, cancel := context.WithTimeout(ctx, itemTimeout)
	defer cancel()
	return h(ctx, q.store, it.Payload)
}
