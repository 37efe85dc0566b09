package chess

import "sort"

// SerializedPiece is the wire form of a piece inside GameState.BoardState.
type SerializedPiece struct {
	Type     PieceType `json:"type"`
	Color    Color     `json:"color"`
	HasMoved bool      `json:"has_moved"`
}

// GameState is the snapshot of a Game sent to clients and stored in the cache.
// BoardState is indexed [y][x]; empty squares are null. A vacant player slot is "".
type GameState struct {
	GameID         string               `json:"gameId"`
	BoardState     [][]*SerializedPiece `json:"boardState"`
	CurrentPlayer  Color                `json:"currentPlayer"`
	GameStatus     GameStatus           `json:"gameStatus"`
	WhitePlayer    string               `json:"whitePlayer"`
	BlackPlayer    string               `json:"blackPlayer"`
	MoveHistory    []Move               `json:"moveHistory"`
	CapturedPieces []CapturedPiece      `json:"capturedPieces"`
	Winner         string               `json:"winner"`
	Loser          string               `json:"looser"`
	MaterialCount  MaterialCount        `json:"materialCount"`
}

// State returns a snapshot of g. Two calls with no move in between are equal.
func (g *Game) State() GameState {
	rows := make([][]*SerializedPiece, 8)
	for y := 0; y < 8; y++ {
		rows[y] = make([]*SerializedPiece, 8)
		for x := 0; x < 8; x++ {
			if p := g.board.squares[y][x]; p != nil {
				rows[y][x] = &SerializedPiece{Type: p.Type, Color: p.Color, HasMoved: p.HasMoved}
			}
		}
	}
	return GameState{
		GameID:         g.ID,
		BoardState:     rows,
		CurrentPlayer:  g.current,
		GameStatus:     g.status,
		WhitePlayer:    g.players[White],
		BlackPlayer:    g.players[Black],
		MoveHistory:    append([]Move{}, g.history...),
		CapturedPieces: append([]CapturedPiece{}, g.captured...),
		Winner:         g.winner,
		Loser:          g.loser,
		MaterialCount:  g.board.Material(),
	}
}

// RestoreGame rebuilds a Game from a snapshot. The board comes from BoardState
// when it is a full 8x8 grid, otherwise from replaying MoveHistory in
// moveNumber order on a fresh board. Unreadable squares are left empty and
// unreplayable moves are skipped. Unknown colors and statuses fall back to
// the values of a new game.
func RestoreGame(s GameState) *Game {
	g := NewGame(s.GameID)
	if s.WhitePlayer != "" {
		g.players[White] = s.WhitePlayer
	}
	if s.BlackPlayer != "" {
		g.players[Black] = s.BlackPlayer
	}
	if s.CurrentPlayer.Valid() {
		g.current = s.CurrentPlayer
	}
	if s.GameStatus.Valid() {
		g.status = s.GameStatus
	}
	g.winner, g.loser = s.Winner, s.Loser

	g.history = append([]Move{}, s.MoveHistory...)
	sort.SliceStable(g.history, func(i, j int) bool {
		return g.history[i].MoveNumber < g.history[j].MoveNumber
	})
	for _, m := range g.history {
		if m.MoveNumber >= g.moveNumber {
			g.moveNumber = m.MoveNumber + 1
		}
	}
	for _, c := range s.CapturedPieces {
		if c.Piece.Valid() && c.CapturedColor.Valid() {
			g.captured = append(g.captured, c)
		}
	}

	switch {
	case fullGrid(s.BoardState):
		g.board = boardFromState(s.BoardState)
	case len(g.history) > 0:
		for _, m := range g.history {
			g.board.Relocate(m.From, m.To)
		}
	}
	return g
}

func fullGrid(rows [][]*SerializedPiece) bool {
	if len(rows) != 8 {
		return false
	}
	for _, row := range rows {
		if len(row) != 8 {
			return false
		}
	}
	return true
}

func boardFromState(rows [][]*SerializedPiece) *Board {
	b := EmptyBoard()
	for y, row := range rows {
		for x, sp := range row {
			if sp == nil || !sp.Type.Valid() || !sp.Color.Valid() {
				continue
			}
			b.squares[y][x] = &Piece{Color: sp.Color, Type: sp.Type, HasMoved: sp.HasMoved}
		}
	}
	return b
}
