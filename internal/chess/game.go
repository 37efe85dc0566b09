package chess

// Game is one match: two color slots, an owned board, and the derived status.
// A Game is not safe for concurrent use; callers serialize access.
type Game struct {
	ID string

	players    map[Color]string
	board      *Board
	history    []Move
	captured   []CapturedPiece
	moveNumber int
	current    Color
	status     GameStatus
	winner     string
	loser      string
}

// NewGame returns an empty game in the initial position, waiting for players.
func NewGame(id string) *Game {
	return &Game{
		ID:         id,
		players:    map[Color]string{},
		board:      NewBoard(),
		moveNumber: 1,
		current:    White,
		status:     StatusWaiting,
	}
}

// AddPlayer seats playerID in the first free slot, WHITE before BLACK. A player
// already seated keeps their color. Filling the second slot of a waiting game
// activates it.
func (g *Game) AddPlayer(playerID string) (Color, error) {
	if c, ok := g.ColorOf(playerID); ok {
		return c, nil
	}
	switch {
	case g.players[White] == "":
		g.players[White] = playerID
		return White, nil
	case g.players[Black] == "":
		g.players[Black] = playerID
		if g.status == StatusWaiting {
			g.status = StatusActive
		}
		return Black, nil
	}
	return "", ErrGameFull
}

// RemovePlayer clears playerID's slot. It reports whether the player was seated.
func (g *Game) RemovePlayer(playerID string) bool {
	c, ok := g.ColorOf(playerID)
	if !ok {
		return false
	}
	delete(g.players, c)
	return true
}

// ColorOf returns the color playerID plays.
func (g *Game) ColorOf(playerID string) (Color, bool) {
	if playerID == "" {
		return "", false
	}
	for _, c := range []Color{White, Black} {
		if g.players[c] == playerID {
			return c, true
		}
	}
	return "", false
}

// Player returns the id seated on c, or "" if the slot is vacant.
func (g *Game) Player(c Color) string {
	return g.players[c]
}

// Empty reports whether both slots are vacant.
func (g *Game) Empty() bool {
	return g.players[White] == "" && g.players[Black] == ""
}

func (g *Game) Board() *Board             { return g.board }
func (g *Game) CurrentPlayer() Color      { return g.current }
func (g *Game) Status() GameStatus        { return g.status }
func (g *Game) Winner() string            { return g.winner }
func (g *Game) Loser() string             { return g.loser }
func (g *Game) History() []Move           { return append([]Move(nil), g.history...) }
func (g *Game) Captured() []CapturedPiece { return append([]CapturedPiece(nil), g.captured...) }

// MakeMove plays from→to for playerID. Failures are Rejections and leave the
// game untouched.
func (g *Game) MakeMove(playerID string, from, to Position) (*Move, error) {
	color, ok := g.ColorOf(playerID)
	if !ok {
		return nil, ErrNotInGame
	}
	if color != g.current {
		return nil, ErrNotYourTurn
	}
	piece := g.board.Get(from)
	if piece == nil || piece.Color != color {
		return nil, ErrInvalidSelection
	}
	if !containsPosition(g.board.LegalMoves(from), to) {
		return nil, ErrInvalidMove
	}

	captured, ok := g.board.Relocate(from, to)
	if !ok {
		return nil, ErrMoveFailed
	}

	move := Move{
		From:       from,
		To:         to,
		Piece:      piece.Type,
		MoveNumber: g.moveNumber,
	}
	if captured != nil {
		move.Captured = captured.Type
		g.captured = append(g.captured, CapturedPiece{Piece: captured.Type, CapturedColor: color})
	}
	g.moveNumber++
	g.current = color.Opponent()
	g.updateStatus()

	move.IsCheck = g.status == StatusCheck || g.status == StatusCheckmate
	move.IsCheckmate = g.status == StatusCheckmate
	move.AlgebraicNotation = notation(move)
	g.history = append(g.history, move)
	return &move, nil
}

// ValidMoves returns the legal destinations of the piece on pos, or nothing
// when it is not playerID's turn or the piece is not theirs.
func (g *Game) ValidMoves(playerID string, pos Position) []Position {
	color, ok := g.ColorOf(playerID)
	if !ok || color != g.current {
		return []Position{}
	}
	piece := g.board.Get(pos)
	if piece == nil || piece.Color != color {
		return []Position{}
	}
	moves := g.board.LegalMoves(pos)
	if moves == nil {
		return []Position{}
	}
	return moves
}

func (g *Game) updateStatus() {
	inCheck := g.board.InCheck(g.current)
	hasMoves := g.board.HasLegalMoves(g.current)

	g.winner, g.loser = "", ""
	switch {
	case inCheck && !hasMoves:
		g.status = StatusCheckmate
		g.winner = g.players[g.current.Opponent()]
		g.loser = g.players[g.current]
	case !hasMoves:
		g.status = StatusStalemate
	case inCheck:
		g.status = StatusCheck
	default:
		g.status = StatusActive
	}
}

func containsPosition(ps []Position, p Position) bool {
	for _, q := range ps {
		if q == p {
			return true
		}
	}
	return false
}

var notationLetters = [numPieceTypes]string{
	King:   "K",
	Queen:  "Q",
	Rook:   "R",
	Bishop: "B",
	Knight: "N",
}

// notation renders m in short algebraic form, e.g. "Nf3", "exd5", "Qxf7#".
func notation(m Move) string {
	s := notationLetters[m.Piece]
	if m.Captured != NoPieceType {
		if m.Piece == Pawn {
			s += m.From.Square()[:1]
		}
		s += "x"
	}
	s += m.To.Square()
	switch {
	case m.IsCheckmate:
		s += "#"
	case m.IsCheck:
		s += "+"
	}
	return s
}
