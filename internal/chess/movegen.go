package chess

type direction struct{ dx, dy int }

var (
	orthogonal = []direction{{0, 1}, {0, -1}, {1, 0}, {-1, 0}}
	diagonal   = []direction{{1, 1}, {-1, -1}, {-1, 1}, {1, -1}}
	allDirs    = append(append([]direction{}, orthogonal...), diagonal...)

	knightJumps = []direction{
		{2, 1}, {2, -1}, {-2, 1}, {-2, -1},
		{1, 2}, {1, -2}, {-1, 2}, {-1, -2},
	}
)

// generator yields the candidate destinations of piece standing on from,
// ignoring whose turn it is and whether the own king ends up attacked.
type generator func(b *Board, from Position, piece *Piece) []Position

var generators = [numPieceTypes]generator{
	NoPieceType: func(*Board, Position, *Piece) []Position { return nil },
	King:        stepper(allDirs),
	Queen:       slider(allDirs),
	Rook:        slider(orthogonal),
	Bishop:      slider(diagonal),
	Knight:      stepper(knightJumps),
	Pawn:        pawnMoves,
}

// CandidateMoves returns the pseudo-legal destinations of the piece on from.
func (b *Board) CandidateMoves(from Position) []Position {
	piece := b.Get(from)
	if piece == nil || piece.Type >= numPieceTypes {
		return nil
	}
	return generators[piece.Type](b, from, piece)
}

func slider(dirs []direction) generator {
	return func(b *Board, from Position, piece *Piece) []Position {
		var moves []Position
		for _, d := range dirs {
			p := Pos(from.X+d.dx, from.Y+d.dy)
			for p.InBounds() {
				target := b.Get(p)
				if target == nil {
					moves = append(moves, p)
				} else {
					if target.Color != piece.Color {
						moves = append(moves, p)
					}
					break
				}
				p = Pos(p.X+d.dx, p.Y+d.dy)
			}
		}
		return moves
	}
}

func stepper(offsets []direction) generator {
	return func(b *Board, from Position, piece *Piece) []Position {
		var moves []Position
		for _, d := range offsets {
			p := Pos(from.X+d.dx, from.Y+d.dy)
			if !p.InBounds() {
				continue
			}
			if target := b.Get(p); target == nil || target.Color != piece.Color {
				moves = append(moves, p)
			}
		}
		return moves
	}
}

func pawnMoves(b *Board, from Position, piece *Piece) []Position {
	dir, startRow := -1, 6
	if piece.Color == Black {
		dir, startRow = 1, 1
	}

	var moves []Position
	one := Pos(from.X, from.Y+dir)
	if b.IsEmpty(one) {
		moves = append(moves, one)
		two := Pos(from.X, from.Y+2*dir)
		if from.Y == startRow && b.IsEmpty(two) {
			moves = append(moves, two)
		}
	}
	for _, dx := range []int{-1, 1} {
		p := Pos(from.X+dx, from.Y+dir)
		if b.IsOpponent(p, piece.Color) {
			moves = append(moves, p)
		}
	}
	return moves
}

// InCheck reports whether c's king is attacked. A side without a king is never in check.
func (b *Board) InCheck(c Color) bool {
	king, ok := b.FindKing(c)
	if !ok {
		return false
	}
	return b.attacked(king, c.Opponent())
}

// attacked reports whether any piece of color by can reach target.
func (b *Board) attacked(target Position, by Color) bool {
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			p := b.squares[y][x]
			if p == nil || p.Color != by {
				continue
			}
			for _, m := range b.CandidateMoves(Pos(x, y)) {
				if m == target {
					return true
				}
			}
		}
	}
	return false
}

// LegalMoves filters the candidate moves of the piece on from down to those
// that do not leave its own king in check.
func (b *Board) LegalMoves(from Position) []Position {
	piece := b.Get(from)
	if piece == nil {
		return nil
	}
	var legal []Position
	for _, to := range b.CandidateMoves(from) {
		trial := b.Clone()
		trial.Relocate(from, to)
		if !trial.InCheck(piece.Color) {
			legal = append(legal, to)
		}
	}
	return legal
}

// HasLegalMoves reports whether c has at least one legal move anywhere.
func (b *Board) HasLegalMoves(c Color) bool {
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if p := b.squares[y][x]; p != nil && p.Color == c {
				if len(b.LegalMoves(Pos(x, y))) > 0 {
					return true
				}
			}
		}
	}
	return false
}
