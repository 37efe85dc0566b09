package chess

import (
	"fmt"
	"strconv"
	"strings"
)

var backRank = [8]PieceType{Rook, Knight, Bishop, Queen, King, Bishop, Knight, Rook}

// Board is an 8x8 grid indexed [y][x]. Each square owns at most one piece.
type Board struct {
	squares [8][8]*Piece
}

// NewBoard returns a board set up in the initial position.
func NewBoard() *Board {
	b := &Board{}
	for x := 0; x < 8; x++ {
		b.squares[0][x] = &Piece{Color: Black, Type: backRank[x]}
		b.squares[1][x] = &Piece{Color: Black, Type: Pawn}
		b.squares[6][x] = &Piece{Color: White, Type: Pawn}
		b.squares[7][x] = &Piece{Color: White, Type: backRank[x]}
	}
	return b
}

// EmptyBoard returns a board with no pieces on it.
func EmptyBoard() *Board {
	return &Board{}
}

// Get returns the piece on p, or nil for an empty or off-board square.
func (b *Board) Get(p Position) *Piece {
	if !p.InBounds() {
		return nil
	}
	return b.squares[p.Y][p.X]
}

// Set places piece on p, replacing whatever was there. Off-board writes are ignored.
func (b *Board) Set(p Position, piece *Piece) {
	if !p.InBounds() {
		return
	}
	b.squares[p.Y][p.X] = piece
}

// IsEmpty reports whether p is on the board and unoccupied.
func (b *Board) IsEmpty(p Position) bool {
	return p.InBounds() && b.squares[p.Y][p.X] == nil
}

// IsOpponent reports whether p holds a piece of the side opposing c.
func (b *Board) IsOpponent(p Position, c Color) bool {
	piece := b.Get(p)
	return piece != nil && piece.Color != c
}

// Relocate moves the piece on from to to, marking it as moved. It returns the
// piece that stood on to, if any. ok is false when from is empty.
func (b *Board) Relocate(from, to Position) (captured *Piece, ok bool) {
	piece := b.Get(from)
	if piece == nil || !to.InBounds() {
		return nil, false
	}
	captured = b.Get(to)
	b.Set(to, piece)
	b.Set(from, nil)
	piece.HasMoved = true
	return captured, true
}

// Clone returns an independent deep copy.
func (b *Board) Clone() *Board {
	c := &Board{}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if p := b.squares[y][x]; p != nil {
				cp := *p
				c.squares[y][x] = &cp
			}
		}
	}
	return c
}

// Equal reports whether both boards hold the same pieces, including moved flags.
func (b *Board) Equal(o *Board) bool {
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			p, q := b.squares[y][x], o.squares[y][x]
			if (p == nil) != (q == nil) {
				return false
			}
			if p != nil && *p != *q {
				return false
			}
		}
	}
	return true
}

// FindKing returns the square of c's king.
func (b *Board) FindKing(c Color) (Position, bool) {
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if p := b.squares[y][x]; p != nil && p.Color == c && p.Type == King {
				return Pos(x, y), true
			}
		}
	}
	return Position{}, false
}

// Material sums StandardPieceValues for each side.
func (b *Board) Material() MaterialCount {
	var m MaterialCount
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			p := b.squares[y][x]
			if p == nil {
				continue
			}
			if p.Color == White {
				m.White += StandardPieceValues[p.Type]
			} else {
				m.Black += StandardPieceValues[p.Type]
			}
		}
	}
	return m
}

// FEN returns the piece-placement field of the position followed by the side
// to move. Castling and en passant fields are always "-" since neither rule exists here.
func (b *Board) FEN(toMove Color) string {
	var sb strings.Builder
	for y := 0; y < 8; y++ {
		empty := 0
		for x := 0; x < 8; x++ {
			p := b.squares[y][x]
			if p == nil {
				empty++
				continue
			}
			if empty > 0 {
				sb.WriteString(strconv.Itoa(empty))
				empty = 0
			}
			sb.WriteString(p.Symbol())
		}
		if empty > 0 {
			sb.WriteString(strconv.Itoa(empty))
		}
		if y < 7 {
			sb.WriteByte('/')
		}
	}
	side := "w"
	if toMove == Black {
		side = "b"
	}
	sb.WriteString(" " + side + " - - 0 1")
	return sb.String()
}

// ParseFEN builds a board from the piece-placement field of a FEN string.
// Any further fields are ignored. Pawns off their starting rank are marked as moved.
func ParseFEN(fen string) (*Board, error) {
	placement := strings.Fields(fen)
	if len(placement) == 0 {
		return nil, fmt.Errorf("empty FEN")
	}
	ranks := strings.Split(placement[0], "/")
	if len(ranks) != 8 {
		return nil, fmt.Errorf("FEN %q: want 8 ranks, got %d", fen, len(ranks))
	}

	b := EmptyBoard()
	for y, rank := range ranks {
		x := 0
		for _, r := range rank {
			if r >= '1' && r <= '8' {
				x += int(r - '0')
				continue
			}
			piece, ok := pieceFromLetter(r)
			if !ok || x > 7 {
				return nil, fmt.Errorf("FEN %q: bad rank %q", fen, rank)
			}
			if piece.Type == Pawn {
				piece.HasMoved = (piece.Color == White && y != 6) || (piece.Color == Black && y != 1)
			}
			b.squares[y][x] = piece
			x++
		}
		if x != 8 {
			return nil, fmt.Errorf("FEN %q: rank %q has %d files", fen, rank, x)
		}
	}
	return b, nil
}

func pieceFromLetter(r rune) (*Piece, bool) {
	color := Black
	if r >= 'A' && r <= 'Z' {
		color = White
		r = r - 'A' + 'a'
	}
	for t := King; t < numPieceTypes; t++ {
		if rune(fenLetters[t]) == r {
			return &Piece{Color: color, Type: t}, true
		}
	}
	return nil, false
}

// String renders the board as text, rank 8 at the top.
func (b *Board) String() string {
	var sb strings.Builder
	for y := 0; y < 8; y++ {
		sb.WriteString(strconv.Itoa(8 - y))
		for x := 0; x < 8; x++ {
			sb.WriteByte(' ')
			if p := b.squares[y][x]; p != nil {
				sb.WriteString(p.Symbol())
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("  a b c d e f g h\n")
	return sb.String()
}
