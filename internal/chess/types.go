package chess

import "fmt"

// Color identifies a side.
type Color string

const (
	White Color = "WHITE"
	Black Color = "BLACK"
)

// Opponent returns the other side.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// Valid reports whether c is one of the two sides.
func (c Color) Valid() bool {
	return c == White || c == Black
}

// PieceType is the closed set of piece kinds. The zero value means "no piece"
// and is what unknown names decode to.
type PieceType uint8

const (
	NoPieceType PieceType = iota
	King
	Queen
	Rook
	Bishop
	Knight
	Pawn

	numPieceTypes
)

var pieceTypeNames = [numPieceTypes]string{
	NoPieceType: "",
	King:        "KING",
	Queen:       "QUEEN",
	Rook:        "ROOK",
	Bishop:      "BISHOP",
	Knight:      "KNIGHT",
	Pawn:        "PAWN",
}

func (t PieceType) String() string {
	if t >= numPieceTypes {
		return fmt.Sprintf("PieceType(%d)", uint8(t))
	}
	return pieceTypeNames[t]
}

// Valid reports whether t names an actual piece.
func (t PieceType) Valid() bool {
	return t > NoPieceType && t < numPieceTypes
}

// MarshalText encodes the piece type by name.
func (t PieceType) MarshalText() ([]byte, error) {
	if t >= numPieceTypes {
		return nil, fmt.Errorf("invalid piece type %d", uint8(t))
	}
	return []byte(pieceTypeNames[t]), nil
}

// UnmarshalText decodes a piece type name. Unknown names become NoPieceType so
// a damaged snapshot degrades square by square instead of failing outright.
func (t *PieceType) UnmarshalText(text []byte) error {
	*t = NoPieceType
	for i := King; i < numPieceTypes; i++ {
		if pieceTypeNames[i] == string(text) {
			*t = i
			return nil
		}
	}
	return nil
}

// Position is a square on the board. y=0 is Black's back rank.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Pos is shorthand for Position{X: x, Y: y}.
func Pos(x, y int) Position {
	return Position{X: x, Y: y}
}

// InBounds reports whether p lies on the board.
func (p Position) InBounds() bool {
	return p.X >= 0 && p.X < 8 && p.Y >= 0 && p.Y < 8
}

// Square returns the algebraic name of p, e.g. "e4".
func (p Position) Square() string {
	if !p.InBounds() {
		return "??"
	}
	return string(rune('a'+p.X)) + string(rune('8'-p.Y))
}

func (p Position) String() string {
	return p.Square()
}

// ParseSquare converts an algebraic square such as "e2" into a Position.
func ParseSquare(sq string) (Position, error) {
	if len(sq) != 2 {
		return Position{}, fmt.Errorf("invalid square %q", sq)
	}
	if sq[0] < 'a' || sq[0] > 'h' || sq[1] < '1' || sq[1] > '8' {
		return Position{}, fmt.Errorf("invalid square %q", sq)
	}
	return Position{X: int(sq[0] - 'a'), Y: int('8' - sq[1])}, nil
}

// Piece is a single man on the board.
type Piece struct {
	Color    Color
	Type     PieceType
	HasMoved bool
}

// Symbol returns the FEN letter for the piece.
func (p *Piece) Symbol() string {
	s := fenLetters[p.Type]
	if p.Color == White {
		return string(s - 'a' + 'A')
	}
	return string(s)
}

var fenLetters = [numPieceTypes]byte{
	NoPieceType: '.',
	King:        'k',
	Queen:       'q',
	Rook:        'r',
	Bishop:      'b',
	Knight:      'n',
	Pawn:        'p',
}

// GameStatus is the derived state of a match.
type GameStatus string

const (
	StatusWaiting   GameStatus = "WAITING"
	StatusActive    GameStatus = "ACTIVE"
	StatusCheck     GameStatus = "CHECK"
	StatusCheckmate GameStatus = "CHECKMATE"
	StatusStalemate GameStatus = "STALEMATE"
	StatusDraw      GameStatus = "DRAW"
	StatusAbandoned GameStatus = "ABANDONED"
)

// Valid reports whether s is a known status.
func (s GameStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusCheck, StatusCheckmate,
		StatusStalemate, StatusDraw, StatusAbandoned:
		return true
	}
	return false
}

// Finished reports whether no further moves can be played.
func (s GameStatus) Finished() bool {
	switch s {
	case StatusCheckmate, StatusStalemate, StatusDraw, StatusAbandoned:
		return true
	}
	return false
}

// Move is one accepted half-move.
type Move struct {
	From              Position  `json:"from"`
	To                Position  `json:"to"`
	Piece             PieceType `json:"piece"`
	Captured          PieceType `json:"captured,omitempty"`
	MoveNumber        int       `json:"moveNumber"`
	IsCheck           bool      `json:"isCheck,omitempty"`
	IsCheckmate       bool      `json:"isCheckmate,omitempty"`
	AlgebraicNotation string    `json:"algebraicNotation,omitempty"`
}

// CapturedPiece records a capture. CapturedColor is the side that made the capture.
type CapturedPiece struct {
	Piece         PieceType `json:"piece"`
	CapturedColor Color     `json:"capturedColor"`
}

// Rejection is a rule-level refusal. Its text is what clients see.
type Rejection string

func (r Rejection) Error() string {
	return string(r)
}

const (
	ErrGameFull         Rejection = "Game full"
	ErrNotInGame        Rejection = "Player not in game"
	ErrNotYourTurn      Rejection = "Not your turn"
	ErrInvalidSelection Rejection = "Invalid piece selection"
	ErrInvalidMove      Rejection = "Invalid move"
	ErrMoveFailed       Rejection = "Move failed"
)

// MaterialCount is the summed piece value left on the board for each side.
type MaterialCount struct {
	White int `json:"white"`
	Black int `json:"black"`
}

// Balance is White's material minus Black's.
func (m MaterialCount) Balance() int {
	return m.White - m.Black
}

// StandardPieceValues maps piece types to their standard values.
var StandardPieceValues = map[PieceType]int{
	Pawn:   1,
	Knight: 3,
	Bishop: 3,
	Rook:   5,
	Queen:  9,
	King:   0, // King has no material value
}
