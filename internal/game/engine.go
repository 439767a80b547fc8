// internal/game/engine.go
//
// Grid state for a single crossword session.
// Responsibilities:
//   - Board: local input (one letter per white cell), auto-advance, completion.
//   - Mirror: opponent progress rebuilt from broadcasts.
//
// Notes:
//   - Board and Mirror never touch each other: local keystrokes only reach the
//     Board, inbound events only reach the Mirror.
//   - Neither type locks; the owning session serializes access.

package game

import (
	"math"
	"strings"
	"unicode"
)

// NewBoard returns an empty board shaped like p.
func NewBoard(p *Puzzle) *Board {
	cells := make([][]string, p.Rows)
	for r := range cells {
		cells[r] = make([]string, p.Cols)
		for c := range cells[r] {
			if p.IsBlocked(r, c) {
				cells[r][c] = Blocked
			}
		}
	}
	return &Board{cells: cells}
}

// NormalizeInput reduces raw keyboard input to what a cell should hold.
// The last rune wins (typing over a filled cell); "" clears.
// ok is false for anything that is not a letter A-Z.
func NormalizeInput(value string) (letter string, ok bool) {
	if value == "" {
		return "", true
	}
	runes := []rune(value)
	last := unicode.ToUpper(runes[len(runes)-1])
	if last < 'A' || last > 'Z' {
		return "", false
	}
	return string(last), true
}

// Set writes raw input into (r, c) and returns the stored letter ("" when cleared).
func (b *Board) Set(p *Puzzle, r, c int, value string) (string, error) {
	if !p.InRange(r, c) {
		return "", ErrOutOfRange
	}
	if p.IsBlocked(r, c) {
		return "", ErrBlockedCell
	}
	letter, ok := NormalizeInput(value)
	if !ok {
		return "", ErrBadLetter
	}
	b.cells[r][c] = letter
	return letter, nil
}

// Get returns the letter at (r, c).
func (b *Board) Get(r, c int) string {
	if r < 0 || r >= len(b.cells) || c < 0 || c >= len(b.cells[r]) {
		return ""
	}
	if v := b.cells[r][c]; v != Blocked {
		return v
	}
	return ""
}

// NextCell returns the next white cell to the right of (r, c) in the same row.
func NextCell(p *Puzzle, r, c int) (Cursor, bool) {
	for nc := c + 1; nc < p.Cols; nc++ {
		if !p.IsBlocked(r, nc) {
			return Cursor{Row: r, Col: nc}, true
		}
	}
	return Cursor{}, false
}

// Complete reports whether every white cell equals the solution (case-insensitive).
func (b *Board) Complete(p *Puzzle) bool {
	for r := 0; r < p.Rows; r++ {
		for c := 0; c < p.Cols; c++ {
			if p.IsBlocked(r, c) {
				continue
			}
			if !strings.EqualFold(b.Get(r, c), p.Solution[r][c]) {
				return false
			}
		}
	}
	return true
}

// Filled counts white cells holding any letter.
func (b *Board) Filled() int {
	n := 0
	for _, row := range b.cells {
		for _, v := range row {
			if v != "" && v != Blocked {
				n++
			}
		}
	}
	return n
}

// Progress is the rounded percentage of white cells filled.
func (b *Board) Progress(p *Puzzle) int { return percent(b.Filled(), p.WhiteCells()) }

// Rows returns a copy of the grid; black squares are Blocked.
func (b *Board) Rows() [][]string { return copyGrid(b.cells) }

// NewMirror returns an empty opponent mirror shaped like p.
func NewMirror(p *Puzzle) *Mirror {
	return &Mirror{filled: NewBoard(p).cells}
}

// Fill records a confirmed opponent letter. Out-of-range or blocked targets are ignored.
func (m *Mirror) Fill(p *Puzzle, r, c int, letter string) bool {
	if p.IsBlocked(r, c) {
		return false
	}
	l, ok := NormalizeInput(letter)
	if !ok || l == "" {
		return false
	}
	m.filled[r][c] = l
	return true
}

// Select records the opponent cursor. Out-of-range targets are ignored.
func (m *Mirror) Select(p *Puzzle, r, c int) bool {
	if !p.InRange(r, c) {
		return false
	}
	m.selected = &Cursor{Row: r, Col: c}
	return true
}

// Selected returns the last known opponent cursor.
func (m *Mirror) Selected() (Cursor, bool) {
	if m.selected == nil {
		return Cursor{}, false
	}
	return *m.selected, true
}

// Progress is the rounded percentage of white cells the opponent has confirmed.
func (m *Mirror) Progress(p *Puzzle) int {
	n := 0
	for _, row := range m.filled {
		for _, v := range row {
			if v != "" && v != Blocked {
				n++
			}
		}
	}
	return percent(n, p.WhiteCells())
}

// Rows returns a copy of the mirror grid.
func (m *Mirror) Rows() [][]string { return copyGrid(m.filled) }

func percent(n, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(n) * 100 / float64(total)))
}

func copyGrid(g [][]string) [][]string {
	cp := make([][]string, len(g))
	for i, row := range g {
		cp[i] = make([]string, len(row))
		copy(cp[i], row)
	}
	return cp
}
