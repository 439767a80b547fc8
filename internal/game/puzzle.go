// internal/game/puzzle.go
//
// Builds a Puzzle from the backend's wire form.
//
// Wire form:
//   {"grid": [["C","A","T","-","-"], ...], "clues_across": [...], "clues_down": [...]}
//
// Rules:
//   - "-", " " and "" are black squares; everything else is upper-cased.
//   - A white cell is numbered when it starts an across word (left is black or
//     the edge, right is white) or a down word (top is black or the edge,
//     bottom is white). Numbers increase in row-major order.
//   - Clue texts are attached to the across/down start numbers in grid order.
//     Surplus texts keep number 0 so nothing the backend sent is dropped.

package game

import "strings"

// Wire is the puzzle payload returned by the crossword endpoints.
type Wire struct {
	Grid        [][]string `json:"grid"`
	CluesAcross []string   `json:"clues_across"`
	CluesDown   []string   `json:"clues_down"`
}

// ParsePuzzle validates a wire puzzle and derives numbering and clues.
func ParsePuzzle(w Wire) (*Puzzle, error) {
	if len(w.Grid) == 0 || len(w.Grid[0]) == 0 {
		return nil, ErrEmptyGrid
	}
	rows, cols := len(w.Grid), len(w.Grid[0])
	sol := make([][]string, rows)
	for r, row := range w.Grid {
		if len(row) != cols {
			return nil, ErrRaggedGrid
		}
		sol[r] = make([]string, cols)
		for c, cell := range row {
			cell = strings.TrimSpace(cell)
			if cell == "" || cell == "-" || cell == Blocked {
				sol[r][c] = Blocked
				continue
			}
			sol[r][c] = strings.ToUpper(cell)
		}
	}

	p := &Puzzle{Rows: rows, Cols: cols, Solution: sol}
	acrossNums, downNums := p.number()
	p.Across = attachClues(w.CluesAcross, acrossNums)
	p.Down = attachClues(w.CluesDown, downNums)
	return p, nil
}

// number fills p.Numbers and returns the across and down start numbers in order.
func (p *Puzzle) number() (across, down []int) {
	p.Numbers = make([][]int, p.Rows)
	n := 1
	for r := 0; r < p.Rows; r++ {
		p.Numbers[r] = make([]int, p.Cols)
		for c := 0; c < p.Cols; c++ {
			if p.IsBlocked(r, c) {
				continue
			}
			a, d := p.startsAcross(r, c), p.startsDown(r, c)
			if !a && !d {
				continue
			}
			p.Numbers[r][c] = n
			if a {
				across = append(across, n)
			}
			if d {
				down = append(down, n)
			}
			n++
		}
	}
	return across, down
}

func (p *Puzzle) startsAcross(r, c int) bool {
	leftBlack := c == 0 || p.IsBlocked(r, c-1)
	rightWhite := c < p.Cols-1 && !p.IsBlocked(r, c+1)
	return leftBlack && rightWhite
}

func (p *Puzzle) startsDown(r, c int) bool {
	topBlack := r == 0 || p.IsBlocked(r-1, c)
	bottomWhite := r < p.Rows-1 && !p.IsBlocked(r+1, c)
	return topBlack && bottomWhite
}

func attachClues(texts []string, numbers []int) []Clue {
	out := make([]Clue, 0, len(texts))
	for i, t := range texts {
		cl := Clue{Text: t}
		if i < len(numbers) {
			cl.Number = numbers[i]
		}
		out = append(out, cl)
	}
	return out
}

// InRange reports whether (r, c) lies inside the grid.
func (p *Puzzle) InRange(r, c int) bool {
	return r >= 0 && r < p.Rows && c >= 0 && c < p.Cols
}

// IsBlocked reports whether (r, c) is a black square. Out-of-range cells count
// as blocked.
func (p *Puzzle) IsBlocked(r, c int) bool {
	if !p.InRange(r, c) {
		return true
	}
	return p.Solution[r][c] == Blocked
}

// Letter returns the solution letter at (r, c), or "" for black or out-of-range cells.
func (p *Puzzle) Letter(r, c int) string {
	if p.IsBlocked(r, c) {
		return ""
	}
	return p.Solution[r][c]
}

// Matches reports whether letter is the solution at (r, c), case-insensitively.
func (p *Puzzle) Matches(r, c int, letter string) bool {
	want := p.Letter(r, c)
	return want != "" && strings.EqualFold(want, letter)
}

// WhiteCells counts the non-blocked cells.
func (p *Puzzle) WhiteCells() int {
	n := 0
	for r := range p.Solution {
		for c := range p.Solution[r] {
			if p.Solution[r][c] != Blocked {
				n++
			}
		}
	}
	return n
}
