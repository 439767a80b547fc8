// render.go
//
// Terminal rendering and input parsing for the interactive play loops.
// Responsibilities:
//   - Draw a grid (and optionally the opponent's) with the cursor marked.
//   - Parse the play prompt: "r c L" fills, "s r c" selects, "r c -" clears,
//     plus the resolve/quit words. Coordinates are 1-based at the prompt.

package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/crosswars/go-client/internal/game"
)

type grid struct {
	title   string
	rows    [][]string
	numbers [][]int
	cursor  *game.Cursor
}

// renderGrids draws grids side by side.
func renderGrids(w io.Writer, grids ...grid) {
	if len(grids) == 0 || len(grids[0].rows) == 0 {
		return
	}
	width := 4*len(grids[0].rows[0]) + 1
	var b strings.Builder
	for i, g := range grids {
		if i > 0 {
			b.WriteString("   ")
		}
		fmt.Fprintf(&b, "%-*s", width, g.title)
	}
	b.WriteString("\n")
	for r := range grids[0].rows {
		for i, g := range grids {
			if i > 0 {
				b.WriteString("   ")
			}
			b.WriteString(cellRow(g, r))
		}
		b.WriteString("\n")
	}
	io.WriteString(w, b.String())
}

func cellRow(g grid, r int) string {
	var b strings.Builder
	b.WriteString("|")
	for c, v := range g.rows[r] {
		num := ""
		if r < len(g.numbers) && c < len(g.numbers[r]) && g.numbers[r][c] > 0 {
			num = strconv.Itoa(g.numbers[r][c])
		}
		switch {
		case v == game.Blocked:
			b.WriteString("###")
		case g.cursor != nil && g.cursor.Row == r && g.cursor.Col == c:
			fmt.Fprintf(&b, "[%s]", orBlank(v))
		case v != "":
			fmt.Fprintf(&b, " %s ", v)
		case num != "":
			fmt.Fprintf(&b, "%-3s", num)
		default:
			b.WriteString(" . ")
		}
		b.WriteString("|")
	}
	return b.String()
}

func orBlank(v string) string {
	if v == "" {
		return " "
	}
	return v
}

func renderClues(w io.Writer, across, down []game.Clue) {
	fmt.Fprintln(w, "Across:")
	for _, c := range across {
		fmt.Fprintf(w, "  %d. %s\n", c.Number, c.Text)
	}
	fmt.Fprintln(w, "Down:")
	for _, c := range down {
		fmt.Fprintf(w, "  %d. %s\n", c.Number, c.Text)
	}
}

type moveKind int

const (
	moveFill moveKind = iota
	moveSelect
	moveResolve
	moveQuit
	moveShow
)

type move struct {
	kind  moveKind
	row   int // 0-based
	col   int // 0-based
	value string
}

var errMoveSyntax = errors.New(`expected "row col letter", "s row col", "row col -", "show", "resolve" or "q"`)

func parseMove(line string) (move, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return move{kind: moveShow}, nil
	}
	switch fields[0] {
	case "q", "quit", "exit":
		return move{kind: moveQuit}, nil
	case "resolve":
		return move{kind: moveResolve}, nil
	case "show", "?":
		return move{kind: moveShow}, nil
	case "s", "select":
		if len(fields) != 3 {
			return move{}, errMoveSyntax
		}
		r, c, err := coords(fields[1], fields[2])
		if err != nil {
			return move{}, err
		}
		return move{kind: moveSelect, row: r, col: c}, nil
	}
	if len(fields) != 3 {
		return move{}, errMoveSyntax
	}
	r, c, err := coords(fields[0], fields[1])
	if err != nil {
		return move{}, err
	}
	value := fields[2]
	if value == "-" {
		value = ""
	}
	return move{kind: moveFill, row: r, col: c, value: value}, nil
}

func coords(rs, cs string) (int, int, error) {
	r, err := strconv.Atoi(rs)
	if err != nil || r < 1 {
		return 0, 0, fmt.Errorf("bad row %q: %w", rs, errMoveSyntax)
	}
	c, err := strconv.Atoi(cs)
	if err != nil || c < 1 {
		return 0, 0, fmt.Errorf("bad column %q: %w", cs, errMoveSyntax)
	}
	return r - 1, c - 1, nil
}
