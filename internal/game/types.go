// internal/game/types.go
//
// Core type definitions for the crossword model.
// Defines:
//   - Puzzle: immutable solution grid, numbering, and numbered clues.
//   - Board: the local player's mutable grid.
//   - Mirror: the local reconstruction of the opponent's progress.
//   - Outcome: result of a battle from the local player's point of view.

package game

import "errors"

// Blocked marks a black square in a solution or board.
const Blocked = "#"

var (
	ErrBlockedCell = errors.New("cell is blocked")
	ErrOutOfRange  = errors.New("cell out of range")
	ErrBadLetter   = errors.New("input must be a single letter A-Z")
	ErrEmptyGrid   = errors.New("puzzle grid is empty")
	ErrRaggedGrid  = errors.New("puzzle grid rows differ in length")
)

// Clue is a numbered clue text.
type Clue struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Puzzle is a crossword solution with derived numbering.
// It is read-only once built.
type Puzzle struct {
	Rows     int        // grid height
	Cols     int        // grid width
	Solution [][]string // upper-case letters, Blocked for black squares
	Numbers  [][]int    // clue number per word-start cell, 0 elsewhere
	Across   []Clue
	Down     []Clue
}

// Board holds what the local player has typed: "" for empty, Blocked for
// black squares, otherwise one upper-case letter. Letters are not checked
// against the solution on entry.
type Board struct {
	cells [][]string
}

// Cursor is a selected cell.
type Cursor struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Mirror is the opponent's progress as seen through broadcasts. Only
// confirmed-correct letters are ever broadcast, so every filled cell here is
// correct.
type Mirror struct {
	filled   [][]string
	selected *Cursor
}

// Outcome is the result of a battle for the local player.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeWon     Outcome = "won"
	OutcomeLost    Outcome = "lost"
)
