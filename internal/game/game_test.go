package game

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// 3x3 with one black square in the middle:
//
//	C A T
//	A # O
//	R O W
func testWire() Wire {
	return Wire{
		Grid: [][]string{
			{"c", "a", "t"},
			{"a", "-", "o"},
			{"r", "o", "w"},
		},
		CluesAcross: []string{"Feline", "Line up"},
		CluesDown:   []string{"Vehicle", "Pull along"},
	}
}

func mustPuzzle(t *testing.T) *Puzzle {
	t.Helper()
	p, err := ParsePuzzle(testWire())
	if err != nil {
		t.Fatalf("ParsePuzzle: %v", err)
	}
	return p
}

func TestParsePuzzle_Numbering(t *testing.T) {
	p := mustPuzzle(t)
	if p.Rows != 3 || p.Cols != 3 {
		t.Fatalf("dims = %dx%d", p.Rows, p.Cols)
	}
	if !p.IsBlocked(1, 1) {
		t.Fatal("center should be blocked")
	}
	if p.Solution[0][0] != "C" {
		t.Fatalf("solution not upper-cased: %q", p.Solution[0][0])
	}
	want := [][]int{
		{1, 0, 2},
		{0, 0, 0},
		{3, 0, 0},
	}
	for r := range want {
		for c := range want[r] {
			if p.Numbers[r][c] != want[r][c] {
				t.Errorf("Numbers[%d][%d] = %d, want %d", r, c, p.Numbers[r][c], want[r][c])
			}
		}
	}
	if len(p.Across) != 2 || p.Across[0].Number != 1 || p.Across[1].Number != 3 {
		t.Errorf("across = %+v", p.Across)
	}
	if len(p.Down) != 2 || p.Down[0].Number != 1 || p.Down[1].Number != 2 {
		t.Errorf("down = %+v", p.Down)
	}
}

func TestParsePuzzle_SurplusCluesKept(t *testing.T) {
	w := testWire()
	w.CluesAcross = append(w.CluesAcross, "extra")
	p, err := ParsePuzzle(w)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Across) != 3 || p.Across[2].Number != 0 || p.Across[2].Text != "extra" {
		t.Fatalf("across = %+v", p.Across)
	}
}

func TestParsePuzzle_Errors(t *testing.T) {
	if _, err := ParsePuzzle(Wire{}); !errors.Is(err, ErrEmptyGrid) {
		t.Errorf("empty: err = %v", err)
	}
	_, err := ParsePuzzle(Wire{Grid: [][]string{{"A", "B"}, {"C"}}})
	if !errors.Is(err, ErrRaggedGrid) {
		t.Errorf("ragged: err = %v", err)
	}
}

func TestBoard_SetAndComplete(t *testing.T) {
	p := mustPuzzle(t)
	b := NewBoard(p)

	if _, err := b.Set(p, 1, 1, "X"); !errors.Is(err, ErrBlockedCell) {
		t.Fatalf("blocked: err = %v", err)
	}
	if _, err := b.Set(p, 5, 0, "X"); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("range: err = %v", err)
	}
	if _, err := b.Set(p, 0, 0, "7"); !errors.Is(err, ErrBadLetter) {
		t.Fatalf("digit: err = %v", err)
	}

	fill := map[[2]int]string{
		{0, 0}: "c", {0, 1}: "a", {0, 2}: "t",
		{1, 0}: "a", {1, 2}: "o",
		{2, 0}: "r", {2, 1}: "o",
	}
	for k, v := range fill {
		if _, err := b.Set(p, k[0], k[1], v); err != nil {
			t.Fatalf("Set%v: %v", k, err)
		}
	}
	if b.Complete(p) {
		t.Fatal("board complete with a cell missing")
	}
	if got := b.Progress(p); got != 88 {
		t.Fatalf("progress = %d, want 88", got)
	}

	if _, err := b.Set(p, 2, 2, "q"); err != nil {
		t.Fatal(err)
	}
	if b.Complete(p) {
		t.Fatal("board complete with a wrong letter")
	}
	if got, _ := b.Set(p, 2, 2, "qw"); got != "W" {
		t.Fatalf("last rune should win, got %q", got)
	}
	if !b.Complete(p) {
		t.Fatal("board should be complete")
	}

	if got, _ := b.Set(p, 2, 2, ""); got != "" {
		t.Fatalf("clear returned %q", got)
	}
	if b.Complete(p) {
		t.Fatal("cleared cell should break completion")
	}
}

func TestNextCell_SkipsBlocked(t *testing.T) {
	p := mustPuzzle(t)
	next, ok := NextCell(p, 1, 0)
	if !ok || next != (Cursor{Row: 1, Col: 2}) {
		t.Fatalf("next = %+v ok=%v", next, ok)
	}
	if _, ok := NextCell(p, 0, 2); ok {
		t.Fatal("end of row should have no next cell")
	}
}

func TestMirror(t *testing.T) {
	p := mustPuzzle(t)
	m := NewMirror(p)
	if m.Fill(p, 1, 1, "A") {
		t.Fatal("fill on blocked cell accepted")
	}
	if !m.Fill(p, 0, 0, "c") {
		t.Fatal("fill rejected")
	}
	if m.Rows()[0][0] != "C" {
		t.Fatalf("mirror cell = %q", m.Rows()[0][0])
	}
	if _, ok := m.Selected(); ok {
		t.Fatal("no selection expected yet")
	}
	m.Select(p, 2, 1)
	if cur, ok := m.Selected(); !ok || cur != (Cursor{Row: 2, Col: 1}) {
		t.Fatalf("selected = %+v", cur)
	}
	if got := m.Progress(p); got != 13 {
		t.Fatalf("progress = %d, want 13", got)
	}
}

func TestFormatTime(t *testing.T) {
	cases := map[int]string{0: ":00", 59: ":59", 60: "1:00", 125: "2:05", -3: ":00", 3600: "60:00"}
	for in, want := range cases {
		if got := FormatTime(in); got != want {
			t.Errorf("FormatTime(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatAny(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ":00"},
		{"abc", ":00"},
		{"125", "2:05"},
		{float64(59), ":59"},
		{json.Number("60"), "1:00"},
		{struct{}{}, ":00"},
		{(*int)(nil), ":00"},
	}
	for _, c := range cases {
		if got := FormatAny(c.in); got != c.want {
			t.Errorf("FormatAny(%#v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTimer(t *testing.T) {
	now := time.Unix(1000, 0)
	tm := &Timer{Now: func() time.Time { return now }}
	if tm.Elapsed() != 0 {
		t.Fatal("unstarted timer should read 0")
	}
	tm.Start()
	now = now.Add(61 * time.Second)
	if tm.Elapsed() != 61 {
		t.Fatalf("elapsed = %d", tm.Elapsed())
	}
	tm.Stop()
	now = now.Add(time.Hour)
	if tm.Elapsed() != 61 {
		t.Fatalf("stopped timer moved: %d", tm.Elapsed())
	}
}
