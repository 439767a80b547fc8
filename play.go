// play.go
//
// Interactive subcommands: waiting room, battle and solo play.
// Responsibilities:
//   - A shared loop that redraws on every snapshot and applies typed moves.
//   - Room: show both seats, mark ready, hand over to the battle on transition.
//   - Battle/solo: open the session, play until done or quit.
//
// Notes:
//   - Stdin reads cannot be cancelled, so each command starts one line reader
//     outside the errgroup and hands the same channel to every loop it runs.
//     A second scanner on stdin would race the first for input.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crosswars/go-client/internal/battle"
	"github.com/crosswars/go-client/internal/game"
	"github.com/crosswars/go-client/internal/room"
	"github.com/crosswars/go-client/internal/solo"
)

var (
	errQuit     = errors.New("quit")
	errGameOver = errors.New("game over")
)

// readLines delivers stdin lines until EOF or ctx ends.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

type gameLoop[T any] struct {
	snapshot func() T
	updates  <-chan T
	draw     func(w io.Writer, s T)
	done     func(s T) bool
	apply    func(ctx context.Context, m move) error
}

// run redraws on updates and applies moves read from lines until the game is
// done, the player quits, or ctx ends.
func (g gameLoop[T]) run(ctx context.Context, lines <-chan string, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	emit := func(fn func(w io.Writer)) {
		mu.Lock()
		defer mu.Unlock()
		fn(out)
	}
	prompt := func(w io.Writer) {
		if stdinIsTerminal() {
			io.WriteString(w, "> ")
		}
	}
	first := g.snapshot()
	emit(func(w io.Writer) { g.draw(w, first); prompt(w) })
	if g.done(first) {
		return nil
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-g.updates:
				emit(func(w io.Writer) { g.draw(w, s); prompt(w) })
				if g.done(s) {
					return errGameOver
				}
			}
		}
	})
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				m, err := parseMove(line)
				if err != nil {
					emit(func(w io.Writer) { fmt.Fprintln(w, err); prompt(w) })
					continue
				}
				switch m.kind {
				case moveQuit:
					return errQuit
				case moveShow:
					s := g.snapshot()
					emit(func(w io.Writer) { g.draw(w, s); prompt(w) })
					continue
				}
				if err := g.apply(ctx, m); err != nil {
					emit(func(w io.Writer) { fmt.Fprintln(w, "!", err); prompt(w) })
				}
			}
		}
	})
	err := eg.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, errGameOver) {
		return nil
	}
	return err
}

// ------------------------------- ROOM --------------------------------------

func roomCmd(cfg *Config) *cobra.Command {
	var ready, noPlay bool
	cmd := &cobra.Command{
		Use:   "room <battle-id>",
		Short: "Wait for both players to be ready, then play",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				deps, err := a.roomDeps(ctx)
				if err != nil {
					return err
				}
				rm := room.New(id, deps)
				defer rm.Close()
				if err := rm.Start(ctx); err != nil {
					return err
				}
				lines := readLines(ctx, cmd.InOrStdin())
				transitioned, err := waitRoom(ctx, lines, cmd.OutOrStdout(), rm, ready)
				if err != nil || !transitioned || noPlay {
					if transitioned {
						fmt.Fprintf(cmd.OutOrStdout(), "Both ready: crosswars play %s\n", id)
					}
					return err
				}
				_ = rm.Close()
				return playBattle(ctx, lines, cmd.OutOrStdout(), a, id)
			})
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "mark ready without prompting")
	cmd.Flags().BoolVar(&noPlay, "no-play", false, "exit once both players are ready")
	return cmd
}

// waitRoom prints room changes and handles "ready"/"q" until the room
// transitions or the player quits.
func waitRoom(ctx context.Context, lines <-chan string, out io.Writer, rm *room.Room, ready bool) (bool, error) {
	printRoom(out, rm.Snapshot())
	if ready {
		if err := rm.Ready(ctx); err != nil {
			fmt.Fprintln(out, "! ready failed:", err)
		}
	} else {
		fmt.Fprintln(out, `Type "ready" when you are, "q" to leave.`)
	}
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-rm.Transitioned():
			return true, nil
		case s := <-rm.Updates():
			printRoom(out, s)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "q", "quit", "exit":
				return false, nil
			case "r", "ready":
				if err := rm.Ready(ctx); err != nil {
					fmt.Fprintln(out, "! ready failed:", err)
				}
			case "reload":
				if err := rm.Reload(ctx); err != nil {
					fmt.Fprintln(out, "! reload failed:", err)
				}
			}
		}
	}
}

func printRoom(w io.Writer, s room.Snapshot) {
	opp := "waiting for opponent"
	if s.OpponentJoined {
		opp = "opponent " + readyWord(s.Opponent)
	}
	fmt.Fprintf(w, "[%s] seat %d: you %s, %s\n", s.State, s.Seat, readyWord(s.Me), opp)
	if s.Error != "" {
		fmt.Fprintln(w, "! "+s.Error+` (type "reload" to retry)`)
	}
	if s.ReadyError != "" {
		fmt.Fprintln(w, "! "+s.ReadyError)
	}
}

func readyWord(r room.Ready) string {
	if r.Shown() {
		return "ready"
	}
	return "not ready"
}

// ------------------------------ BATTLE -------------------------------------

func playCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "play <battle-id>",
		Short: "Play a battle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				return playBattle(ctx, readLines(ctx, cmd.InOrStdin()), cmd.OutOrStdout(), a, args[0])
			})
		},
	}
}

func playBattle(ctx context.Context, lines <-chan string, out io.Writer, a *app, id string) error {
	deps, err := a.battleDeps(ctx)
	if err != nil {
		return err
	}
	b, err := battle.Open(ctx, id, deps)
	if err != nil {
		return err
	}
	defer b.Close()
	defer b.Flush()

	loop := gameLoop[battle.Snapshot]{
		snapshot: b.Snapshot,
		updates:  b.Updates(),
		draw:     drawBattle,
		done:     func(s battle.Snapshot) bool { return s.Outcome != game.OutcomePending },
		apply: func(ctx context.Context, m move) error {
			switch m.kind {
			case moveSelect:
				return b.Select(m.row, m.col)
			case moveResolve:
				return b.ResolveOutcome(ctx)
			default:
				return b.Input(m.row, m.col, m.value)
			}
		},
	}
	return loop.run(ctx, lines, out)
}

func drawBattle(w io.Writer, s battle.Snapshot) {
	renderGrids(w,
		grid{title: "You " + s.Clock, rows: s.Grid, numbers: s.Numbers, cursor: s.Cursor},
		grid{title: fmt.Sprintf("Opponent %d%%", s.OpponentProgress), rows: s.OpponentGrid, numbers: s.Numbers, cursor: s.OpponentCursor},
	)
	renderClues(w, s.Across, s.Down)
	switch {
	case s.Outcome == game.OutcomeWon:
		fmt.Fprintf(w, "You won in %s!\n", s.Clock)
	case s.Outcome == game.OutcomeLost:
		fmt.Fprintln(w, "Your opponent finished first.")
	case s.Frozen:
		fmt.Fprintln(w, `Opponent finished; confirming the result ("resolve" to retry).`)
	case s.Completed:
		fmt.Fprintln(w, "Solved! Recording your time...")
	default:
		fmt.Fprintf(w, "Progress %d%%\n", s.Progress)
	}
	if !s.Connected {
		fmt.Fprintln(w, "(not connected to your opponent yet)")
	}
	if s.Error != "" {
		fmt.Fprintln(w, "! "+s.Error)
	}
}

// ------------------------------- SOLO --------------------------------------

func soloCmd(cfg *Config) *cobra.Command {
	var generate bool
	var theme string
	cmd := &cobra.Command{
		Use:   "solo",
		Short: "Play today's puzzle, or a freshly generated one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				var opts []solo.Option
				if generate || cmd.Flags().Changed("theme") {
					opts = append(opts, solo.Generate(theme))
				}
				sg, err := solo.Start(ctx, a.soloDeps(), opts...)
				if errors.Is(err, solo.ErrPlayedToday) {
					fmt.Fprintln(cmd.OutOrStdout(), "You already played today's puzzle. Try --generate for a new one.")
					return nil
				}
				if err != nil {
					return err
				}
				defer sg.Close()
				defer sg.Flush()

				loop := gameLoop[solo.Snapshot]{
					snapshot: sg.Snapshot,
					updates:  sg.Updates(),
					draw:     drawSolo,
					done:     func(s solo.Snapshot) bool { return s.Completed },
					apply: func(ctx context.Context, m move) error {
						switch m.kind {
						case moveSelect:
							return sg.Select(m.row, m.col)
						case moveResolve:
							return errors.New("nothing to resolve in solo play")
						default:
							return sg.Input(m.row, m.col, m.value)
						}
					},
				}
				return loop.run(ctx, readLines(ctx, cmd.InOrStdin()), cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVarP(&generate, "generate", "g", false, "play a generated puzzle instead of the daily one")
	cmd.Flags().StringVarP(&theme, "theme", "t", solo.DefaultTheme, "theme for a generated puzzle")
	return cmd
}

func drawSolo(w io.Writer, s solo.Snapshot) {
	title := "Daily " + s.Clock
	if s.Theme != "" {
		title = s.Theme + " " + s.Clock
	}
	renderGrids(w, grid{title: title, rows: s.Grid, numbers: s.Numbers, cursor: s.Cursor})
	renderClues(w, s.Across, s.Down)
	if s.Completed {
		fmt.Fprintf(w, "Solved in %s!\n", s.Clock)
		return
	}
	fmt.Fprintf(w, "Progress %d%%\n", s.Progress)
}
