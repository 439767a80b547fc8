// commands.go
//
// Account, invite, stats and web ui subcommands.
// Responsibilities:
//   - Open the shared app for each command and close it afterwards.
//   - Print results for humans; errors bubble up to main for logging.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/crosswars/go-client/internal/auth"
	"github.com/crosswars/go-client/internal/daily"
	"github.com/crosswars/go-client/internal/game"
	"github.com/crosswars/go-client/internal/invite"
	"github.com/crosswars/go-client/internal/webui"
)

// withApp runs fn with an opened app.
func withApp(cmd *cobra.Command, cfg *Config, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return explain(fn(ctx, a))
}

// explain turns a login redirect into something a terminal user can act on.
func explain(err error) error {
	var redirect *auth.RedirectError
	if errors.As(err, &redirect) {
		return fmt.Errorf("not signed in: run `crosswars login` or `crosswars guest`, then retry (%s)", redirect.Location())
	}
	return err
}

func serveCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON/SSE web ui on --bind:--port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				deps, err := a.webDeps(ctx)
				if err != nil {
					return err
				}
				srv := webui.New(deps)
				defer srv.Close()
				return srv.Serve(ctx, cfg.addr())
			})
		},
	}
}

type credentials struct {
	email       string
	password    string
	displayName string
}

func (c *credentials) flags(cmd *cobra.Command, withName bool) {
	cmd.Flags().StringVarP(&c.email, "email", "e", "", "account email")
	cmd.Flags().StringVar(&c.password, "password", "", "account password (prompted when empty)")
	if withName {
		cmd.Flags().StringVarP(&c.displayName, "display-name", "n", "", "name shown to opponents")
	}
}

// fill prompts for anything missing.
func (c *credentials) fill(in io.Reader, out io.Writer, withName bool) error {
	r := bufio.NewReader(in)
	ask := func(label string, dst *string) error {
		if *dst != "" {
			return nil
		}
		fmt.Fprintf(out, "%s: ", label)
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read %s: %w", strings.ToLower(label), err)
		}
		*dst = strings.TrimSpace(line)
		return nil
	}
	if err := ask("Email", &c.email); err != nil {
		return err
	}
	if err := ask("Password", &c.password); err != nil {
		return err
	}
	if withName {
		return ask("Display name", &c.displayName)
	}
	return nil
}

func signupCmd(cfg *Config) *cobra.Command {
	var creds credentials
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := creds.fill(cmd.InOrStdin(), cmd.OutOrStdout(), true); err != nil {
				return err
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				s, err := a.auth.SignUp(ctx, auth.SignUpRequest{
					Email:       creds.email,
					Password:    creds.password,
					DisplayName: creds.displayName,
				})
				if errors.Is(err, auth.ErrConfirmationRequired) {
					fmt.Fprintln(cmd.OutOrStdout(), err.Error())
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Signed up as %s.\n", nameOf(s))
				return nil
			})
		},
	}
	creds.flags(cmd, true)
	return cmd
}

func loginCmd(cfg *Config) *cobra.Command {
	var creds credentials
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := creds.fill(cmd.InOrStdin(), cmd.OutOrStdout(), false); err != nil {
				return err
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				s, err := a.auth.Login(ctx, creds.email, creds.password)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s.\n", nameOf(s))
				return nil
			})
		},
	}
	creds.flags(cmd, false)
	return cmd
}

func nameOf(s *auth.Session) string {
	if s == nil {
		return "?"
	}
	if s.User.DisplayName != "" {
		return s.User.DisplayName
	}
	return s.User.Email
}

func logoutCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and leave guest mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				if err := a.auth.SignOut(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
				return nil
			})
		},
	}
}

func guestCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "guest",
		Short: "Play without an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				if err := a.auth.SetGuestMode(ctx); err != nil {
					return err
				}
				id, err := a.auth.GuestID(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Guest mode on (%s).\n", id)
				return nil
			})
		},
	}
}

func inviteCmd(cfg *Config) *cobra.Command {
	var noQR bool
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Create a battle and print its invite link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				inv, err := a.issuer().Issue(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Invite link: %s\n", inv.Link)
				fmt.Fprintf(out, "Waiting room: crosswars room %s\n", inv.BattleID)
				if noQR {
					return nil
				}
				qr, err := inv.TerminalQR()
				if err != nil {
					log.Warn().Err(err).Msg("render invite qr")
					return nil
				}
				fmt.Fprint(out, qr)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "skip the terminal QR code")
	return cmd
}

func acceptCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "accept <token|link>",
		Short: "Accept an invite and print the battle's waiting room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := args[0]
			if i := strings.LastIndex(token, "/"); i >= 0 {
				token = token[i+1:]
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				battleID, err := a.acceptor().Accept(ctx, token)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Joined battle %s (%s).\nWaiting room: crosswars room %s\n",
					battleID, invite.RoomPath(battleID), battleID)
				return nil
			})
		},
	}
}

func statsCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show your solo and battle stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				id, err := a.auth.Identity(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if id.Guest {
					return localStats(ctx, out, a, id)
				}
				st, err := a.api.UserStats(ctx, id.ID, id.Token)
				if err != nil {
					return err
				}
				if st == nil {
					fmt.Fprintln(out, "No stats yet.")
					return nil
				}
				fastest := "-"
				if st.FastestSoloTime != nil {
					fastest = game.FormatAny(*st.FastestSoloTime)
				}
				fmt.Fprintf(out, "%s\n  solo streak:    %d\n  fastest solo:   %s\n  played today:   %t\n  battles:        %d played, %d won\n",
					st.DisplayName, st.SoloStreak, fastest,
					daily.PlayedToday(st.LastSoloPlayed, time.Now(), a.zone),
					st.BattlesPlayed, st.BattlesWon)
				return nil
			})
		},
	}
}

// localStats lists a guest's recent daily plays from the local store.
func localStats(ctx context.Context, out io.Writer, a *app, id auth.Identity) error {
	plays, err := a.plays.Recent(ctx, id.ID, 7)
	if err != nil {
		return err
	}
	if len(plays) == 0 {
		fmt.Fprintln(out, "No solo plays on this machine yet.")
		return nil
	}
	fmt.Fprintln(out, "Recent solo plays:")
	for _, p := range plays {
		fmt.Fprintf(out, "  %s  %s\n", p.Date, game.FormatTime(p.Seconds))
	}
	return nil
}

func stdinIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
