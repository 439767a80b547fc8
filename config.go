package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const releaseVersion = "0.4.0"

// Config is shared by every subcommand. Flags win over CROSSWARS_* env vars,
// which win over defaults.
type Config struct {
	apiURL      string
	origin      string
	authURL     string
	authKey     string
	jwtSecret   string
	realtimeURL string
	stateDB     string
	stateKey    string
	timezone    string
	logLevel    string
	bind        string
	port        int
}

func (c *Config) validate() error {
	for name, raw := range map[string]string{
		"--api-url":      c.apiURL,
		"--origin":       c.origin,
		"--auth-url":     c.authURL,
		"--realtime-url": c.realtimeURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL: %q", name, raw)
		}
	}
	if c.origin == "" {
		return errors.New("--origin is required")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	return nil
}

// apiBase is the backend root; an empty API URL means the app's own origin.
func (c *Config) apiBase() string {
	if c.apiURL != "" {
		return c.apiURL
	}
	return c.origin
}

// authBase falls back to the realtime host, which is how hosted providers
// serve both.
func (c *Config) authBase() string {
	if c.authURL != "" {
		return c.authURL
	}
	return c.realtimeURL
}

func (c *Config) addr() string { return fmt.Sprintf("%s:%d", c.bind, c.port) }

// bindFlags registers the shared flags on fs and fills unset ones from the
// environment.
func bindFlags(cfg *Config, fs *pflag.FlagSet) {
	v := viper.New()
	v.SetEnvPrefix("CROSSWARS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.apiURL, "api-url", "", "backend REST root; empty means --origin (env: CROSSWARS_API_URL, VITE_API_URL)")
	fs.StringVar(&cfg.origin, "origin", "http://localhost:5173", "app origin used in invite links and CORS (env: CROSSWARS_ORIGIN)")
	fs.StringVar(&cfg.authURL, "auth-url", "", "auth provider root; empty means --realtime-url (env: CROSSWARS_AUTH_URL)")
	fs.StringVar(&cfg.authKey, "auth-key", "", "auth/realtime anon key (env: CROSSWARS_AUTH_KEY)")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", "", "verify access tokens with this HS256 secret (env: CROSSWARS_JWT_SECRET)")
	fs.StringVar(&cfg.realtimeURL, "realtime-url", "", "realtime endpoint; empty keeps battles in-process (env: CROSSWARS_REALTIME_URL)")
	fs.StringVar(&cfg.stateDB, "state-db", "./data/crosswars.db", "local state database (env: CROSSWARS_STATE_DB)")
	fs.StringVar(&cfg.stateKey, "state-key", "", "passphrase sealing the stored session (env: CROSSWARS_STATE_KEY)")
	fs.StringVar(&cfg.timezone, "timezone", "", "civil zone for the daily reset (env: CROSSWARS_TIMEZONE)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "trace|debug|info|warn|error (env: CROSSWARS_LOG_LEVEL, LOG_LEVEL)")
	fs.StringVarP(&cfg.bind, "bind", "b", "127.0.0.1", "address to bind the web ui to (env: CROSSWARS_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 5175, "port for the web ui (env: CROSSWARS_PORT)")

	_ = v.BindEnv("api-url", "CROSSWARS_API_URL", "VITE_API_URL")
	_ = v.BindEnv("log-level", "CROSSWARS_LOG_LEVEL", "LOG_LEVEL")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		if f.Name != "api-url" && f.Name != "log-level" {
			_ = v.BindEnv(f.Name)
		}
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func newCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "crosswars",
		Short:         "Head-to-head and daily crosswords from the terminal or a local web ui.",
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       releaseVersion,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cfg.logLevel)
			return cfg.validate()
		},
	}
	bindFlags(cfg, cmd.PersistentFlags())

	cmd.AddCommand(
		serveCmd(cfg),
		signupCmd(cfg),
		loginCmd(cfg),
		logoutCmd(cfg),
		guestCmd(cfg),
		inviteCmd(cfg),
		acceptCmd(cfg),
		roomCmd(cfg),
		playCmd(cfg),
		soloCmd(cfg),
		statsCmd(cfg),
	)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("crosswars v{{.Version}}\n")
	return cmd
}
