package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind          string
	continueDelay time.Duration
	database      string
	exportDir     string
	port          int
	prefix        string
	profile       bool
	scenarioDir   string
	sessionMaxAge time.Duration
	sweepInterval time.Duration
	tlsCert       string
	tlsKey        string
	verbose       bool
	version       bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.scenarioDir == "" {
		return errors.New("--scenario-dir must be provided")
	}
	if c.sweepInterval < time.Minute {
		return fmt.Errorf("invalid sweep interval (must be at least 1m): %s", c.sweepInterval)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("STORYVOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "storyvote",
		Short:         "A moderator-led branching-narrative quiz, played live over websockets.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: STORYVOTE_BIND)")
	fs.DurationVar(&cfg.continueDelay, "continue-delay", 1500*time.Millisecond, "pause before continuation nodes advance on their own (env: STORYVOTE_CONTINUE_DELAY)")
	fs.StringVar(&cfg.database, "database", "storyvote.sqlite", "path to the sqlite database (env: STORYVOTE_DATABASE)")
	fs.StringVar(&cfg.exportDir, "export-dir", "exports", "directory for generated exports (env: STORYVOTE_EXPORT_DIR)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: STORYVOTE_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: STORYVOTE_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: STORYVOTE_PROFILE)")
	fs.StringVar(&cfg.scenarioDir, "scenario-dir", "scenario", "directory containing scenario json files (env: STORYVOTE_SCENARIO_DIR)")
	fs.DurationVar(&cfg.sessionMaxAge, "session-max-age", 3*time.Hour, "age after which sessions are swept, connected or not (env: STORYVOTE_SESSION_MAX_AGE)")
	fs.DurationVar(&cfg.sweepInterval, "sweep-interval", time.Hour, "how often the session sweep runs (env: STORYVOTE_SWEEP_INTERVAL)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: STORYVOTE_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: STORYVOTE_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: STORYVOTE_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: STORYVOTE_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("storyvote v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
