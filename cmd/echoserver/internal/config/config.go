package config

import (
	"flag"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Config holds the echo server's configuration.
// Flags win over environment variables, which win over defaults.
type Config struct {
	Addr        string
	MaxHandlers uint
	IdleTimeout time.Duration
	Backoff     time.Duration
	Debug       bool
}

func Default() Config {
	return Config{
		Addr:        ":7007",
		IdleTimeout: time.Minute,
		Backoff:     5 * time.Millisecond,
	}
}

// Load reads the environment through getenv, then parses args (without the program name).
func Load(args []string, getenv func(string) string, output io.Writer) (Config, error) {
	cfg := Default()

	if err := cfg.fromEnv(getenv); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("echoserver", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "address to listen on (ECHO_ADDR)")
	fs.UintVar(&cfg.MaxHandlers, "max-handlers", cfg.MaxHandlers, "max concurrent connections, 0 for unbounded (ECHO_MAX_HANDLERS)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close connections idle for this long, 0 to disable (ECHO_IDLE_TIMEOUT)")
	fs.DurationVar(&cfg.Backoff, "backoff", cfg.Backoff, "initial pause after a transient accept error (ECHO_BACKOFF)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs (DEBUG)")

	if err := fs.Parse(args); err != nil {
		return Config{}, errors.Wrap(err, "parsing flags")
	}
	if fs.NArg() > 0 {
		return Config{}, errors.Errorf("unexpected arguments: %v", fs.Args())
	}

	return cfg, cfg.validate()
}

// FromOS loads the configuration of the running process.
func FromOS() (Config, error) {
	return Load(os.Args[1:], os.Getenv, os.Stderr)
}

func (c *Config) fromEnv(getenv func(string) string) error {
	if v := getenv("ECHO_ADDR"); v != "" {
		c.Addr = v
	}

	if v := getenv("ECHO_MAX_HANDLERS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 0)
		if err != nil {
			return errors.Wrap(err, "invalid ECHO_MAX_HANDLERS")
		}
		c.MaxHandlers = uint(n)
	}

	if v := getenv("ECHO_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "invalid ECHO_IDLE_TIMEOUT")
		}
		c.IdleTimeout = d
	}

	if v := getenv("ECHO_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "invalid ECHO_BACKOFF")
		}
		c.Backoff = d
	}

	c.Debug = getenv("DEBUG") == "true"

	return nil
}

func (c Config) validate() error {
	if c.Addr == "" {
		return errors.New("address must not be empty")
	}
	if c.IdleTimeout < 0 {
		return errors.Errorf("idle timeout must not be negative: %s", c.IdleTimeout)
	}
	if c.Backoff < 0 {
		return errors.Errorf("backoff must not be negative: %s", c.Backoff)
	}
	return nil
}
