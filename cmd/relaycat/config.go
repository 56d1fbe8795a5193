package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/matst80/relaycat/internal/ledger"
	"github.com/matst80/relaycat/internal/listener"
	"github.com/matst80/relaycat/internal/relay"
	"github.com/matst80/relaycat/internal/server"
	"github.com/spf13/pflag"
)

// Config holds all runtime configuration derived from flags.
type Config struct {
	Listen   bool
	KeepOpen bool
	Detach   bool
	IPv4     bool
	IPv6     bool
	Debug    bool
	Interval time.Duration
	Timeout  time.Duration
	Host     string
	Port     string

	MetricsAddr      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	History          int
	AcceptRate       int
	AcceptSourceRate int
	AcceptBurst      int
}

// maxSeconds is the largest whole number of seconds a time.Duration holds.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// seconds accepts either a bare number of seconds, as nc does, or a Go duration.
type seconds time.Duration

func (s *seconds) String() string { return time.Duration(*s).String() }
func (s *seconds) Type() string   { return "seconds" }

func (s *seconds) Set(v string) error {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		if f < 0 {
			return errors.New("must not be negative")
		}
		if f > maxSeconds || math.IsNaN(f) {
			return fmt.Errorf("must not exceed %d seconds", int64(maxSeconds))
		}
		*s = seconds(time.Duration(f * float64(time.Second)))
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	if d < 0 {
		return errors.New("must not be negative")
	}
	*s = seconds(d)
	return nil
}

var (
	errNotListening = errors.New("only listen mode is supported (-l)")
	errNoPort       = errors.New("missing port")
	errTooManyArgs  = errors.New("expected [host] port")
	errBothFamilies = errors.New("-4 and -6 are mutually exclusive")
)

// parseConfig parses args (without the program name). Usage goes to out.
func parseConfig(args []string, out io.Writer) (Config, error) {
	var cfg Config
	var interval, timeout seconds
	fs := pflag.NewFlagSet("relaycat", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintln(out, "usage: relaycat -l [-dk46v] [-i interval] [-w timeout] [host] port")
		fs.PrintDefaults()
	}
	fs.BoolVarP(&cfg.Listen, "listen", "l", false, "listen for an incoming connection")
	fs.BoolVarP(&cfg.KeepOpen, "keep-open", "k", false, "keep listening for another connection after each session")
	fs.BoolVarP(&cfg.Detach, "detach", "d", false, "do not read from stdin")
	fs.VarP(&interval, "interval", "i", "delay between polls (seconds or duration)")
	fs.VarP(&timeout, "timeout", "w", "end a session after this long without activity (0 = never)")
	fs.BoolVarP(&cfg.IPv4, "ipv4", "4", false, "use IPv4 addresses only")
	fs.BoolVarP(&cfg.IPv6, "ipv6", "6", false, "use IPv6 addresses only")
	fs.BoolVarP(&cfg.Debug, "debug", "v", false, "enable debug logs")
	fs.StringVar(&cfg.MetricsAddr, "metrics", "", "metrics, status and dashboard listen address (empty disables)")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for the shared session ledger (empty keeps it in memory)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")
	fs.IntVar(&cfg.History, "history", ledger.DefaultHistory, "number of session records kept")
	fs.IntVar(&cfg.AcceptRate, "accept-rate", 0, "accepted connections per second across all sources (0 = unlimited)")
	fs.IntVar(&cfg.AcceptSourceRate, "accept-source-rate", 0, "accepted connections per second per source address (0 = unlimited)")
	fs.IntVar(&cfg.AcceptBurst, "accept-burst", 1, "accept limiter burst size")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Interval = time.Duration(interval)
	cfg.Timeout = time.Duration(timeout)

	rest := fs.Args()
	switch len(rest) {
	case 1:
		cfg.Port = rest[0]
	case 2:
		cfg.Host, cfg.Port = rest[0], rest[1]
	case 0:
		// reported below, after the mode check
	default:
		return Config{}, errTooManyArgs
	}
	if !cfg.Listen {
		return Config{}, errNotListening
	}
	if cfg.Port == "" {
		return Config{}, errNoPort
	}
	if cfg.IPv4 && cfg.IPv6 {
		return Config{}, errBothFamilies
	}
	if cfg.History < 1 {
		return Config{}, fmt.Errorf("--history must be at least 1, got %d", cfg.History)
	}
	if cfg.AcceptRate < 0 || cfg.AcceptSourceRate < 0 || cfg.AcceptBurst < 0 {
		return Config{}, errors.New("accept limiter settings must not be negative")
	}
	return cfg, nil
}

func (c Config) family() listener.Family {
	switch {
	case c.IPv4:
		return listener.FamilyIPv4
	case c.IPv6:
		return listener.FamilyIPv6
	default:
		return listener.FamilyUnspec
	}
}

// serverConfig converts the flags into the value the core consumes.
func (c Config) serverConfig() server.Config {
	return server.Config{
		Target: listener.BindTarget{Host: c.Host, Port: c.Port, Family: c.family()},
		Relay: relay.Options{
			Detached: c.Detach,
			Interval: c.Interval,
			Timeout:  c.Timeout,
		},
		Stdio:            relay.DefaultStdio,
		KeepOpen:         c.KeepOpen,
		AcceptRate:       c.AcceptRate,
		AcceptSourceRate: c.AcceptSourceRate,
		AcceptBurst:      c.AcceptBurst,
	}
}
