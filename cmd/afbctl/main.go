// Command afbctl talks to an AFB binder over its WebSocket API.
//
//	afbctl [flags] apis
//	afbctl [flags] discover
//	afbctl [flags] infos
//	afbctl [flags] call <api/verb> [json]
//	afbctl [flags] listen <event>...
//	afbctl [flags] serve
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"afb-client/internal/client"
	"afb-client/internal/config"
	"afb-client/internal/observability"
	"afb-client/internal/transport"

	"github.com/rs/zerolog"
)

var errUsage = errors.New("usage")

// globals are the flags accepted before the command name.
type globals struct {
	configPath string
	url        string
	token      string
	timeout    time.Duration
	logLevel   string
	set        map[string]bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if err != errUsage {
			fmt.Fprintf(os.Stderr, "afbctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("afbctl", flag.ContinueOnError)
	var g globals
	fs.StringVar(&g.configPath, "config", os.Getenv("AFB_CONFIG"), "config file (.toml, .yaml)")
	fs.StringVar(&g.url, "url", "", "binder websocket url, e.g. ws://localhost:1234/api")
	fs.StringVar(&g.token, "token", "", "authorization token")
	fs.DurationVar(&g.timeout, "timeout", 10*time.Second, "connect and call timeout for one-shot commands")
	fs.StringVar(&g.logLevel, "log-level", "", "trace, debug, info, warn, error")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: afbctl [flags] apis|discover|infos|call <api/verb> [json]|listen <event>...|serve")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	g.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { g.set[f.Name] = true })

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errUsage
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	logger := observability.InitLogger("afbctl", cfg.LogLevel)

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "apis":
		return runAPIs(cfg, g.timeout, logger, stdout)
	case "discover":
		return runDiscover(cfg, g.timeout, logger, stdout)
	case "infos":
		return runInfos(cfg, g.timeout, logger, stdout)
	case "call":
		return runCall(cfg, g.timeout, cmdArgs, logger, stdout)
	case "listen":
		return runListen(cfg, g.timeout, cmdArgs, logger, stdout)
	case "serve":
		return runServe(cfg, g.configPath, overrides(g), logger)
	default:
		fmt.Fprintf(fs.Output(), "afbctl: unknown command %q\n", cmd)
		fs.Usage()
		return errUsage
	}
}

// loadConfig resolves defaults, file, environment and then flags.
func loadConfig(g globals) (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	overrides(g)(&cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// overrides returns the flag layer so that a reloaded config keeps it.
func overrides(g globals) func(*config.Config) {
	return func(cfg *config.Config) {
		if g.set["url"] {
			cfg.URL = g.url
		}
		if g.set["token"] {
			cfg.Token = g.token
		}
		if g.set["log-level"] {
			cfg.LogLevel = g.logLevel
		}
		if g.set["timeout"] && cfg.CallTimeout == 0 {
			cfg.CallTimeout = g.timeout
		}
	}
}

// configure points c at the binder described by cfg.
func configure(c *client.Client, cfg config.Config) error {
	if err := c.Initialize(cfg.URL, cfg.Token); err != nil {
		return err
	}
	if cfg.Host == "" && cfg.Port == "" {
		return nil
	}
	port := cfg.Port
	if port == "" {
		if t, err := transport.ParseTarget(cfg.URL); err == nil {
			port = t.Port
		}
	}
	return c.SetTarget(cfg.Host, port)
}

// connect builds a client and waits until the binder accepted the
// handshake. One-shot commands do not retry.
func connect(cfg config.Config, timeout time.Duration, logger zerolog.Logger) (*client.Client, error) {
	opts := cfg.ClientOptions(logger)
	opts.AutoReconnect = false
	c := client.New(opts)
	if err := configure(c, cfg); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Connect(); err != nil {
		c.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ready, err := c.Ready().WaitFor(ctx, func(bool) bool { return true })
	if err == nil && !ready {
		err = fmt.Errorf("cannot reach binder at %s", c.Target())
	}
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("connect %s: %w", c.Target(), err)
	}
	return c, nil
}
