package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"afb-client/internal/config"
	"afb-client/internal/events"
	"afb-client/internal/protocol"

	"github.com/rs/zerolog"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runAPIs(cfg config.Config, timeout time.Duration, logger zerolog.Logger, out io.Writer) error {
	c, err := connect(cfg, timeout, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	names, err := c.ListAPIs(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(out, n)
	}
	return nil
}

func runDiscover(cfg config.Config, timeout time.Duration, logger zerolog.Logger, out io.Writer) error {
	c, err := connect(cfg, timeout, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	apis, err := c.DiscoverAPIs(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, apis)
}

func runInfos(cfg config.Config, timeout time.Duration, logger zerolog.Logger, out io.Writer) error {
	c, err := connect(cfg, timeout, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	result, err := c.ListAPIInfos(ctx)
	if err != nil {
		return err
	}
	for _, name := range result.Missing {
		logger.Warn().Str("api", name).Msg("no info response")
	}
	return printJSON(out, result.Infos)
}

// runCall prints the reply object and fails when the binder reported an
// error status.
func runCall(cfg config.Config, timeout time.Duration, args []string, logger zerolog.Logger, out io.Writer) error {
	if len(args) < 1 || len(args) > 2 || !strings.Contains(args[0], "/") {
		return fmt.Errorf("%w: call <api/verb> [json]", errUsage)
	}
	var callArgs any
	if len(args) == 2 {
		callArgs = args[1]
	}

	c, err := connect(cfg, timeout, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	reply, err := c.Invoke(ctx, args[0], callArgs)
	if err != nil {
		return err
	}
	if err := printJSON(out, reply); err != nil {
		return err
	}
	if reply.IsError() {
		return fmt.Errorf("%s: %s", reply.Request.Status, reply.Request.Info)
	}
	return nil
}

// runListen prints one event frame per line until interrupted.
func runListen(cfg config.Config, timeout time.Duration, names []string, logger zerolog.Logger, out io.Writer) error {
	if len(names) == 0 {
		names = []string{events.Wildcard}
	}

	c, err := connect(cfg, timeout, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	c.SetAutoReconnect(cfg.AutoReconnect)

	done := make(chan struct{})
	defer close(done)
	merged := make(chan protocol.Event, 64)
	for _, n := range names {
		sub := c.Subscribe(n)
		defer sub.Close()
		go func() {
			for ev := range sub.C() {
				select {
				case merged <- ev:
				case <-done:
					return
				}
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	status := c.Status().Subscribe()
	defer status.Close()

	for {
		select {
		case <-sigCh:
			return nil
		case st, ok := <-status.C():
			if !ok {
				return nil
			}
			if st.ReconnectFailed {
				return fmt.Errorf("lost connection to %s", c.Target())
			}
			if !st.Connected && !cfg.AutoReconnect {
				return fmt.Errorf("connection to %s closed", c.Target())
			}
		case ev := <-merged:
			data, err := protocol.EncodeEvent(ev.Name, ev.Data)
			if err != nil {
				continue
			}
			fmt.Fprintln(out, string(data))
		}
	}
}
