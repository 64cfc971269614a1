package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"afb-client/internal/bridge"
	"afb-client/internal/client"
	"afb-client/internal/config"
	"afb-client/internal/gateway"
	"afb-client/internal/watcher"

	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// runServe keeps a client connected, serves the HTTP gateway, optionally
// republishes events to AMQP and re-points the client when the config file
// changes.
func runServe(cfg config.Config, configPath string, flags func(*config.Config), logger zerolog.Logger) error {
	c := client.New(cfg.ClientOptions(logger))
	defer c.Close()

	if err := configure(c, cfg); err != nil {
		return err
	}
	if err := c.Connect(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	if cfg.AMQP.URL != "" {
		sink, err := bridge.DialAMQP(ctx, cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			return err
		}
		defer sink.Close()

		b := bridge.New(c, cfg.AMQP.Events, sink, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Run(ctx)
		}()
	}

	var fileWatch *watcher.Watcher
	if configPath != "" {
		r := &reloader{client: c, current: cfg, flags: flags, logger: logger}
		fileWatch = watcher.New(0, r.reload, logger)
		if err := fileWatch.Watch(configPath); err != nil {
			logger.Warn().Err(err).Str("path", configPath).Msg("config hot reload disabled")
		}
	}

	gw := gateway.New(c, cfg.CallTimeout, logger)
	httpServer := &http.Server{
		Addr:    cfg.Gateway.Addr,
		Handler: gw.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		if fileWatch != nil {
			fileWatch.Shutdown()
		}
		gw.Shutdown()
		cancel()

		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		httpServer.Shutdown(sctx)
	}()

	logger.Info().Str("addr", cfg.Gateway.Addr).Str("target", c.Target()).Msg("gateway listening")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		cancel()
		wg.Wait()
		return err
	}
	wg.Wait()
	c.Disconnect()
	return nil
}

// reloader re-points the client when the config file changes. Settings
// other than the binder location and token need a restart.
type reloader struct {
	client *client.Client
	flags  func(*config.Config)
	logger zerolog.Logger

	mu      sync.Mutex
	current config.Config
}

func (r *reloader) reload(path string) {
	next, err := config.Load(path)
	if err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("ignoring invalid config")
		return
	}
	r.flags(&next)

	r.mu.Lock()
	defer r.mu.Unlock()

	if next.URL == r.current.URL && next.Token == r.current.Token &&
		next.Host == r.current.Host && next.Port == r.current.Port {
		r.logger.Debug().Msg("config changed, binder location unchanged")
		return
	}

	r.client.Disconnect()
	if err := configure(r.client, next); err != nil {
		r.logger.Error().Err(err).Msg("cannot apply reloaded config")
		return
	}
	r.client.SetAutoReconnect(next.AutoReconnect)
	if err := r.client.Connect(); err != nil {
		r.logger.Error().Err(err).Msg("reconnect after reload failed")
		return
	}
	r.current = next
	r.logger.Info().Str("target", r.client.Target()).Msg("binder location reloaded")
}
