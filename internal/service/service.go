// Package service wires the caches, the device client and the HTTP servers
// into the long-running daemon.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/developingchet/fwconsole/internal/api"
	"github.com/developingchet/fwconsole/internal/config"
	"github.com/developingchet/fwconsole/internal/logcache"
	"github.com/developingchet/fwconsole/internal/pincache"
	"github.com/developingchet/fwconsole/internal/storage"
	"github.com/developingchet/fwconsole/internal/telemetry"
	"github.com/developingchet/fwconsole/internal/trafficcache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Device is what the daemon needs from the firewall client.
type Device interface {
	telemetry.Fetcher
	api.Device
}

// Service owns the PIN cache, both telemetry caches and the servers that
// expose them.
type Service struct {
	cfg     *config.Config
	store   storage.Store
	dev     Device
	pin     *pincache.Cache
	logs    *logcache.Cache
	traffic *trafficcache.Cache
	api     *api.Server
	log     zerolog.Logger
}

// New constructs a fully wired Service. Nothing is started until Run.
func New(cfg *config.Config, store storage.Store, dev Device, log zerolog.Logger) *Service {
	pin := pincache.New(pincache.Config{
		LockoutThreshold: cfg.LockoutThreshold,
		LockoutDuration:  cfg.LockoutDuration,
	}, log.With().Str("component", "pin").Logger())
	logs := logcache.New(cfg.LogCapacity, dev, log.With().Str("component", "logcache").Logger())
	traffic := trafficcache.New(cfg.TrafficWindow, dev, log.With().Str("component", "trafficcache").Logger())

	srv := api.New(api.Config{
		LogPollInterval:     cfg.LogsInterval(),
		TrafficPollInterval: cfg.TrafficInterval(),
		ProbeTimeout:        cfg.DeviceHTTPTimeout,
	}, pin, logs, traffic, dev, log.With().Str("component", "api").Logger())

	return &Service{
		cfg:     cfg,
		store:   store,
		dev:     dev,
		pin:     pin,
		logs:    logs,
		traffic: traffic,
		api:     srv,
		log:     log,
	}
}

// Handler returns the command API handler.
func (s *Service) Handler() http.Handler { return s.api }

// Logs returns the log cache.
func (s *Service) Logs() *logcache.Cache { return s.logs }

// Traffic returns the traffic cache.
func (s *Service) Traffic() *trafficcache.Cache { return s.traffic }

// Run starts the servers and housekeeping and blocks until ctx is cancelled
// or a server fails. Both pollers are stopped before it returns.
func (s *Service) Run(ctx context.Context) error {
	defer s.stopPolling()

	if s.cfg.PollOnStart {
		if err := s.logs.StartPolling(s.cfg.LogsInterval()); err != nil {
			return fmt.Errorf("start log polling: %w", err)
		}
		if err := s.traffic.StartPolling(s.cfg.TrafficInterval()); err != nil {
			return fmt.Errorf("start traffic polling: %w", err)
		}
		s.log.Info().Dur("logs", s.cfg.LogsInterval()).Dur("traffic", s.cfg.TrafficInterval()).
			Msg("polling started on startup")
	}

	g, gctx := errgroup.WithContext(ctx)

	// Command API
	g.Go(func() error {
		return s.serveAPI(gctx)
	})

	// Prometheus metrics server
	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}

	// Gauge housekeeping
	hk := NewHousekeeper(s.store, s.logs, s.cfg.HousekeepingInterval, s.log)
	g.Go(func() error {
		return hk.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) stopPolling() {
	s.logs.StopPolling()
	s.traffic.StopPolling()
}

// serveAPI runs the command API server.
func (s *Service) serveAPI(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.APIAddr,
		Handler:           s.api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.APIAddr).Msg("command API server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// serveMetrics runs the Prometheus HTTP server.
func (s *Service) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
