// Package service wires a deployment config into running streams: one
// harvester and parser per instrument stream, a shared NATS client and
// particle publisher, durable checkpoints, and prometheus exposition.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/oceanstream/component"
	"github.com/c360/oceanstream/config"
	"github.com/c360/oceanstream/errors"
	"github.com/c360/oceanstream/metric"
	"github.com/c360/oceanstream/natsclient"
	"github.com/c360/oceanstream/publisher"
	"github.com/c360/oceanstream/statestore"
)

// stopTimeout bounds per-component shutdown during Run teardown.
const stopTimeout = 10 * time.Second

// Service runs one deployment.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *metric.MetricsRegistry

	nats    *natsclient.Client
	store   statestore.Store
	pub     *publisher.Publisher
	metrics *metric.Server
	streams []*stream
}

// New builds a service from a validated deployment config.
func New(cfg *config.Config, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Service", "New", "config required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		log:      log.With("deployment", cfg.Deployment),
		registry: metric.NewMetricsRegistry(),
	}, nil
}

// Run connects shared infrastructure, wires every configured stream, and
// blocks until the context is cancelled or a stream fails fatally.
func (s *Service) Run(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	defer s.shutdown()

	if err := s.wireStreams(ctx); err != nil {
		return err
	}

	g, runCtx := errgroup.WithContext(ctx)

	if s.cfg.Metrics.Enabled {
		s.metrics = metric.NewServer(s.cfg.Metrics.Addr, "/metrics", s.registry)
		if err := s.metrics.Start(); err != nil {
			return err
		}
		s.log.Info("metrics server started", "addr", s.cfg.Metrics.Addr)
	}

	if err := s.pub.Initialize(); err != nil {
		return err
	}
	if err := s.pub.Start(runCtx); err != nil {
		return err
	}

	for _, st := range s.streams {
		st := st
		g.Go(func() error {
			if err := st.start(runCtx); err != nil {
				return fmt.Errorf("stream %s: %w", st.name, err)
			}
			<-runCtx.Done()
			return nil
		})
	}

	s.log.Info("service running", "streams", len(s.streams))
	return g.Wait()
}

// connect establishes NATS and the state store.
func (s *Service) connect(ctx context.Context) error {
	opts := []natsclient.ClientOption{
		natsclient.WithName("oceanstream-" + s.cfg.Deployment),
		natsclient.WithMetrics(s.registry.CoreMetrics()),
	}
	if s.cfg.NATS.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(s.cfg.NATS.MaxReconnects))
	}
	if s.cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(s.cfg.NATS.ReconnectWait.Std()))
	}
	if s.cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithUserCredentials(s.cfg.NATS.Username, s.cfg.NATS.Password))
	}
	if s.cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(s.cfg.NATS.Token))
	}
	if s.cfg.NATS.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(s.cfg.NATS.TLS.CertFile, s.cfg.NATS.TLS.KeyFile, s.cfg.NATS.TLS.CAFile))
	}

	client, err := natsclient.NewClient(s.cfg.NATS.URL, opts...)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	s.nats = client

	switch s.cfg.State.Backend {
	case config.StateStoreFile:
		s.store, err = statestore.NewFileStore(s.cfg.State.Dir)
	case config.StateStoreKV:
		s.store, err = statestore.NewKVStore(ctx, client, s.cfg.State.Bucket)
	default:
		err = errors.WrapFatal(errors.ErrInvalidConfig, "Service", "connect",
			"unknown state backend "+s.cfg.State.Backend)
	}
	if err != nil {
		return err
	}

	s.pub, err = publisher.New(publisher.Config{
		Conn:    client,
		Logger:  component.NewLogger("publisher", s.cfg.Deployment, client.Conn(), s.log),
		Metrics: s.registry.CoreMetrics(),
	})
	return err
}

// wireStreams builds every configured stream.
func (s *Service) wireStreams(ctx context.Context) error {
	for _, sc := range s.cfg.Streams {
		log := component.NewLogger("harvester", sc.Name, s.nats.Conn(), s.log)
		st, err := buildStream(ctx, sc, s.pub, s.store, s.registry.CoreMetrics(), log,
			s.log.With("stream", sc.Name))
		if err != nil {
			return fmt.Errorf("stream %s: %w", sc.Name, err)
		}
		s.streams = append(s.streams, st)
	}
	return nil
}

// shutdown tears everything down in reverse dependency order.
func (s *Service) shutdown() {
	for _, st := range s.streams {
		if err := st.stop(stopTimeout); err != nil && !isNotStarted(err) {
			s.log.Warn("stream stop failed", "stream", st.name, "error", err)
		}
	}
	if s.pub != nil {
		if err := s.pub.Stop(stopTimeout); err != nil && !isNotStarted(err) {
			s.log.Warn("publisher stop failed", "error", err)
		}
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := s.metrics.Stop(ctx); err != nil {
			s.log.Warn("metrics server stop failed", "error", err)
		}
	}
	if s.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := s.nats.Close(ctx); err != nil {
			s.log.Warn("NATS close failed", "error", err)
		}
	}
}

func isNotStarted(err error) bool {
	return err == errors.ErrNotStarted
}
