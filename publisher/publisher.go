// Package publisher delivers emitted particles to NATS so downstream
// consumers (archivers, QC pipelines, dashboards) receive every sample in
// stream order.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/c360/oceanstream/component"
	"github.com/c360/oceanstream/errors"
	"github.com/c360/oceanstream/metric"
	"github.com/c360/oceanstream/natsclient"
	"github.com/c360/oceanstream/particle"
	"github.com/c360/oceanstream/pkg/retry"
)

// SubjectPrefix is the root of the particle subject hierarchy. The full
// subject is oceanstream.particles.<stream>.<type>.
const SubjectPrefix = "oceanstream.particles"

// Conn is the slice of the NATS client the publisher needs. Tests substitute
// an in-memory implementation.
type Conn interface {
	Publish(ctx context.Context, subject string, data []byte) error
	IsHealthy() bool
}

var _ Conn = (*natsclient.Client)(nil)

// Publisher publishes particles for all streams over a shared NATS client.
// It implements component.LifecycleComponent so the service runner can manage
// it alongside the harvesters.
type Publisher struct {
	conn    Conn
	log     *component.Logger
	metrics *metric.Metrics
	retry   retry.Config

	mu        sync.RWMutex
	state     component.State
	published uint64
	failed    uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// Config configures a Publisher.
type Config struct {
	Conn    Conn
	Logger  *component.Logger
	Metrics *metric.Metrics
	Retry   *retry.Config
}

// New creates a Publisher.
func New(cfg Config) (*Publisher, error) {
	if cfg.Conn == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Publisher", "New", "NATS connection required")
	}
	log := cfg.Logger
	if log == nil {
		log = component.NewLogger("publisher", "", nil, nil)
	}
	rc := retry.Quick()
	if cfg.Retry != nil {
		rc = *cfg.Retry
	}
	return &Publisher{
		conn:    cfg.Conn,
		log:     log,
		metrics: cfg.Metrics,
		retry:   rc,
		state:   component.StateCreated,
	}, nil
}

// Name implements component.LifecycleComponent.
func (p *Publisher) Name() string { return "publisher" }

// Initialize implements component.LifecycleComponent.
func (p *Publisher) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != component.StateCreated {
		return errors.ErrAlreadyStarted
	}
	p.state = component.StateInitialized
	return nil
}

// Start implements component.LifecycleComponent.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == component.StateStarted {
		return errors.ErrAlreadyStarted
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.state = component.StateStarted
	p.log.Info("publisher started")
	return nil
}

// Stop implements component.LifecycleComponent.
func (p *Publisher) Stop(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != component.StateStarted {
		return errors.ErrNotStarted
	}
	_ = timeout
	if p.cancel != nil {
		p.cancel()
	}
	p.state = component.StateStopped
	p.log.Info("publisher stopped")
	return nil
}

// Health implements component.LifecycleComponent.
func (p *Publisher) Health() component.Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return component.Health{
		Healthy: p.state == component.StateStarted && p.conn.IsHealthy(),
		State:   p.state.String(),
		Details: map[string]any{
			"published": p.published,
			"failed":    p.failed,
		},
	}
}

// Subject returns the NATS subject for a particle.
func Subject(stream, particleType string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, stream, particleType)
}

// Publish serializes one particle and publishes it, retrying transient
// failures with backoff. Publish order within a stream is preserved because
// each stream's parser delivers samples synchronously from one goroutine.
func (p *Publisher) Publish(ctx context.Context, part *particle.Particle) error {
	data, err := json.Marshal(part)
	if err != nil {
		p.countFailure()
		return errors.WrapInvalid(err, "Publisher", "Publish", "marshal particle")
	}

	subject := Subject(part.Stream, part.Type)
	err = retry.Do(ctx, p.retry, func() error {
		return p.conn.Publish(ctx, subject, data)
	})
	if err != nil {
		p.countFailure()
		p.log.Error("particle publish failed", err)
		return errors.WrapTransient(err, "Publisher", "Publish", "publish to "+subject)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.RecordParticleEmitted(part.Stream, part.Type)
	}
	return nil
}

func (p *Publisher) countFailure() {
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
}
