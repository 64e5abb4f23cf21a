package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/oceanstream/chunker"
	"github.com/c360/oceanstream/component"
	"github.com/c360/oceanstream/config"
	"github.com/c360/oceanstream/errors"
	"github.com/c360/oceanstream/format/cspp"
	"github.com/c360/oceanstream/format/glider"
	"github.com/c360/oceanstream/format/orb"
	"github.com/c360/oceanstream/format/sio"
	fileharvester "github.com/c360/oceanstream/harvester/file"
	wsharvester "github.com/c360/oceanstream/harvester/websocket"
	"github.com/c360/oceanstream/metric"
	"github.com/c360/oceanstream/parser"
	"github.com/c360/oceanstream/particle"
	"github.com/c360/oceanstream/publisher"
	"github.com/c360/oceanstream/state"
	"github.com/c360/oceanstream/statestore"
)

// exceptionLogBurst bounds how many recoverable-failure log lines a stream
// may emit in a burst; a corrupt file can carry thousands of bad records and
// each one is already counted in metrics.
const (
	exceptionLogRate  = rate.Limit(1) // per second
	exceptionLogBurst = 10
)

// stream is one wired instrument stream: harvester feeding parser, particles
// going to the publisher, checkpoints going to the state store.
type stream struct {
	name      string
	harvester component.LifecycleComponent
	parser    *parser.Parser
	log       *component.Logger

	suppressed int64 // exception log lines dropped by the rate limiter
}

// buildStream wires one stream from its config. An existing checkpoint in the
// store resumes the stream; a missing one starts it at byte zero.
func buildStream(
	ctx context.Context,
	sc config.StreamConfig,
	pub *publisher.Publisher,
	store statestore.Store,
	metrics *metric.Metrics,
	log *component.Logger,
	slogger *slog.Logger,
) (*stream, error) {
	if log == nil {
		log = component.NewLogger("stream", sc.Name, nil, slogger)
	}

	sieves, builder, rollover, err := buildFormat(sc)
	if err != nil {
		return nil, err
	}
	if sc.Rollover.Period > 0 {
		rollover = &state.RolloverConfig{Period: sc.Rollover.Period, Slack: sc.Rollover.Slack}
	}

	st := &stream{name: sc.Name, log: log}
	limiter := rate.NewLimiter(exceptionLogRate, exceptionLogBurst)

	pcfg := parser.Config{
		Stream:   sc.Name,
		Sieves:   sieves,
		Builder:  builder,
		Rollover: rollover,
		Logger:   slogger,
		Metrics:  metrics,
		Callbacks: parser.Callbacks{
			Sample: func(p *particle.Particle) {
				if err := pub.Publish(ctx, p); err != nil {
					log.Error("particle delivery failed", err)
				}
			},
			State: func(snapshot *state.State, fileIngested bool) {
				blob, err := json.Marshal(snapshot)
				if err != nil {
					log.Error("checkpoint marshal failed", err)
					return
				}
				if err := store.Save(ctx, sc.Name, blob); err != nil {
					log.Error("checkpoint save failed", err)
					return
				}
				if metrics != nil {
					metrics.RecordCheckpointSaved(sc.Name)
				}
				if fileIngested {
					log.Info("stream fully ingested")
				}
			},
			Exception: func(err error) {
				if limiter.Allow() {
					log.Warn("recoverable parse failure: " + err.Error())
				} else {
					st.suppressed++
				}
			},
		},
	}

	p, err := newOrRestoreParser(ctx, pcfg, sc, store, log)
	if err != nil {
		return nil, err
	}
	st.parser = p

	h, err := buildHarvester(sc, p, log)
	if err != nil {
		return nil, err
	}
	st.harvester = h
	return st, nil
}

// newOrRestoreParser consults the state store for a checkpoint. Corrupt or
// inconsistent checkpoints are fatal for the stream rather than silently
// restarted at byte zero.
func newOrRestoreParser(
	ctx context.Context,
	pcfg parser.Config,
	sc config.StreamConfig,
	store statestore.Store,
	log *component.Logger,
) (*parser.Parser, error) {
	blob, err := store.Load(ctx, sc.Name)
	if err != nil {
		if stderrors.Is(err, errors.ErrStateNotFound) {
			return parser.New(pcfg)
		}
		return nil, errors.WrapTransient(err, "Service", "buildStream", "load checkpoint")
	}

	sourceLen := int64(-1)
	if sc.Harvester.Kind == config.HarvesterFile {
		if info, statErr := os.Stat(sc.Harvester.Path); statErr == nil {
			sourceLen = info.Size()
		}
	}

	p, err := parser.Restore(pcfg, blob, sourceLen)
	if err != nil {
		return nil, err
	}
	log.Info(fmt.Sprintf("resuming from byte %d", p.Position()))
	return p, nil
}

// buildFormat maps a stream config to its sieves, builder, and default
// rollover.
func buildFormat(sc config.StreamConfig) ([]chunker.Sieve, parser.Builder, *state.RolloverConfig, error) {
	switch sc.Format {
	case config.FormatSIO:
		b, err := sio.NewBuilder(sio.Config{
			MetadataSpec: particle.Spec{
				Kind:   particle.FormatSIO,
				Type:   sc.SIO.MetadataType,
				Fields: sc.SIO.MetadataFields,
			},
			DataSpec: particle.Spec{
				Kind:   particle.FormatSIO,
				Type:   sc.SIO.DataType,
				Fields: sc.SIO.DataFields,
			},
			TimerField: sc.SIO.TimerField,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return []chunker.Sieve{sio.NewSieve()}, b, nil, nil

	case config.FormatCSPP:
		b, err := cspp.NewBuilder(cspp.Config{
			MetadataSpec: particle.Spec{
				Kind:   particle.FormatCSPP,
				Type:   sc.CSPP.MetadataType,
				Fields: []string{"name", "value"},
			},
			DataSpec: particle.Spec{
				Kind:   particle.FormatCSPP,
				Type:   sc.CSPP.DataType,
				Fields: sc.CSPP.DataFields,
			},
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return cspp.NewSieves(), b, nil, nil

	case config.FormatGlider:
		specs := make([]particle.Spec, 0, len(sc.Glider.Particles))
		for _, ps := range sc.Glider.Particles {
			specs = append(specs, particle.Spec{
				Kind:   particle.FormatGlider,
				Type:   ps.Type,
				Fields: ps.Fields,
			})
		}
		var meta *particle.Spec
		if sc.Glider.MetadataType != "" {
			meta = &particle.Spec{
				Kind:   particle.FormatGlider,
				Type:   sc.Glider.MetadataType,
				Fields: sc.Glider.MetadataFields,
			}
		}
		b, err := glider.NewBuilder(glider.Config{
			HeaderLines:  sc.Glider.HeaderLines,
			Columns:      sc.Glider.Columns,
			TimeColumn:   sc.Glider.TimeColumn,
			MetadataSpec: meta,
			Specs:        specs,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return []chunker.Sieve{glider.NewSieve()}, b, nil, nil

	case config.FormatORB:
		b, err := orb.NewBuilder(orb.Config{
			Spec: particle.Spec{
				Kind:   particle.FormatORB,
				Type:   sc.ORB.Type,
				Fields: []string{"sequence", "size", "payload"},
			},
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return []chunker.Sieve{orb.NewSieve()}, b, orb.DefaultRollover(), nil
	}

	return nil, nil, nil, errors.WrapFatal(errors.ErrInvalidConfig, "Service", "buildFormat",
		"unknown format "+sc.Format)
}

// buildHarvester maps a stream config to its harvester.
func buildHarvester(sc config.StreamConfig, p *parser.Parser, log *component.Logger) (component.LifecycleComponent, error) {
	switch sc.Harvester.Kind {
	case config.HarvesterFile:
		return fileharvester.New(fileharvester.Config{
			Stream:       sc.Name,
			Path:         sc.Harvester.Path,
			PollInterval: sc.Harvester.PollInterval.Std(),
			Tail:         sc.Harvester.Tail,
			ArchiveDir:   sc.Harvester.ArchiveDir,
		}, p, log)

	case config.HarvesterWebsocket:
		return wsharvester.New(wsharvester.Config{
			Stream:        sc.Name,
			URL:           sc.Harvester.URL,
			BufferSize:    sc.Harvester.BufferSize,
			MaxReconnects: sc.Harvester.MaxReconnects,
		}, p, log)
	}
	return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Service", "buildHarvester",
		"unknown harvester kind "+sc.Harvester.Kind)
}

// start brings the stream's harvester up.
func (s *stream) start(ctx context.Context) error {
	if err := s.harvester.Initialize(); err != nil {
		return err
	}
	return s.harvester.Start(ctx)
}

// stop tears the stream down.
func (s *stream) stop(timeout time.Duration) error {
	return s.harvester.Stop(timeout)
}
