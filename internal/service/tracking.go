package service

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"livesession/internal/clock"
	"livesession/internal/domain"
)

// Position is a single location fix from the device.
type Position struct {
	Lat float64
	Lng float64
}

// LocationSource provides the device's current position.
type LocationSource interface {
	Current(ctx context.Context) (Position, error)
}

// LocationSourceFunc adapts a function to LocationSource.
type LocationSourceFunc func(ctx context.Context) (Position, error)

func (f LocationSourceFunc) Current(ctx context.Context) (Position, error) { return f(ctx) }

// LocationPublisher receives the samples taken for a session.
type LocationPublisher interface {
	PublishPosition(ctx context.Context, sessionID string, pos Position) error
}

// LocationPublisherFunc adapts a function to LocationPublisher.
type LocationPublisherFunc func(ctx context.Context, sessionID string, pos Position) error

func (f LocationPublisherFunc) PublishPosition(ctx context.Context, sessionID string, pos Position) error {
	return f(ctx, sessionID, pos)
}

// Tracker starts and stops location sampling for sessions.
type Tracker interface {
	Start(sessionID string, mode domain.TrackingMode)
	Stop(sessionID string)
}

// TrackingConfig holds the sampling cadence of each mode.
type TrackingConfig struct {
	ContinuousInterval time.Duration
	SmartMinInterval   time.Duration
	SmartMaxInterval   time.Duration
	// StationaryMeters is the distance under which a device counts as not moving.
	StationaryMeters float64
}

// DefaultTrackingConfig returns the cadence used when none is configured.
func DefaultTrackingConfig() TrackingConfig {
	return TrackingConfig{
		ContinuousInterval: 5 * time.Second,
		SmartMinInterval:   5 * time.Second,
		SmartMaxInterval:   2 * time.Minute,
		StationaryMeters:   25,
	}
}

// samplingPolicy decides the delay before the next sample.
type samplingPolicy interface {
	next(pos Position) time.Duration
	current() time.Duration
}

type fixedPolicy struct{ interval time.Duration }

func (p fixedPolicy) next(Position) time.Duration { return p.interval }
func (p fixedPolicy) current() time.Duration      { return p.interval }

// smartPolicy doubles the interval while the device is stationary and halves
// it while moving, bounded by min and max.
type smartPolicy struct {
	min, max   time.Duration
	stationary float64
	interval   time.Duration
	last       *Position
}

func (p *smartPolicy) next(pos Position) time.Duration {
	if p.last != nil {
		if haversineMeters(*p.last, pos) < p.stationary {
			p.interval *= 2
		} else {
			p.interval /= 2
		}
	}
	p.interval = min(max(p.interval, p.min), p.max)
	p.last = &pos
	return p.interval
}

func (p *smartPolicy) current() time.Duration { return p.interval }

// TrackingEngine owns one sampling loop per tracked session.
type TrackingEngine struct {
	cfg       TrackingConfig
	source    LocationSource
	publisher LocationPublisher
	isActive  func(sessionID string) bool
	clock     clock.Clock
	log       *slog.Logger

	mu      sync.Mutex
	runs    map[string]*trackingRun
	dropped atomic.Int64
}

type trackingRun struct {
	mode   domain.TrackingMode
	swap   chan domain.TrackingMode
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Tracker = (*TrackingEngine)(nil)

// NewTrackingEngine creates a new TrackingEngine. Samples taken while
// isActive reports false for the session are dropped.
func NewTrackingEngine(
	cfg TrackingConfig,
	source LocationSource,
	publisher LocationPublisher,
	isActive func(sessionID string) bool,
	clk clock.Clock,
	log *slog.Logger,
) *TrackingEngine {
	if log == nil {
		log = slog.Default()
	}
	if isActive == nil {
		isActive = func(string) bool { return true }
	}
	return &TrackingEngine{
		cfg:       cfg,
		source:    source,
		publisher: publisher,
		isActive:  isActive,
		clock:     clk,
		log:       log,
		runs:      make(map[string]*trackingRun),
	}
}

// SetActivityGate replaces the check that decides whether samples are published.
func (e *TrackingEngine) SetActivityGate(isActive func(sessionID string) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isActive = isActive
}

// Start begins sampling for the session in mode. If the session is already
// sampled in another mode, the running loop switches policy without a gap.
// OFF stops sampling.
func (e *TrackingEngine) Start(sessionID string, mode domain.TrackingMode) {
	if mode == domain.TrackingModeOff {
		e.Stop(sessionID)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if run, ok := e.runs[sessionID]; ok {
		if run.mode == mode {
			return
		}
		run.mode = mode
		// Keep only the most recent swap request.
		select {
		case <-run.swap:
		default:
		}
		run.swap <- mode
		e.log.Info("tracking mode swapped", "session_id", sessionID, "mode", mode)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &trackingRun{
		mode:   mode,
		swap:   make(chan domain.TrackingMode, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.runs[sessionID] = run
	go e.loop(ctx, sessionID, mode, run)
	e.log.Info("tracking started", "session_id", sessionID, "mode", mode)
}

// Stop ends sampling for the session and returns after the loop exited.
func (e *TrackingEngine) Stop(sessionID string) {
	e.mu.Lock()
	run, ok := e.runs[sessionID]
	if ok {
		delete(e.runs, sessionID)
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	run.cancel()
	<-run.done
	e.log.Info("tracking stopped", "session_id", sessionID)
}

// StopAll ends sampling for every session.
func (e *TrackingEngine) StopAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Stop(id)
	}
}

// Running returns the mode the session is sampled in, if any.
func (e *TrackingEngine) Running(sessionID string) (domain.TrackingMode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[sessionID]
	if !ok {
		return "", false
	}
	return run.mode, true
}

// Dropped returns the number of samples that were not published.
func (e *TrackingEngine) Dropped() int64 {
	return e.dropped.Load()
}

func (e *TrackingEngine) loop(ctx context.Context, sessionID string, mode domain.TrackingMode, run *trackingRun) {
	defer close(run.done)

	policy := e.policyFor(mode)
	tick := make(chan struct{}, 1)
	var timer clock.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		delay := e.sample(ctx, sessionID, policy)
		timer = e.clock.AfterFunc(delay, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})

		select {
		case <-ctx.Done():
			return
		case <-tick:
		case m := <-run.swap:
			timer.Stop()
			policy = e.policyFor(m)
		}
	}
}

// sample takes and publishes one position and returns the delay before the next.
func (e *TrackingEngine) sample(ctx context.Context, sessionID string, policy samplingPolicy) time.Duration {
	pos, err := e.source.Current(ctx)
	if err != nil {
		e.dropped.Add(1)
		e.log.Warn("location unavailable", "session_id", sessionID, "error", err)
		return policy.current()
	}
	delay := policy.next(pos)

	e.mu.Lock()
	isActive := e.isActive
	e.mu.Unlock()

	if !isActive(sessionID) {
		e.dropped.Add(1)
		return delay
	}
	if err := e.publisher.PublishPosition(ctx, sessionID, pos); err != nil {
		e.dropped.Add(1)
		e.log.Warn("location not published", "session_id", sessionID, "error", err)
	}
	return delay
}

func (e *TrackingEngine) policyFor(mode domain.TrackingMode) samplingPolicy {
	if mode == domain.TrackingModeSmart {
		return &smartPolicy{
			min:        e.cfg.SmartMinInterval,
			max:        e.cfg.SmartMaxInterval,
			stationary: e.cfg.StationaryMeters,
			interval:   e.cfg.SmartMinInterval,
		}
	}
	return fixedPolicy{interval: e.cfg.ContinuousInterval}
}

const earthRadiusMeters = 6371000.0

func haversineMeters(a, b Position) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}
