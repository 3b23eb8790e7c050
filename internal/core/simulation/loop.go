// Package simulation runs the fixed-timestep loop that owns a scene tree and
// its replication session. Everything else talks to them through the loop's
// inbound buffer, drained once per tick.
package simulation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/observability/trace"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/replication"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/systems/physics"
)

const (
	DefaultTickRate        = 30
	DefaultCatchupMaxTicks = 3
	DefaultInboundCapacity = 4096
)

type Config struct {
	TickRate        int `yaml:"tick_rate" toml:"tick_rate" env:"TICK_RATE"`
	CatchupMaxTicks int `yaml:"catchup_max_ticks" toml:"catchup_max_ticks" env:"CATCHUP_MAX_TICKS"`
	InboundCapacity int `yaml:"inbound_capacity" toml:"inbound_capacity" env:"INBOUND_CAPACITY"`
}

func DefaultConfig() Config {
	return Config{
		TickRate:        DefaultTickRate,
		CatchupMaxTicks: DefaultCatchupMaxTicks,
		InboundCapacity: DefaultInboundCapacity,
	}
}

// StepResult summarizes one tick.
type StepResult struct {
	Tick     uint64
	Delta    float64
	Events   int
	Bodies   int
	Reports  int
	Duration time.Duration
	Clamped  bool
}

type Option func(*Loop)

func WithLogger(l log.Log) Option {
	return func(loop *Loop) { loop.logger = l }
}

func WithEngine(e physics.Engine) Option {
	return func(loop *Loop) { loop.engine = e }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(loop *Loop) { loop.now = now }
}

// WithAfterStep registers a hook called on the loop goroutine after every step.
func WithAfterStep(fn func(StepResult)) Option {
	return func(loop *Loop) { loop.afterStep = fn }
}

// Loop owns a session and its tree. Only the goroutine running Step or Run
// may touch them; other goroutines submit events.
type Loop struct {
	session *replication.Session
	tree    *scene.Tree
	engine  physics.Engine
	buffer  *InboundBuffer
	config  Config
	logger  log.Log

	now       func() time.Time
	afterStep func(StepResult)
}

func NewLoop(session *replication.Session, cfg Config, opts ...Option) *Loop {
	def := DefaultConfig()
	if cfg.TickRate <= 0 {
		cfg.TickRate = def.TickRate
	}
	if cfg.CatchupMaxTicks <= 0 {
		cfg.CatchupMaxTicks = def.CatchupMaxTicks
	}
	if cfg.InboundCapacity <= 0 {
		cfg.InboundCapacity = def.InboundCapacity
	}

	l := &Loop{
		session: session,
		tree:    session.Tree(),
		engine:  physics.NopEngine{},
		buffer:  NewInboundBuffer(cfg.InboundCapacity),
		config:  cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = log.OrProvide(l.logger).With(log.String("component", "simulation"))
	return l
}

func (l *Loop) Session() *replication.Session { return l.session }

func (l *Loop) Config() Config { return l.config }

// Pending reports the number of staged events.
func (l *Loop) Pending() int { return l.buffer.Len() }

// Submit stages ev for the next tick. A full buffer drops ev.
func (l *Loop) Submit(ev Event) bool {
	if l.buffer.Push(ev) {
		return true
	}
	dropped := l.buffer.Dropped()
	// every power of two, to keep a flood from flooding the log as well
	if dropped&(dropped-1) == 0 {
		l.logger.Warn("inbound buffer full, event dropped",
			log.String("kind", ev.Kind.String()),
			log.Connection(ev.ConnectionID),
			log.Uint64("dropped", dropped),
		)
	}
	return false
}

func (l *Loop) Deliver(from string, p protocol.Packet) bool {
	return l.Submit(Event{Kind: EventPacket, ConnectionID: from, Packet: p})
}

// Connected stages a new connection. Lifecycle events are never dropped: a
// lost Connected would refuse every packet of the connection, and a lost
// Disconnected would leave its authority held forever.
func (l *Loop) Connected(id string) {
	l.buffer.Force(Event{Kind: EventConnected, ConnectionID: id})
}

func (l *Loop) Disconnected(id string) {
	l.buffer.Force(Event{Kind: EventDisconnected, ConnectionID: id})
}

// Do runs fn on the loop goroutine at the start of the next tick.
func (l *Loop) Do(fn func(*replication.Session)) bool {
	return l.Submit(Event{Kind: EventCall, Call: fn})
}

// Step drains the inbound buffer, advances the tree clock, runs the physics
// hooks and flushes transform reports.
func (l *Loop) Step(dt float64) StepResult {
	start := l.now()
	_, span := trace.Start(context.Background(), "simulation.Step")
	defer span.End()

	events := l.buffer.Drain()
	for _, ev := range events {
		l.apply(ev)
	}

	tick := l.tree.Tick(dt)
	bodies := l.stepBodies(dt)
	reports := l.session.Flush()

	span.SetAttributes(
		attribute.Int64("tick", int64(tick)),
		attribute.Int("events", len(events)),
		attribute.Int("reports", reports),
	)
	return StepResult{
		Tick:     tick,
		Delta:    dt,
		Events:   len(events),
		Bodies:   bodies,
		Reports:  reports,
		Duration: l.now().Sub(start),
	}
}

func (l *Loop) apply(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("inbound event panicked",
				log.String("kind", ev.Kind.String()),
				log.Connection(ev.ConnectionID),
				log.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	switch ev.Kind {
	case EventPacket:
		// errors are logged by the session
		_ = l.session.Handle(ev.ConnectionID, ev.Packet)
	case EventConnected:
		l.session.Connect(ev.ConnectionID)
	case EventDisconnected:
		l.session.Disconnect(ev.ConnectionID)
	case EventCall:
		if ev.Call != nil {
			ev.Call(l.session)
		}
	}
}

// stepBodies feeds the engine the world transforms of every body this
// process writes and applies what it returns.
func (l *Loop) stepBodies(dt float64) int {
	var bodies []physics.BodyState
	l.tree.Walk(func(e *scene.Entity) bool {
		if e.Body() && !e.Pending() && l.session.Writes(e) {
			bodies = append(bodies, physics.BodyState{Ref: string(e.Ref()), Transform: e.GlobalTransform()})
		}
		return true
	})

	l.engine.PreTick(dt, bodies)
	for _, b := range l.engine.PostTick(dt) {
		e, ok := l.tree.Lookup(scene.Ref(b.Ref))
		if !ok || !l.session.Writes(e) {
			continue
		}
		e.SetGlobalTransform(b.Transform)
	}
	return len(bodies)
}

// Run steps the loop at the configured tick rate until ctx is done. The delta
// is measured, and clamped to CatchupMaxTicks ticks after a stall.
func (l *Loop) Run(ctx context.Context) error {
	budget := time.Second / time.Duration(l.config.TickRate)
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	budgetSeconds := budget.Seconds()
	maxDt := budgetSeconds * float64(l.config.CatchupMaxTicks)
	last := l.now()

	l.logger.Info("simulation loop started", log.Int("tick_rate", l.config.TickRate))
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("simulation loop stopped")
			return nil
		case <-ticker.C:
			now := l.now()
			dt := now.Sub(last).Seconds()
			clamped := false
			if dt <= 0 {
				dt = budgetSeconds
			} else if dt > maxDt {
				dt = maxDt
				clamped = true
			}
			last = now

			res := l.Step(dt)
			res.Clamped = clamped
			if res.Duration > budget {
				l.logger.Warn("tick over budget",
					log.Uint64("tick", res.Tick),
					log.Duration("took", res.Duration),
					log.Duration("budget", budget),
				)
			}
			if l.afterStep != nil {
				l.afterStep(res)
			}
		}
	}
}
