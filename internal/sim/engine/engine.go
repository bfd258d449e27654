package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"citysim.ai/internal/llm"
	"citysim.ai/internal/observerproto"
	"citysim.ai/internal/pathfind"
	"citysim.ai/internal/persistence/lease"
	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/persistence/snapshot"
	"citysim.ai/internal/sim/activities"
	"citysim.ai/internal/sim/catalogs"
	"citysim.ai/internal/sim/errs"
	"citysim.ai/internal/sim/imports"
	"citysim.ai/internal/sim/ledger"
	"citysim.ai/internal/sim/model"
	"citysim.ai/internal/sim/resources"
	"citysim.ai/internal/sim/tuning"
)

const instrumentation = "citysim.ai/internal/sim/engine"

type AuditSink interface {
	WriteAudit(model.AuditEntry) error
}

type TickLogger interface {
	WriteTick(v any) error
}

type Observer interface {
	Broadcast(observerproto.TickMsg)
}

type Config struct {
	Store    recordstore.Store
	Catalogs *catalogs.Catalogs
	Tuning   tuning.Tuning

	// Oracle and Asker may be nil; travel then uses the fallback duration and
	// decisions use catalog defaults.
	Oracle pathfind.Oracle
	Asker  llm.Asker

	Lease   lease.Lease
	TickLog TickLogger
	Audit   AuditSink
	Tracer  trace.Tracer
	Meter   metric.Meter
	Logger  *log.Logger

	// MaxActivities caps the due activities processed per tick. 0 means no cap.
	MaxActivities int
}

// Engine runs ticks: due activities, import convoys, operator assignment and
// the daily routine of idle citizens.
type Engine struct {
	store  recordstore.Store
	cat    *catalogs.Catalogs
	cfg    tuning.Tuning
	loc    *time.Location
	lease  lease.Lease
	tracer trace.Tracer
	met    instruments
	log    *log.Logger

	res     *resources.Engine
	ledger  *ledger.Ledger
	builder *activities.Builder
	exec    *activities.Executor
	imports *imports.Runner

	tickLog       TickLogger
	maxActivities int

	// runMu serializes ticks and snapshot captures.
	runMu sync.Mutex

	mu        sync.Mutex
	tick      uint64
	lastTime  time.Time
	observers []Observer
	snapCh    chan<- snapshot.SnapshotV1
	snapEvery uint64
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Catalogs == nil {
		return nil, fmt.Errorf("engine: store and catalogs are required")
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Tuning.Routine.Timezone)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	res := resources.NewEngine(cfg.Store, cfg.Catalogs, cfg.Logger, cfg.Audit)
	led := ledger.New(cfg.Store, res, cfg.Logger, cfg.Audit)
	deps := activities.Deps{
		Store:     cfg.Store,
		Catalogs:  cfg.Catalogs,
		Tuning:    cfg.Tuning,
		Resources: res,
		Oracle:    cfg.Oracle,
		Asker:     cfg.Asker,
		Logger:    cfg.Logger,
	}
	b := activities.NewBuilder(deps)

	e := &Engine{
		store:         cfg.Store,
		cat:           cfg.Catalogs,
		cfg:           cfg.Tuning,
		loc:           loc,
		lease:         cfg.Lease,
		tracer:        cfg.Tracer,
		log:           cfg.Logger,
		res:           res,
		ledger:        led,
		builder:       b,
		exec:          activities.NewExecutor(deps, led, b, cfg.Audit),
		imports:       imports.NewRunner(cfg.Store, cfg.Tuning, cfg.Logger, cfg.Audit),
		tickLog:       cfg.TickLog,
		maxActivities: cfg.MaxActivities,
	}
	if e.lease == nil {
		e.lease = lease.Noop{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentation)
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(instrumentation)
	}
	if e.met, err = newInstruments(meter); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return e, nil
}

func (e *Engine) logf(format string, args ...any) {
	if e.log != nil {
		e.log.Printf(format, args...)
	}
}

func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// SetSnapshotSink makes every n-th tick send a snapshot of the store to ch.
// n == 0 only serves RequestSnapshot.
func (e *Engine) SetSnapshotSink(ch chan<- snapshot.SnapshotV1, n uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapCh = ch
	e.snapEvery = n
}

// RequestSnapshot captures the store between ticks and hands it to the sink.
func (e *Engine) RequestSnapshot(ctx context.Context) (uint64, error) {
	e.mu.Lock()
	ch := e.snapCh
	e.mu.Unlock()
	if ch == nil {
		return 0, fmt.Errorf("no snapshot sink configured")
	}

	e.runMu.Lock()
	tick, at := e.LastTick()
	snap, err := snapshot.Capture(ctx, e.store, tick, at)
	e.runMu.Unlock()
	if err != nil {
		return tick, err
	}
	select {
	case ch <- snap:
		return tick, nil
	case <-ctx.Done():
		return tick, ctx.Err()
	}
}

// LastTick returns the number and simulation time of the latest tick.
func (e *Engine) LastTick() (uint64, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick, e.lastTime
}

func (e *Engine) Timezone() string { return e.loc.String() }

func (e *Engine) Location() *time.Location { return e.loc }

func (e *Engine) ActivityTypes() []string {
	ts := activities.Types()
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

func (e *Engine) Builder() *activities.Builder   { return e.builder }
func (e *Engine) Executor() *activities.Executor { return e.exec }
func (e *Engine) Ledger() *ledger.Ledger         { return e.ledger }

// Tick runs one pass at simulation time now. Individual failures are recorded
// in the report; only a lease error aborts the tick.
func (e *Engine) Tick(ctx context.Context, now time.Time) (Report, error) {
	now = now.UTC()
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.tick")
	defer span.End()

	e.runMu.Lock()
	defer e.runMu.Unlock()

	release, ok, err := e.lease.Acquire(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lease")
		return Report{}, fmt.Errorf("acquire lease: %w", err)
	}

	e.mu.Lock()
	e.tick++
	rep := Report{Tick: e.tick, Time: now}
	e.lastTime = now
	e.mu.Unlock()
	span.SetAttributes(attribute.Int64("tick", int64(rep.Tick)))

	if !ok {
		rep.Skipped = true
		e.logf("tick %d: lease held elsewhere", rep.Tick)
		e.emit(rep)
		e.met.record(ctx, rep)
		return rep, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			e.logf("tick %d: release lease: %v", rep.Tick, err)
		}
	}()

	e.processDue(ctx, now, &rep)
	e.runImports(ctx, now, &rep)
	e.assignOperators(ctx, now, &rep)
	e.schedule(ctx, now, &rep)

	rep.DurationMS = time.Since(started).Milliseconds()
	span.SetAttributes(
		attribute.Int("activities", len(rep.Activities)),
		attribute.Int("convoys", len(rep.Imports.Convoys)),
		attribute.Int("scheduled", len(rep.Scheduled)),
	)
	if len(rep.Errors) > 0 {
		span.SetStatus(codes.Error, rep.Errors[0])
	}
	e.emit(rep)
	e.met.record(ctx, rep)
	e.maybeSnapshot(ctx, rep)
	return rep, nil
}

func (e *Engine) maybeSnapshot(ctx context.Context, rep Report) {
	e.mu.Lock()
	ch, every := e.snapCh, e.snapEvery
	e.mu.Unlock()
	if ch == nil || every == 0 || rep.Tick%every != 0 {
		return
	}
	snap, err := snapshot.Capture(ctx, e.store, rep.Tick, rep.Time)
	if err != nil {
		e.logf("tick %d: snapshot: %v", rep.Tick, err)
		return
	}
	select {
	case ch <- snap:
	default:
		e.logf("tick %d: snapshot sink full, skipping", rep.Tick)
	}
}

// Run ticks immediately and then every interval until ctx is done. clock
// supplies the simulation time and defaults to the wall clock.
func (e *Engine) Run(ctx context.Context, interval time.Duration, clock func() time.Time) error {
	if clock == nil {
		clock = time.Now
	}
	if interval <= 0 {
		return fmt.Errorf("tick interval must be > 0: %w", errs.ErrBadRequest)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.Tick(ctx, clock()); err != nil {
			e.logf("tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) emit(rep Report) {
	if e.tickLog != nil {
		if err := e.tickLog.WriteTick(rep); err != nil {
			e.logf("tick %d: write tick log: %v", rep.Tick, err)
		}
	}
	e.mu.Lock()
	obs := append([]Observer(nil), e.observers...)
	e.mu.Unlock()
	if len(obs) == 0 {
		return
	}
	msg := rep.Message()
	for _, o := range obs {
		o.Broadcast(msg)
	}
}

func (e *Engine) processDue(ctx context.Context, now time.Time, rep *Report) {
	ctx, span := e.tracer.Start(ctx, "engine.activities")
	defer span.End()

	due, err := e.exec.Due(ctx, now, e.maxActivities)
	if err != nil {
		span.RecordError(err)
		rep.fail("list due activities", err)
		return
	}
	for _, a := range due {
		rep.Activities = append(rep.Activities, e.execute(ctx, a, now))
	}
	span.SetAttributes(attribute.Int("due", len(due)))
}

func (e *Engine) execute(ctx context.Context, a model.Activity, now time.Time) activities.Result {
	ctx, span := e.tracer.Start(ctx, "activity.execute", trace.WithAttributes(
		attribute.String("activity.id", a.ID),
		attribute.String("activity.type", string(a.Type)),
		attribute.String("citizen", a.Citizen),
	))
	defer span.End()

	r, err := e.exec.Execute(ctx, a.ID, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errs.Code(err))
		e.logf("activity %s: %v", a.ID, err)
		r.Type, r.Citizen = a.Type, a.Citizen
		r.Code, r.Reason = errs.Code(err), err.Error()
		return r
	}
	if r.Status == model.ActivityFailed {
		span.SetStatus(codes.Error, r.Code)
	}
	return r
}

func (e *Engine) runImports(ctx context.Context, now time.Time, rep *Report) {
	ctx, span := e.tracer.Start(ctx, "engine.imports")
	defer span.End()

	rr, err := e.imports.Run(ctx, now)
	rep.Imports = rr
	if err != nil {
		span.RecordError(err)
		rep.fail("import run", err)
	}
	span.SetAttributes(attribute.Int("convoys", len(rr.Convoys)), attribute.Int("dropped", len(rr.Dropped)))
}
