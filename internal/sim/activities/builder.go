package activities

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"citysim.ai/internal/llm"
	"citysim.ai/internal/pathfind"
	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/sim/catalogs"
	"citysim.ai/internal/sim/errs"
	"citysim.ai/internal/sim/geo"
	"citysim.ai/internal/sim/model"
	"citysim.ai/internal/sim/resources"
	"citysim.ai/internal/sim/tuning"
)

// Deps are shared by the Builder and the Executor. Oracle and Asker may be nil.
type Deps struct {
	Store     recordstore.Store
	Catalogs  *catalogs.Catalogs
	Tuning    tuning.Tuning
	Resources *resources.Engine
	Oracle    pathfind.Oracle
	Asker     llm.Asker
	Logger    *log.Logger
}

// Builder turns a goal into a time-chained sequence of activities and persists it.
type Builder struct {
	store  recordstore.Store
	cat    *catalogs.Catalogs
	cfg    tuning.Tuning
	res    *resources.Engine
	oracle pathfind.Oracle
	asker  llm.Asker
	log    *log.Logger
	loc    *time.Location
}

func NewBuilder(d Deps) *Builder {
	loc, err := time.LoadLocation(d.Tuning.Routine.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Builder{
		store:  d.Store,
		cat:    d.Catalogs,
		cfg:    d.Tuning,
		res:    d.Resources,
		oracle: d.Oracle,
		asker:  d.Asker,
		log:    d.Logger,
		loc:    loc,
	}
}

func (b *Builder) logf(format string, args ...any) {
	if b.log != nil {
		b.log.Printf(format, args...)
	}
}

// plan accumulates a chain while it is computed. Nothing is written until the
// whole chain has been computed.
type plan struct {
	citizen  model.Citizen
	goal     model.Goal
	cursor   time.Time
	at       *model.Point
	building string
	chain    []model.Activity
	next     *model.Goal
}

func (p *plan) add(a model.Activity, d time.Duration) *model.Activity {
	a.ID = "activity-" + uuid.NewString()
	a.Citizen = p.citizen.ID
	a.Status = model.ActivityCreated
	a.StartTime = p.cursor
	a.EndTime = p.cursor.Add(d)
	a.CreatedAt = p.cursor
	if a.FromPosition == nil && p.at != nil {
		at := *p.at
		a.FromPosition = &at
	}
	if a.FromBuilding == "" {
		a.FromBuilding = p.building
	}
	p.chain = append(p.chain, a)
	p.cursor = a.EndTime
	return &p.chain[len(p.chain)-1]
}

type creator func(ctx context.Context, b *Builder, p *plan) error

var creators = map[model.ActivityType]creator{
	model.ActivityGoto:             createGoto,
	model.ActivityPray:             createPray,
	model.ActivityAttendTheater:    createAttendTheater,
	model.ActivityRest:             createRest,
	model.ActivityProduction:       createProduction,
	model.ActivityFetchResource:    createFetchResource,
	model.ActivityDeliverBatch:     createDeliverBatch,
	model.ActivityFetchFromGalley:  createFetchFromGalley,
	model.ActivityManagePublicSell: createManagePublicSell,
	model.ActivitySpreadRumor:      createSpreadRumor,
	model.ActivityBuyBuilding:      createBuyBuilding,
}

// Build computes the chain for goal starting at now and persists it. Nothing is
// written unless the whole chain could be computed.
func (b *Builder) Build(ctx context.Context, citizen model.Citizen, goal model.Goal, now time.Time) ([]model.Activity, error) {
	create, ok := creators[goal.Type]
	if !ok {
		return nil, fmt.Errorf("no chain for goal %q: %w", goal.Type, errs.ErrBadRequest)
	}
	p := &plan{citizen: citizen, goal: goal, cursor: now.UTC()}
	p.at, p.building = b.location(ctx, citizen)
	if err := create(ctx, b, p); err != nil {
		return nil, err
	}
	if len(p.chain) == 0 {
		return nil, fmt.Errorf("goal %q produced no activities: %w", goal.Type, errs.ErrNoEligibleTarget)
	}
	if goal.Then != nil {
		if p.next == nil {
			p.next = goal.Then
		} else {
			tail := p.next
			for tail.Then != nil {
				tail = tail.Then
			}
			tail.Then = goal.Then
		}
	}
	p.chain[len(p.chain)-1].Continuation = p.next
	if !model.ChainContiguous(p.chain) {
		return nil, fmt.Errorf("goal %q: chain is not contiguous", goal.Type)
	}

	for i, a := range p.chain {
		if err := b.store.PutActivity(ctx, a); err != nil {
			return p.chain[:i], fmt.Errorf("persist %s: %w", a.ID, err)
		}
	}
	return p.chain, nil
}

// Idle reports whether the citizen has nothing scheduled.
func (b *Builder) Idle(ctx context.Context, citizenID string) (bool, error) {
	as, err := b.store.ListActivities(ctx, recordstore.Where(
		recordstore.Eq("citizen", citizenID),
		recordstore.Eq("status", model.ActivityCreated),
	).Take(1))
	if err != nil {
		return false, err
	}
	return len(as) == 0, nil
}

// location is the citizen's position, else their home's, plus the building
// they stand in when known.
func (b *Builder) location(ctx context.Context, c model.Citizen) (*model.Point, string) {
	if c.Position != nil {
		at := *c.Position
		return &at, ""
	}
	if c.Home == "" {
		return nil, ""
	}
	home, err := b.store.GetBuilding(ctx, c.Home)
	if err != nil {
		return nil, ""
	}
	if pos, ok := geo.BuildingPosition(home); ok {
		return &pos, home.ID
	}
	return nil, ""
}

func (b *Builder) threshold() float64 {
	if b.cfg.ArrivalThresholdM > 0 {
		return b.cfg.ArrivalThresholdM
	}
	return geo.DefaultArrivalThreshold
}

// route asks the oracle for a travel leg. The fixed fallback duration is used
// when there is no oracle or no known origin, and when the oracle is
// unavailable and that is allowed. A zero-length route is kept as is.
func (b *Builder) route(ctx context.Context, from *model.Point, to model.Point, start time.Time) (time.Duration, []model.Point, error) {
	fallback := b.cfg.FallbackTravel()
	if from == nil || b.oracle == nil {
		return fallback, nil, nil
	}
	r, err := b.oracle.Route(ctx, *from, to, start)
	switch {
	case err == nil:
		if r.Duration < 0 {
			return 0, r.Path, nil
		}
		return r.Duration, r.Path, nil
	case errors.Is(err, errs.ErrExternalServiceTimeout) && b.cfg.Pathfinding.AllowMissing:
		b.logf("route %v -> %v: %v; using %s", *from, to, err, fallback)
		return fallback, nil, nil
	default:
		return 0, nil, err
	}
}

// travel appends a goto_location leg unless the citizen is already there.
func (b *Builder) travel(ctx context.Context, p *plan, building string, to model.Point) error {
	if p.at != nil && geo.Within(*p.at, to, b.threshold()) {
		p.at, p.building = &to, building
		return nil
	}
	d, path, err := b.route(ctx, p.at, to, p.cursor)
	if err != nil {
		return fmt.Errorf("route to %s: %w", building, err)
	}
	dest := to
	p.add(model.Activity{Type: model.ActivityGoto, ToBuilding: building, ToPosition: &dest, Path: path}, d)
	p.at, p.building = &dest, building
	return nil
}

// travelToBuilding loads the building, resolves its position and travels there.
func (b *Builder) travelToBuilding(ctx context.Context, p *plan, id string) (model.Building, model.Point, error) {
	bl, err := b.store.GetBuilding(ctx, id)
	if err != nil {
		return bl, model.Point{}, err
	}
	pos, ok := geo.BuildingPosition(bl)
	if !ok {
		return bl, pos, fmt.Errorf("building %s has no position: %w", id, errs.ErrNoRouteFound)
	}
	return bl, pos, b.travel(ctx, p, bl.ID, pos)
}

// nearest picks among buildings of a category; score breaks distance ties.
func (b *Builder) nearest(ctx context.Context, p *plan, category string, score func(model.Building) float64) (model.Building, error) {
	bs, err := b.store.ListBuildings(ctx, recordstore.Where(recordstore.Eq("category", category)))
	if err != nil {
		return model.Building{}, err
	}
	byID := make(map[string]model.Building, len(bs))
	cands := make([]geo.Candidate, 0, len(bs))
	for _, bl := range bs {
		pos, ok := geo.BuildingPosition(bl)
		if !ok {
			continue
		}
		var s float64
		if score != nil {
			s = score(bl)
		}
		byID[bl.ID] = bl
		cands = append(cands, geo.Candidate{ID: bl.ID, Position: pos, Score: s})
	}
	var origin model.Point
	if p.at != nil {
		origin = *p.at
	}
	best, _, ok := geo.Nearest(origin, cands)
	if !ok {
		return model.Building{}, fmt.Errorf("no %s building: %w", category, errs.ErrNoEligibleTarget)
	}
	return byID[best.ID], nil
}

func (b *Builder) minutes(m int) time.Duration { return time.Duration(m) * time.Minute }

// untilMorning is the rest duration from t to the next night end hour,
// falling back to the configured rest length for daytime naps.
func (b *Builder) untilMorning(t time.Time) time.Duration {
	local := t.In(b.loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), b.cfg.Routine.NightEndHour, 0, 0, 0, b.loc)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	d := end.Sub(local)
	if d > 12*time.Hour {
		return b.minutes(b.cfg.Durations.RestMinutes)
	}
	return d
}

// operator is who holds a business's stock and takes its revenue.
func operator(bl model.Building) string {
	if bl.RunBy != "" {
		return bl.RunBy
	}
	return bl.Owner
}
