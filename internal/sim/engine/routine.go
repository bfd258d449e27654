package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/sim/catalogs"
	"citysim.ai/internal/sim/errs"
	"citysim.ai/internal/sim/geo"
	"citysim.ai/internal/sim/model"
	"citysim.ai/internal/sim/scoring"
)

const epsilon = 1e-9

// theaterBudget is the balance above which leisure prefers the theater.
var theaterBudget = model.DucatsFromFloat(50)

// assignOperators gives every constructed business without an operator the
// best scoring AI citizen.
func (e *Engine) assignOperators(ctx context.Context, now time.Time, rep *Report) {
	ctx, span := e.tracer.Start(ctx, "engine.operators")
	defer span.End()

	bs, err := e.store.ListBuildings(ctx, recordstore.Where(
		recordstore.Eq("category", catalogs.CategoryBusiness),
		recordstore.Eq("run_by", ""),
	).OrderBy("id"))
	if err != nil {
		span.RecordError(err)
		rep.fail("list unmanaged businesses", err)
		return
	}
	exclude := map[string]bool{e.cfg.Imports.MerchantID: true}
	for _, b := range bs {
		if !b.IsConstructed {
			continue
		}
		cands, err := scoring.Gather(ctx, e.store, b, exclude)
		if err != nil {
			rep.fail("operator candidates for "+b.ID, err)
			continue
		}
		var target *model.Point
		if pos, ok := geo.BuildingPosition(b); ok {
			target = &pos
		}
		best, ok := scoring.Pick(cands, target, e.cfg.Scoring)
		if !ok {
			continue
		}
		b.RunBy = best.CitizenID
		if err := e.store.PutBuilding(ctx, b); err != nil {
			rep.fail("assign operator for "+b.ID, err)
			continue
		}
		e.logf("%s is now run by %s (score %.1f)", b.ID, best.CitizenID, best.Score)
		rep.Assigned = append(rep.Assigned, Assignment{Building: b.ID, Operator: best.CitizenID, Score: best.Score})
	}
	span.SetAttributes(attribute.Int("assigned", len(rep.Assigned)))
}

// schedule builds a chain for every idle AI citizen from their daily routine.
func (e *Engine) schedule(ctx context.Context, now time.Time, rep *Report) {
	ctx, span := e.tracer.Start(ctx, "engine.routine")
	defer span.End()

	cs, err := e.store.ListCitizens(ctx, recordstore.Where(recordstore.Eq("is_ai", true)).OrderBy("id"))
	if err != nil {
		span.RecordError(err)
		rep.fail("list citizens", err)
		return
	}
	for _, c := range cs {
		if c.ID == e.cfg.Imports.MerchantID {
			continue
		}
		idle, err := e.builder.Idle(ctx, c.ID)
		if err != nil {
			rep.fail("idle check for "+c.ID, err)
			continue
		}
		if !idle {
			continue
		}
		goals, err := e.goalsFor(ctx, c, now)
		if err != nil {
			rep.fail("routine for "+c.ID, err)
			continue
		}
		rep.Scheduled = append(rep.Scheduled, e.scheduleOne(ctx, c, goals, now))
	}
	span.SetAttributes(attribute.Int("scheduled", len(rep.Scheduled)))
}

// retryable errors move on to the citizen's next candidate goal.
func retryable(err error) bool {
	return errors.Is(err, errs.ErrNoEligibleTarget) ||
		errors.Is(err, errs.ErrInsufficientResources) ||
		errors.Is(err, errs.ErrRecordNotFound) ||
		errors.Is(err, errs.ErrNoRouteFound)
}

func (e *Engine) scheduleOne(ctx context.Context, c model.Citizen, goals []model.Goal, now time.Time) Scheduled {
	var last error
	for _, g := range goals {
		chain, err := e.builder.Build(ctx, c, g, now)
		if err == nil {
			return Scheduled{Citizen: c.ID, Goal: g.Type, Activities: len(chain)}
		}
		last = err
		if !retryable(err) {
			break
		}
	}
	if last == nil {
		return Scheduled{Citizen: c.ID, Code: errs.CodeNoEligibleTarget}
	}
	return Scheduled{Citizen: c.ID, Code: errs.Code(last), Error: last.Error()}
}

func (e *Engine) night(hour int) bool {
	r := e.cfg.Routine
	if r.NightStartHour > r.NightEndHour {
		return hour >= r.NightStartHour || hour < r.NightEndHour
	}
	return hour >= r.NightStartHour && hour < r.NightEndHour
}

// goalsFor lists what the citizen could do now, most wanted first: collect
// arrived imports, then sleep at night, work during work hours and otherwise
// leisure.
func (e *Engine) goalsFor(ctx context.Context, c model.Citizen, now time.Time) ([]model.Goal, error) {
	goals, err := e.galleyPickups(ctx, c.ID, now)
	if err != nil {
		return nil, err
	}
	hour := now.In(e.loc).Hour()
	r := e.cfg.Routine
	switch {
	case e.night(hour):
		goals = append(goals, model.Goal{Type: model.ActivityRest})
	case hour >= r.WorkStartHour && hour < r.WorkEndHour:
		listing, err := e.unlistedStock(ctx, c.ID, now)
		if err != nil {
			return nil, err
		}
		goals = append(goals, listing...)
		if c.Workplace != "" {
			goals = append(goals, model.Goal{Type: model.ActivityProduction, TargetBuilding: c.Workplace})
		}
		goals = append(goals, leisure(c)...)
	default:
		goals = append(goals, leisure(c)...)
	}
	return goals, nil
}

func leisure(c model.Citizen) []model.Goal {
	if c.Ducats >= theaterBudget {
		return []model.Goal{{Type: model.ActivityAttendTheater}, {Type: model.ActivityPray}}
	}
	return []model.Goal{{Type: model.ActivityPray}}
}

// galleyPickups are the citizen's import contracts whose galley has arrived.
func (e *Engine) galleyPickups(ctx context.Context, citizenID string, now time.Time) ([]model.Goal, error) {
	cs, err := e.store.ListContracts(ctx, recordstore.Where(
		recordstore.Eq("type", model.ContractImport),
		recordstore.Eq("buyer", citizenID),
		recordstore.Eq("status", model.ContractActive),
		recordstore.Ne("seller_building", ""),
	).OrderBy("created_at", "id"))
	if err != nil {
		return nil, err
	}
	var out []model.Goal
	for _, c := range cs {
		if !c.Effective(now) {
			continue
		}
		g, err := e.store.GetBuilding(ctx, c.SellerBuilding)
		if errors.Is(err, errs.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if g.IsConstructed {
			out = append(out, model.Goal{Type: model.ActivityFetchFromGalley, ContractID: c.ID})
		}
	}
	return out, nil
}

// unlistedStock finds products in businesses the citizen runs whose public
// offer is missing, expired or out of date with the stock on hand.
func (e *Engine) unlistedStock(ctx context.Context, citizenID string, now time.Time) ([]model.Goal, error) {
	bs, err := e.store.ListBuildings(ctx, recordstore.Where(
		recordstore.Eq("run_by", citizenID),
		recordstore.Eq("category", catalogs.CategoryBusiness),
	).OrderBy("id"))
	if err != nil {
		return nil, err
	}
	var out []model.Goal
	for _, b := range bs {
		def, ok := e.cat.Building(b.Type)
		if !ok {
			continue
		}
		products := map[string]bool{}
		for _, r := range def.Recipes {
			for k := range r.Outputs {
				products[k] = true
			}
		}
		stacks, err := e.store.ListResources(ctx, recordstore.Where(
			recordstore.Eq("holder_type", model.HolderBuilding),
			recordstore.Eq("holder_id", b.ID),
			recordstore.Eq("owner", citizenID),
		).OrderBy("kind"))
		if err != nil {
			return nil, err
		}
		for _, s := range stacks {
			if !products[s.Kind] || s.Amount <= epsilon {
				continue
			}
			offer, err := e.store.GetContract(ctx, model.PublicSellContractID(citizenID, b.ID, s.Kind))
			switch {
			case errors.Is(err, errs.ErrRecordNotFound):
			case err != nil:
				return nil, err
			case offer.Effective(now) && math.Abs(offer.TargetAmount-s.Amount) <= epsilon:
				continue
			}
			out = append(out, model.Goal{Type: model.ActivityManagePublicSell, TargetBuilding: b.ID, ResourceKind: s.Kind})
		}
	}
	return out, nil
}
