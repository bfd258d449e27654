package activities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"citysim.ai/internal/sim/errs"
	"citysim.ai/internal/sim/ledger"
	"citysim.ai/internal/sim/model"
	"citysim.ai/internal/sim/resources"
)

func processGoto(ctx context.Context, e *Executor, a *model.Activity, now time.Time) error {
	return e.arrive(ctx, a, now, nil)
}

func processPray(ctx context.Context, e *Executor, a *model.Activity, now time.Time) error {
	gain := float64(e.cfg.Durations.PrayerInfluenceGain)
	return e.arrive(ctx, a, now, func(c *model.Citizen) { c.Influence += gain })
}

// payVenue charges the activity's price to the citizen, paid to the building's operator.
func (e *Executor) payVenue(ctx context.Context, a *model.Activity, txType string, now time.Time) error {
	if a.Price <= 0 {
		return nil
	}
	venue, err := e.store.GetBuilding(ctx, a.ToBuilding)
	if err != nil {
		return err
	}
	_, err = e.ledger.Pay(ctx, a.Citizen, operator(venue), a.Price, txType, venue.ID, now)
	return err
}

func processAttendTheater(ctx context.Context, e *Executor, a *model.Activity, now time.Time) error {
	if err := e.payVenue(ctx, a, "theater_ticket", now); err != nil {
		return err
	}
	gain := float64(e.cfg.Durations.TheaterInfluenceGain)
	return e.arrive(ctx, a, now, func(c *model.Citizen) { c.Influence += gain })
}

func processRest(ctx context.Context, e *Executor, a *model.Activity, now time.Time) error {
	if err := e.payVenue(ctx, a, "lodging", now); err != nil {
		return err
	}
	return e.arrive(ctx, a, now, nil)
}

func processProduction(ctx context.Context, e *Executor, a *model.Activity, now time.Time) error {
	if len(a.Resources) == 0 {
		return fmt.Errorf("production %s has no outputs: %w", a.ID, errs.ErrBadRequest)
	}
	work, err := e.store.GetBuilding(ctx, a.ToBuilding)
	if err != nil {
		return err
	}
	def, _ := e.cat.Building(work.Type)
	recipe, ok := recipeFor(def, a.Resources[0].Kind)
	if !ok {
		return fmt.Errorf("%s no longer makes %s: %w", work.ID, a.Resources[0].Kind, errs.ErrNoEligibleTarget)
	}
	owner := operator(work)
	if err := e.res.Apply(ctx, model.BuildingHolder(work.ID), owner, recipe.Inputs, recipe.Outputs); err != nil {
		return err
	}
	if def.Wages > 0 && owner != a.Citizen {
		wage := model.DucatsFromFloat(def.Wages)
		if _, err := e.ledger.Pay(ctx, owner, a.Citizen, wage, "wage_payment", work.ID, now); err != nil {
			// Missing wages do not undo production.
			e.ledger.Notify(ctx, a.Citizen, "wage_unpaid", fmt.Sprintf("%s could not pay your wage of %s ducats: %v", owner, wage, err), now)
		}
	}
	return e.arrive(ctx, a, now, nil)
}

// settle pays for the activity's contract and hands the goods to the citizen.
// A smaller settled amount is carried into a pending delivery.
func (e *Executor) settle(ctx context.Context, a *model.Activity, now time.Time) error {
	var amount float64
	if len(a.Resources) > 0 {
		amount = a.Resources[0].Amount
	}
	s, err := e.ledger.Settle(ctx, ledger.SettleRequest{
		ContractID: a.ContractID,
		Executor:   a.Citizen,
		Amount:     amount,
		Deliver:    model.CitizenHolder(a.Citizen),
		Now:        now,
	})
	if err != nil {
		return err
	}
	if next := a.Continuation; next != nil && next.Type == model.ActivityDeliverBatch && s.Amount+epsilon < amount {
		for i := range next.Resources {
			next.Resources[i].Amount = s.Amount
		}
	}
	return e.arrive(ctx, a, now, nil)
}

func processFetchResource(ctx context.Context, e *Executor, a *model.Activity, now time.Time) error {
	return e.settle(ctx, a, now)
}

func processFetchFromGalley(ctx context.Context, e *Executor, a *model.Activity, now time.Time) error {
	return e.settle(ctx, a, now)
}

// processDeliverBatch unloads every line or none of them. Lines that do not fit
// are noted and left with the citizen.
func processDeliverBatch(ctx context.Context, e *Executor, a *model.Activity, now time.Time) error {
	from := model.CitizenHolder(a.Citizen)
	if err := e.checkCarried(ctx, from, a.Resources); err != nil {
		return err
	}
	var (
		moved, requested float64
		notes            []string
		done             []resources.Move
	)
	for _, l := range a.Resources {
		requested += l.Amount
		r, err := e.res.Transfer(ctx, resources.Move{
			Kind:      l.Kind,
			Amount:    l.Amount,
			From:      from,
			FromOwner: l.Owner,
			To:        model.BuildingHolder(a.ToBuilding),
		})
		if errors.Is(err, errs.ErrCapacityExceeded) {
			notes = append(notes, fmt.Sprintf("no room for %s", l.Kind))
			continue
		}
		if err != nil {
			e.unload(ctx, a, done)
			return err
		}
		done = append(done, resources.Move{Kind: l.Kind, Amount: r.Moved, From: model.BuildingHolder(a.ToBuilding), FromOwner: l.Owner, To: from})
		moved += r.Moved
		if r.Truncated {
			notes = append(notes, fmt.Sprintf("delivered %.2f of %.2f %s", r.Moved, l.Amount, l.Kind))
		}
	}
	if requested > 0 && moved <= epsilon {
		return fmt.Errorf("%s is full: %w", a.ToBuilding, errs.ErrCapacityExceeded)
	}
	if len(notes) > 0 {
		a.Notes = strings.Join(notes, "; ")
	}
	if err := e.arrive(ctx, a, now, nil); err != nil {
		e.unload(ctx, a, done)
		return err
	}
	return nil
}

// checkCarried fails with ErrInsufficientStock unless h holds every line.
func (e *Executor) checkCarried(ctx context.Context, h model.Holder, lines []model.ResourceLine) error {
	type key struct{ kind, owner string }
	need := map[key]float64{}
	var order []key
	for _, l := range lines {
		k := key{l.Kind, l.Owner}
		if _, ok := need[k]; !ok {
			order = append(order, k)
		}
		need[k] += l.Amount
	}
	for _, k := range order {
		have, err := e.res.Available(ctx, k.kind, h, k.owner)
		if err != nil {
			return err
		}
		if have+epsilon < need[k] {
			return fmt.Errorf("%s carries %.3f %s, needs %.3f: %w", h, have, k.kind, need[k], errs.ErrInsufficientStock)
		}
	}
	return nil
}

// unload returns already delivered lines to the citizen.
func (e *Executor) unload(ctx context.Context, a *model.Activity, done []resources.Move) {
	for i := len(done) - 1; i >= 0; i-- {
		if _, err := e.res.Transfer(ctx, done[i]); err != nil {
			e.logf("deliver %s: return %.3f %s to %s: %v", a.ID, done[i].Amount, done[i].Kind, a.Citizen, err)
		}
	}
}

func processManagePublicSell(ctx context.Context, e *Executor, a *model.Activity, now time.Time) error {
	if len(a.Resources) == 0 {
		return fmt.Errorf("public sell %s has no resource: %w", a.ID, errs.ErrBadRequest)
	}
	shop, err := e.store.GetBuilding(ctx, a.ToBuilding)
	if err != nil {
		return err
	}
	if operator(shop) != a.Citizen {
		return fmt.Errorf("%s no longer runs %s: %w", a.Citizen, shop.ID, errs.ErrConcurrentStateChange)
	}
	line := a.Resources[0]
	id := model.PublicSellContractID(a.Citizen, shop.ID, line.Kind)
	c := model.Contract{
		ID:             id,
		Type:           model.ContractPublicSell,
		Seller:         a.Citizen,
		Buyer:          ledger.PublicBuyer,
		ResourceKind:   line.Kind,
		UnitPrice:      a.Price,
		TargetAmount:   line.Amount,
		SellerBuilding: shop.ID,
		Status:         model.ContractActive,
		Notes:          a.Notes,
		CreatedAt:      now.UTC(),
		ValidFrom:      now.UTC(),
		ValidUntil:     now.Add(time.Duration(e.cfg.Durations.PublicSellValidDays) * 24 * time.Hour).UTC(),
	}
	if prev, err := e.store.GetContract(ctx, id); err == nil {
		c.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, errs.ErrRecordNotFound) {
		return err
	}
	if err := e.store.PutContract(ctx, c); err != nil {
		return err
	}
	return e.arrive(ctx, a, now, nil)
}

func processSpreadRumor(ctx context.Context, e *Executor, a *model.Activity, now time.Time) error {
	listener, err := e.store.GetCitizen(ctx, a.TargetID)
	if err != nil {
		return err
	}
	id := model.RelationshipID(a.Citizen, listener.ID)
	rel, err := e.store.GetRelationship(ctx, id)
	switch {
	case errors.Is(err, errs.ErrRecordNotFound):
		rel = model.Relationship{ID: id, Citizen1: a.Citizen, Citizen2: listener.ID}
	case err != nil:
		return err
	}
	rel.TrustScore += float64(e.cfg.Durations.SocialTrustGainPoints) + a.TrustDelta
	rel.UpdatedAt = now.UTC()
	if err := e.store.PutRelationship(ctx, rel); err != nil {
		return err
	}
	e.ledger.Notify(ctx, listener.ID, "rumor", a.Notes, now)
	return e.arrive(ctx, a, now, nil)
}

func processBuyBuilding(ctx context.Context, e *Executor, a *model.Activity, now time.Time) error {
	s, err := e.ledger.Settle(ctx, ledger.SettleRequest{ContractID: a.ContractID, Executor: a.Citizen, Now: now})
	if err != nil {
		return err
	}
	e.ledger.Notify(ctx, s.Seller, "building_sold", fmt.Sprintf("%s bought %s for %s ducats.", s.Buyer, a.TargetID, s.Price), now)
	e.ledger.Notify(ctx, s.Buyer, "building_bought", fmt.Sprintf("You now own %s.", a.TargetID), now)
	return e.arrive(ctx, a, now, nil)
}

// processDeliverConvoy unloads the cargo into the galley and sends idle buyers
// to collect their goods.
func processDeliverConvoy(ctx context.Context, e *Executor, a *model.Activity, now time.Time) error {
	galley, err := e.store.GetBuilding(ctx, a.ToBuilding)
	if err != nil {
		return err
	}
	if galley.IsConstructed {
		return fmt.Errorf("galley %s already arrived: %w", galley.ID, errs.ErrConcurrentStateChange)
	}
	cargo := map[string]float64{}
	for _, l := range a.Resources {
		cargo[l.Kind] += l.Amount
	}
	galley.IsConstructed = true
	if err := e.store.PutBuilding(ctx, galley); err != nil {
		return err
	}
	if err := e.res.Apply(ctx, model.BuildingHolder(galley.ID), a.Citizen, nil, cargo); err != nil {
		galley.IsConstructed = false
		if rerr := e.store.PutBuilding(ctx, galley); rerr != nil {
			e.logf("convoy %s: reset arrival: %v", galley.ID, rerr)
		}
		return err
	}
	if err := e.arrive(ctx, a, now, nil); err != nil {
		return err
	}
	if a.Notes == "" || e.builder == nil {
		return nil
	}
	for _, id := range strings.Split(a.Notes, ",") {
		if err := e.dispatchPickup(ctx, strings.TrimSpace(id), now); err != nil {
			e.logf("convoy %s: pickup for %s: %v", galley.ID, id, err)
		}
	}
	return nil
}

// dispatchPickup schedules fetch_from_galley for an import contract's buyer if
// they are free. Busy buyers are picked up by a later tick.
func (e *Executor) dispatchPickup(ctx context.Context, contractID string, now time.Time) error {
	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if !c.Effective(now) {
		return nil
	}
	idle, err := e.builder.Idle(ctx, c.Buyer)
	if err != nil || !idle {
		return err
	}
	buyer, err := e.store.GetCitizen(ctx, c.Buyer)
	if err != nil {
		return err
	}
	_, err = e.builder.Build(ctx, buyer, model.Goal{Type: model.ActivityFetchFromGalley, ContractID: c.ID}, now)
	return err
}
