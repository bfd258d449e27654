package activities

import (
	"context"
	"errors"
	"fmt"
	"math"

	"citysim.ai/internal/llm"
	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/sim/catalogs"
	"citysim.ai/internal/sim/errs"
	"citysim.ai/internal/sim/geo"
	"citysim.ai/internal/sim/ledger"
	"citysim.ai/internal/sim/model"
)

func createGoto(ctx context.Context, b *Builder, p *plan) error {
	if p.goal.TargetBuilding == "" {
		return fmt.Errorf("goto_location needs a target building: %w", errs.ErrBadRequest)
	}
	_, pos, err := b.travelToBuilding(ctx, p, p.goal.TargetBuilding)
	if err != nil {
		return err
	}
	if len(p.chain) == 0 {
		// Already there: a zero-length leg still records the arrival.
		p.add(model.Activity{Type: model.ActivityGoto, ToBuilding: p.goal.TargetBuilding, ToPosition: &pos}, 0)
	}
	return nil
}

// visit travels to the goal's building, or the nearest one of category, and
// returns it.
func (b *Builder) visit(ctx context.Context, p *plan, category string, score func(model.Building) float64) (model.Building, model.Point, error) {
	id := p.goal.TargetBuilding
	if id == "" {
		bl, err := b.nearest(ctx, p, category, score)
		if err != nil {
			return bl, model.Point{}, err
		}
		id = bl.ID
	}
	return b.travelToBuilding(ctx, p, id)
}

func createPray(ctx context.Context, b *Builder, p *plan) error {
	church, pos, err := b.visit(ctx, p, catalogs.CategoryReligious, nil)
	if err != nil {
		return err
	}
	p.add(model.Activity{Type: model.ActivityPray, ToBuilding: church.ID, ToPosition: &pos}, b.minutes(b.cfg.Durations.PrayMinutes))
	return nil
}

func (b *Builder) ticketPrice(bl model.Building) model.Ducats {
	d, _ := b.cat.Building(bl.Type)
	return model.DucatsFromFloat(d.TicketPrice)
}

func createAttendTheater(ctx context.Context, b *Builder, p *plan) error {
	theater, err := b.pick(ctx, p, catalogs.CategoryEntertainment, func(bl model.Building) float64 { return -b.ticketPrice(bl).Float() })
	if err != nil {
		return err
	}
	price := b.ticketPrice(theater)
	if p.citizen.Ducats < price {
		return fmt.Errorf("%s has %s ducats, a ticket at %s costs %s: %w", p.citizen.ID, p.citizen.Ducats, theater.ID, price, errs.ErrInsufficientResources)
	}
	_, pos, err := b.travelToBuilding(ctx, p, theater.ID)
	if err != nil {
		return err
	}
	p.add(model.Activity{Type: model.ActivityAttendTheater, ToBuilding: theater.ID, ToPosition: &pos, Price: price}, b.minutes(b.cfg.Durations.TheaterMinutes))
	return nil
}

// pick resolves the goal's target building or the nearest of a category without travelling.
func (b *Builder) pick(ctx context.Context, p *plan, category string, score func(model.Building) float64) (model.Building, error) {
	if p.goal.TargetBuilding != "" {
		return b.store.GetBuilding(ctx, p.goal.TargetBuilding)
	}
	return b.nearest(ctx, p, category, score)
}

func createRest(ctx context.Context, b *Builder, p *plan) error {
	var (
		place model.Building
		price model.Ducats
		err   error
	)
	switch {
	case p.goal.TargetBuilding != "":
		place, err = b.store.GetBuilding(ctx, p.goal.TargetBuilding)
	case p.citizen.Home != "":
		place, err = b.store.GetBuilding(ctx, p.citizen.Home)
	default:
		place, err = b.nearest(ctx, p, catalogs.CategoryLodging, func(bl model.Building) float64 { return -b.ticketPrice(bl).Float() })
	}
	if err != nil {
		return err
	}
	if place.ID != p.citizen.Home {
		price = b.ticketPrice(place)
		if p.citizen.Ducats < price {
			return fmt.Errorf("%s cannot pay %s for a bed at %s: %w", p.citizen.ID, price, place.ID, errs.ErrInsufficientResources)
		}
	}
	_, pos, err := b.travelToBuilding(ctx, p, place.ID)
	if err != nil {
		return err
	}
	p.add(model.Activity{Type: model.ActivityRest, ToBuilding: place.ID, ToPosition: &pos, Price: price}, b.untilMorning(p.cursor))
	return nil
}

// recipeFor returns the first recipe of a building type producing kind, or the
// type's first recipe when kind is empty.
func recipeFor(def catalogs.BuildingDef, kind string) (catalogs.RecipeDef, bool) {
	for _, r := range def.Recipes {
		if kind == "" {
			return r, true
		}
		if _, ok := r.Outputs[kind]; ok {
			return r, true
		}
	}
	return catalogs.RecipeDef{}, false
}

func linesOf(m map[string]float64, owner string) []model.ResourceLine {
	out := make([]model.ResourceLine, 0, len(m))
	for _, k := range sortedKinds(m) {
		out = append(out, model.ResourceLine{Kind: k, Amount: m[k], Owner: owner})
	}
	return out
}

func createProduction(ctx context.Context, b *Builder, p *plan) error {
	id := p.goal.TargetBuilding
	if id == "" {
		id = p.citizen.Workplace
	}
	if id == "" {
		return fmt.Errorf("%s has no workplace: %w", p.citizen.ID, errs.ErrNoEligibleTarget)
	}
	work, err := b.store.GetBuilding(ctx, id)
	if err != nil {
		return err
	}
	def, _ := b.cat.Building(work.Type)
	recipe, ok := recipeFor(def, p.goal.ResourceKind)
	if !ok {
		return fmt.Errorf("%s (%s) has no recipe for %q: %w", work.ID, work.Type, p.goal.ResourceKind, errs.ErrNoEligibleTarget)
	}
	owner := operator(work)
	for _, k := range sortedKinds(recipe.Inputs) {
		have, err := b.res.Available(ctx, k, model.BuildingHolder(work.ID), owner)
		if err != nil {
			return err
		}
		if have+epsilon < recipe.Inputs[k] {
			return fmt.Errorf("%s holds %.2f %s, recipe needs %.2f: %w", work.ID, have, k, recipe.Inputs[k], errs.ErrInsufficientResources)
		}
	}
	_, pos, err := b.travelToBuilding(ctx, p, work.ID)
	if err != nil {
		return err
	}
	d := b.minutes(recipe.CraftMinutes)
	if d <= 0 {
		d = b.minutes(b.cfg.Durations.ProductionMinutes)
	}
	p.add(model.Activity{Type: model.ActivityProduction, ToBuilding: work.ID, ToPosition: &pos, Resources: linesOf(recipe.Outputs, owner)}, d)
	return nil
}

// sellerFor finds the nearest effective public offer of kind with stock on hand.
// Cheaper offers win distance ties.
func (b *Builder) sellerFor(ctx context.Context, p *plan, kind string) (model.Contract, error) {
	cs, err := b.store.ListContracts(ctx, recordstore.Where(
		recordstore.Eq("type", model.ContractPublicSell),
		recordstore.Eq("status", model.ContractActive),
		recordstore.Eq("resource_kind", kind),
	))
	if err != nil {
		return model.Contract{}, err
	}
	byID := map[string]model.Contract{}
	var cands []geo.Candidate
	for _, c := range cs {
		if !c.Effective(p.cursor) || c.SellerBuilding == "" || c.Seller == p.citizen.ID {
			continue
		}
		bl, err := b.store.GetBuilding(ctx, c.SellerBuilding)
		if err != nil {
			continue
		}
		pos, ok := geo.BuildingPosition(bl)
		if !ok {
			continue
		}
		have, err := b.res.Available(ctx, kind, model.BuildingHolder(bl.ID), c.Seller)
		if err != nil || have <= epsilon {
			continue
		}
		byID[c.ID] = c
		cands = append(cands, geo.Candidate{ID: c.ID, Position: pos, Score: -c.UnitPrice.Float()})
	}
	var origin model.Point
	if p.at != nil {
		origin = *p.at
	}
	best, _, ok := geo.Nearest(origin, cands)
	if !ok {
		return model.Contract{}, fmt.Errorf("nobody sells %s: %w", kind, errs.ErrNoEligibleTarget)
	}
	return byID[best.ID], nil
}

func createFetchResource(ctx context.Context, b *Builder, p *plan) error {
	var (
		c   model.Contract
		err error
	)
	if p.goal.ContractID != "" {
		c, err = b.store.GetContract(ctx, p.goal.ContractID)
		if err != nil {
			return err
		}
		if !c.Effective(p.cursor) {
			return fmt.Errorf("contract %s is not effective: %w", c.ID, errs.ErrNoEligibleTarget)
		}
	} else {
		if p.goal.ResourceKind == "" {
			return fmt.Errorf("fetch_resource needs a contract or a resource kind: %w", errs.ErrBadRequest)
		}
		if c, err = b.sellerFor(ctx, p, p.goal.ResourceKind); err != nil {
			return err
		}
	}
	if c.SellerBuilding == "" {
		return fmt.Errorf("contract %s has no seller building: %w", c.ID, errs.ErrNoEligibleTarget)
	}
	stock, err := b.res.Available(ctx, c.ResourceKind, model.BuildingHolder(c.SellerBuilding), c.Seller)
	if err != nil {
		return err
	}
	amount := p.goal.Amount
	if amount <= 0 {
		amount = stock
		if !c.Standing() {
			amount = math.Min(stock, c.TargetAmount)
		}
	}
	if !c.Standing() && amount > c.TargetAmount {
		amount = c.TargetAmount
	}
	if amount <= epsilon || stock+epsilon < amount {
		return fmt.Errorf("%s holds %.2f %s for contract %s, need %.2f: %w", c.SellerBuilding, stock, c.ResourceKind, c.ID, amount, errs.ErrInsufficientResources)
	}

	payer := c.Buyer
	if payer == "" || payer == ledger.PublicBuyer {
		payer = p.citizen.ID
	}
	price := c.Price(amount)
	if payer == p.citizen.ID && p.citizen.Ducats < price {
		return fmt.Errorf("%s has %s ducats, %.2f %s costs %s: %w", p.citizen.ID, p.citizen.Ducats, amount, c.ResourceKind, price, errs.ErrInsufficientResources)
	}

	_, pos, err := b.travelToBuilding(ctx, p, c.SellerBuilding)
	if err != nil {
		return err
	}
	line := model.ResourceLine{Kind: c.ResourceKind, Amount: amount, Owner: payer}
	p.add(model.Activity{
		Type:       model.ActivityFetchResource,
		ToBuilding: c.SellerBuilding,
		ToPosition: &pos,
		ContractID: c.ID,
		Resources:  []model.ResourceLine{line},
		Price:      price,
	}, b.minutes(b.cfg.Durations.FetchMinutes))

	if dest := deliveryTarget(p.goal, c); dest != "" {
		p.next = &model.Goal{Type: model.ActivityDeliverBatch, TargetBuilding: dest, Resources: []model.ResourceLine{line}}
	}
	return nil
}

// deliveryTarget is where fetched goods end up: the goal's building, else the
// contract's buyer building.
func deliveryTarget(g model.Goal, c model.Contract) string {
	if g.TargetBuilding != "" {
		return g.TargetBuilding
	}
	return c.BuyerBuilding
}

func createDeliverBatch(ctx context.Context, b *Builder, p *plan) error {
	if p.goal.TargetBuilding == "" || len(p.goal.Resources) == 0 {
		return fmt.Errorf("deliver_resource_batch needs a building and a payload: %w", errs.ErrBadRequest)
	}
	for _, l := range p.goal.Resources {
		have, err := b.res.Available(ctx, l.Kind, model.CitizenHolder(p.citizen.ID), l.Owner)
		if err != nil {
			return err
		}
		if have+epsilon < l.Amount {
			return fmt.Errorf("%s carries %.2f %s, needs %.2f: %w", p.citizen.ID, have, l.Kind, l.Amount, errs.ErrInsufficientResources)
		}
	}
	dest, pos, err := b.travelToBuilding(ctx, p, p.goal.TargetBuilding)
	if err != nil {
		return err
	}
	p.add(model.Activity{
		Type:       model.ActivityDeliverBatch,
		ToBuilding: dest.ID,
		ToPosition: &pos,
		Resources:  append([]model.ResourceLine(nil), p.goal.Resources...),
	}, b.minutes(b.cfg.Durations.DeliverMinutes))
	return nil
}

func createFetchFromGalley(ctx context.Context, b *Builder, p *plan) error {
	if p.goal.ContractID == "" {
		return fmt.Errorf("fetch_from_galley needs a contract: %w", errs.ErrBadRequest)
	}
	c, err := b.store.GetContract(ctx, p.goal.ContractID)
	if err != nil {
		return err
	}
	if !c.Effective(p.cursor) || c.SellerBuilding == "" {
		return fmt.Errorf("import %s is not waiting at a galley: %w", c.ID, errs.ErrNoEligibleTarget)
	}
	galley, pos, err := b.travelToBuilding(ctx, p, c.SellerBuilding)
	if err != nil {
		return err
	}
	if !galley.IsConstructed {
		return fmt.Errorf("galley %s has not arrived: %w", galley.ID, errs.ErrNoEligibleTarget)
	}
	line := model.ResourceLine{Kind: c.ResourceKind, Amount: c.TargetAmount, Owner: c.Buyer}
	p.add(model.Activity{
		Type:       model.ActivityFetchFromGalley,
		ToBuilding: galley.ID,
		ToPosition: &pos,
		ContractID: c.ID,
		Resources:  []model.ResourceLine{line},
		Price:      c.Price(c.TargetAmount),
	}, b.minutes(b.cfg.Durations.FetchMinutes))
	if dest := deliveryTarget(p.goal, c); dest != "" {
		p.next = &model.Goal{Type: model.ActivityDeliverBatch, TargetBuilding: dest, Resources: []model.ResourceLine{line}}
	}
	return nil
}

func createManagePublicSell(ctx context.Context, b *Builder, p *plan) error {
	kind := p.goal.ResourceKind
	if p.goal.TargetBuilding == "" || kind == "" {
		return fmt.Errorf("manage_public_sell needs a building and a resource: %w", errs.ErrBadRequest)
	}
	shop, err := b.store.GetBuilding(ctx, p.goal.TargetBuilding)
	if err != nil {
		return err
	}
	if operator(shop) != p.citizen.ID {
		return fmt.Errorf("%s does not run %s: %w", p.citizen.ID, shop.ID, errs.ErrNoEligibleTarget)
	}
	amount := p.goal.Amount
	if amount <= 0 {
		if amount, err = b.res.Available(ctx, kind, model.BuildingHolder(shop.ID), p.citizen.ID); err != nil {
			return err
		}
	}
	if amount <= epsilon {
		return fmt.Errorf("%s has no %s to sell: %w", shop.ID, kind, errs.ErrInsufficientResources)
	}

	price, notes := p.goal.Price, p.goal.Notes
	if price <= 0 {
		base := b.cat.ImportPrice(kind)
		price, notes, err = llm.DecidePrice(ctx, b.asker, p.citizen, kind, base)
		if err != nil {
			if !errors.Is(err, errs.ErrExternalServiceTimeout) {
				b.logf("price decision for %s/%s rejected: %v", p.citizen.ID, kind, err)
			}
			price, notes = base, "catalog price"
		}
	}
	if price <= 0 {
		return fmt.Errorf("no price for %s: %w", kind, errs.ErrNoEligibleTarget)
	}

	_, pos, err := b.travelToBuilding(ctx, p, shop.ID)
	if err != nil {
		return err
	}
	p.add(model.Activity{
		Type:       model.ActivityManagePublicSell,
		ToBuilding: shop.ID,
		ToPosition: &pos,
		TargetID:   model.PublicSellContractID(p.citizen.ID, shop.ID, kind),
		Resources:  []model.ResourceLine{{Kind: kind, Amount: amount, Owner: p.citizen.ID}},
		Price:      price,
		Notes:      notes,
	}, b.minutes(b.cfg.Durations.ManageSellMinutes))
	return nil
}

func createSpreadRumor(ctx context.Context, b *Builder, p *plan) error {
	if p.goal.TargetCitizen == "" || p.goal.TargetCitizen == p.citizen.ID {
		return fmt.Errorf("spread_rumor needs another citizen: %w", errs.ErrBadRequest)
	}
	listener, err := b.store.GetCitizen(ctx, p.goal.TargetCitizen)
	if err != nil {
		return err
	}
	at, where := b.location(ctx, listener)
	if at == nil {
		return fmt.Errorf("cannot find %s: %w", listener.ID, errs.ErrNoEligibleTarget)
	}

	rumor, err := llm.ComposeRumor(ctx, b.asker, p.citizen, listener)
	if err != nil {
		if !errors.Is(err, errs.ErrExternalServiceTimeout) {
			b.logf("rumor from %s rejected: %v", p.citizen.ID, err)
		}
		rumor = llm.Rumor{Content: fmt.Sprintf("%s shares the latest news from the Rialto.", p.citizen.Name)}
	}
	if p.goal.Notes != "" {
		rumor.Content = p.goal.Notes
	}

	if err := b.travel(ctx, p, where, *at); err != nil {
		return err
	}
	dest := *at
	p.add(model.Activity{
		Type:       model.ActivitySpreadRumor,
		ToBuilding: where,
		ToPosition: &dest,
		TargetID:   listener.ID,
		Notes:      rumor.Content,
		TrustDelta: rumor.TrustDelta,
	}, b.minutes(b.cfg.Durations.SocialMinutes))
	return nil
}

func createBuyBuilding(ctx context.Context, b *Builder, p *plan) error {
	if p.goal.ContractID == "" {
		return fmt.Errorf("buy_building needs a contract: %w", errs.ErrBadRequest)
	}
	c, err := b.store.GetContract(ctx, p.goal.ContractID)
	if err != nil {
		return err
	}
	if c.Type != model.ContractBuildingPurchase || !c.Effective(p.cursor) {
		return fmt.Errorf("contract %s is not an open building sale: %w", c.ID, errs.ErrNoEligibleTarget)
	}
	if c.Buyer != "" && c.Buyer != ledger.PublicBuyer && c.Buyer != p.citizen.ID {
		return fmt.Errorf("contract %s is reserved for %s: %w", c.ID, c.Buyer, errs.ErrNoEligibleTarget)
	}
	if p.citizen.Ducats < c.UnitPrice {
		return fmt.Errorf("%s has %s ducats, %s costs %s: %w", p.citizen.ID, p.citizen.Ducats, c.Asset, c.UnitPrice, errs.ErrInsufficientResources)
	}
	_, pos, err := b.travelToBuilding(ctx, p, c.Asset)
	if err != nil {
		return err
	}
	p.add(model.Activity{
		Type:       model.ActivityBuyBuilding,
		ToBuilding: c.Asset,
		ToPosition: &pos,
		ContractID: c.ID,
		TargetID:   c.Asset,
		Price:      c.UnitPrice,
	}, b.minutes(b.cfg.Durations.PurchaseMinutes))
	return nil
}
