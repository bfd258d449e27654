package imports

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/sim/model"
	"citysim.ai/internal/sim/simtest"
	"citysim.ai/internal/sim/tuning"
)

var t0 = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

func contract(id, buyer string, created int, amount float64) model.Contract {
	return model.Contract{
		ID:           id,
		Type:         model.ContractImport,
		Buyer:        buyer,
		ResourceKind: "timber",
		UnitPrice:    100,
		TargetAmount: amount,
		Status:       model.ContractActive,
		CreatedAt:    t0.Add(time.Duration(created) * time.Minute),
	}
}

func TestAllocateBatchSplitsThirdContract(t *testing.T) {
	pending := []model.Contract{
		contract("a", "b1", 0, 40),
		contract("b", "b1", 1, 40),
		contract("c", "b1", 2, 40),
	}
	funds := map[string]model.Ducats{"b1": 1_000_000}
	b := AllocateBatch(pending, 100, funds, nil, 1)

	if len(b.Consumed) != 3 {
		t.Fatalf("expected 3 consumed, got %d", len(b.Consumed))
	}
	want := []float64{40, 40, 20}
	for i, c := range b.Consumed {
		if c.Amount != want[i] {
			t.Fatalf("consumed[%d]: expected %v, got %v", i, want[i], c.Amount)
		}
	}
	if !b.Consumed[2].Partial || b.Consumed[0].Partial {
		t.Fatalf("expected only the third to be partial: %+v", b.Consumed)
	}
	if remaining := b.Consumed[2].Contract.TargetAmount - b.Consumed[2].Amount; remaining != 20 {
		t.Fatalf("expected 20 left for a later batch, got %v", remaining)
	}
	if len(b.Manifest) != 1 || b.Manifest[0].Amount != 100 || b.Load != 100 {
		t.Fatalf("unexpected manifest %+v load %v", b.Manifest, b.Load)
	}
}

func TestAllocateBatchIsFIFO(t *testing.T) {
	c1 := contract("c1", "x", 1, 10)
	c2 := contract("c2", "y", 0, 10)
	funds := map[string]model.Ducats{"x": 100000, "y": 100000}
	b := AllocateBatch([]model.Contract{c1, c2}, 100, funds, nil, 1)
	if len(b.Consumed) != 2 || b.Consumed[0].Contract.ID != "c2" {
		t.Fatalf("expected c2 first, got %+v", b.Consumed)
	}

	// Only room for one: the older wins.
	funds = map[string]model.Ducats{"x": 100000, "y": 100000}
	b = AllocateBatch([]model.Contract{c1, c2}, 10, funds, nil, 1)
	if len(b.Consumed) != 1 || b.Consumed[0].Contract.ID != "c2" {
		t.Fatalf("expected only c2, got %+v", b.Consumed)
	}
}

func TestAllocateBatchDefersOnceThenDrops(t *testing.T) {
	poor := contract("poor", "pauper", 0, 10)
	rich := contract("rich", "noble", 1, 10)
	d := NewDeferrals()

	funds := map[string]model.Ducats{"pauper": 5, "noble": 100000}
	b := AllocateBatch([]model.Contract{poor, rich}, 100, funds, d, 1)
	if len(b.Deferred) != 1 || b.Deferred[0] != "poor" || len(b.Dropped) != 0 {
		t.Fatalf("expected poor deferred, got %+v", b)
	}
	if len(b.Consumed) != 1 || b.Consumed[0].Contract.ID != "rich" {
		t.Fatalf("expected rich consumed, got %+v", b.Consumed)
	}

	funds = map[string]model.Ducats{"pauper": 5}
	b = AllocateBatch([]model.Contract{poor}, 100, funds, d, 1)
	if len(b.Dropped) != 1 || len(b.Deferred) != 0 || !d.Dropped("poor") {
		t.Fatalf("expected poor dropped on second pass, got %+v", b)
	}

	b = AllocateBatch([]model.Contract{poor}, 100, map[string]model.Ducats{"pauper": 1_000_000}, d, 1)
	if len(b.Consumed) != 0 {
		t.Fatalf("dropped contract must stay out for the run")
	}
}

func TestAllocateBatchMaxDefersZeroDropsImmediately(t *testing.T) {
	b := AllocateBatch([]model.Contract{contract("p", "z", 0, 1)}, 10, map[string]model.Ducats{}, NewDeferrals(), 0)
	if len(b.Dropped) != 1 {
		t.Fatalf("expected drop, got %+v", b)
	}
}

func TestAllocateBatchDoesNotOvercommitBuyer(t *testing.T) {
	funds := map[string]model.Ducats{"b": 1500}
	b := AllocateBatch([]model.Contract{contract("k1", "b", 0, 10), contract("k2", "b", 1, 10)}, 100, funds, nil, 1)
	if len(b.Consumed) != 1 || len(b.Deferred) != 1 {
		t.Fatalf("expected one consumed and one deferred, got %+v", b)
	}
}

func TestAllocateBatchProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("load never exceeds capacity and follows creation order", prop.ForAll(
		func(amounts []float64, capacity float64) bool {
			var pending []model.Contract
			for i, a := range amounts {
				pending = append(pending, contract(string(rune('a'+i%26))+strings.Repeat("x", i/26), "rich", len(amounts)-i, a))
			}
			b := AllocateBatch(pending, capacity, map[string]model.Ducats{"rich": 1 << 60}, nil, 1)
			if b.Load > capacity+1e-6 {
				return false
			}
			for i := 1; i < len(b.Consumed); i++ {
				if b.Consumed[i].Contract.CreatedAt.Before(b.Consumed[i-1].Contract.CreatedAt) {
					return false
				}
			}
			for i, c := range b.Consumed {
				if c.Partial && i != len(b.Consumed)-1 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(12, gen.Float64Range(0.5, 80)),
		gen.Float64Range(1, 300),
	))

	properties.TestingRun(t)
}

func newRunner(h *simtest.Harness, capacity float64) *Runner {
	tu := tuning.Defaults()
	tu.Imports.ConvoyCapacity = capacity
	return NewRunner(h.Store, tu, nil, h.Audit)
}

func TestRunnerMaterializesConvoyAndSplits(t *testing.T) {
	h := simtest.NewHarness(t)
	h.Citizen("buyer", 1_000_000, nil)
	for i, id := range []string{"k1", "k2", "k3"} {
		c := contract(id, "buyer", i, 40)
		c.BuyerBuilding = "warehouse_1"
		h.Contract(c)
	}

	r := newRunner(h, 100)
	rep, err := r.Run(h.Ctx, h.Now)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Convoys) != 2 {
		t.Fatalf("expected 2 convoys (100 then 20), got %+v", rep.Convoys)
	}
	first := rep.Convoys[0]
	if len(first.Contracts) != 3 {
		t.Fatalf("expected 3 contracts on first convoy, got %v", first.Contracts)
	}
	split := model.ImportSplitContractID("k3", first.GalleyID)
	if first.Contracts[2] != split {
		t.Fatalf("expected split contract %s, got %v", split, first.Contracts)
	}
	if c := h.GetContract(split); c.TargetAmount != 20 || c.SellerBuilding != first.GalleyID {
		t.Fatalf("unexpected split contract %+v", c)
	}
	if c := h.GetContract("k1"); c.SellerBuilding != first.GalleyID || c.Seller != tuning.Defaults().Imports.MerchantID {
		t.Fatalf("k1 should point at the galley: %+v", c)
	}
	// The rest of k3 went out on the second convoy.
	if c := h.GetContract("k3"); c.TargetAmount != 20 || c.SellerBuilding != rep.Convoys[1].GalleyID {
		t.Fatalf("unexpected k3 %+v", c)
	}

	a := h.GetActivity(first.ActivityID)
	if a.Type != model.ActivityDeliverConvoy || a.ToBuilding != first.GalleyID {
		t.Fatalf("unexpected convoy activity %+v", a)
	}
	if a.EndTime.Sub(a.StartTime) != 60*time.Minute {
		t.Fatalf("unexpected voyage %v", a.EndTime.Sub(a.StartTime))
	}
	if len(a.Resources) != 1 || a.Resources[0].Amount != 100 {
		t.Fatalf("unexpected manifest %+v", a.Resources)
	}

	// Nothing left for a second run.
	pending, err := r.Pending(h.Ctx, h.Now)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %v %v", pending, err)
	}
}

func TestRunnerDropsPerpetuallyPoorBuyerWithinRun(t *testing.T) {
	h := simtest.NewHarness(t)
	h.Citizen("pauper", 1, nil)
	h.Contract(contract("poor", "pauper", 0, 10))

	r := newRunner(h, 100)
	rep, err := r.Run(h.Ctx, h.Now)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Convoys) != 0 || len(rep.Deferred) != 1 || len(rep.Dropped) != 1 {
		t.Fatalf("expected defer then drop, got %+v", rep)
	}
	// The contract itself is untouched and will be reconsidered next run.
	if c := h.GetContract("poor"); c.Status != model.ContractActive || c.SellerBuilding != "" {
		t.Fatalf("unexpected contract %+v", c)
	}
	gs, _ := h.Store.ListBuildings(h.Ctx, recordstore.Where(recordstore.Eq("type", "merchant_galley")))
	if len(gs) != 0 {
		t.Fatalf("no galley expected, got %d", len(gs))
	}
}

func TestRunWithoutImportsLeavesNoMerchant(t *testing.T) {
	h := simtest.NewHarness(t)
	rep, err := newRunner(h, 100).Run(h.Ctx, h.Now)
	if err != nil || len(rep.Convoys) != 0 {
		t.Fatalf("expected an empty run, got %+v %v", rep, err)
	}
	merchant := tuning.Defaults().Imports.MerchantID
	if _, err := h.Store.GetCitizen(h.Ctx, merchant); !simtest.IsNotFound(err) {
		t.Fatalf("merchant should only appear with a convoy, got %v", err)
	}
	cs, err := h.Store.ListCitizens(h.Ctx, recordstore.Filter{})
	if err != nil || len(cs) != 0 {
		t.Fatalf("expected no citizens, got %d %v", len(cs), err)
	}

	h.Citizen("buyer", 1_000_000, nil)
	h.Contract(contract("k1", "buyer", 0, 10))
	if rep, err := newRunner(h, 100).Run(h.Ctx, h.Now); err != nil || len(rep.Convoys) != 1 {
		t.Fatalf("expected one convoy, got %+v %v", rep, err)
	}
	if _, err := h.Store.GetCitizen(h.Ctx, merchant); err != nil {
		t.Fatalf("merchant should exist once a convoy sails: %v", err)
	}
}

func TestRunCarriesCommittedFundsAcrossConvoys(t *testing.T) {
	h := simtest.NewHarness(t)
	h.Citizen("buyer", 10000, nil)
	h.Contract(contract("a1", "buyer", 0, 60))
	h.Contract(contract("a2", "buyer", 1, 60))

	rep, err := newRunner(h, 60).Run(h.Ctx, h.Now)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Convoys) != 1 || rep.Convoys[0].Contracts[0] != "a1" {
		t.Fatalf("buyer can pay for one convoy only, got %+v", rep.Convoys)
	}
	if len(rep.Dropped) != 1 || rep.Dropped[0] != "a2" {
		t.Fatalf("expected a2 dropped for this run, got %+v", rep)
	}
	if c := h.GetContract("a2"); c.SellerBuilding != "" || c.TargetAmount != 60 {
		t.Fatalf("a2 should stay pending, got %+v", c)
	}
}
