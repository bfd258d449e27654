package scoring

import (
	"math"
	"testing"

	"citysim.ai/internal/sim/model"
	"citysim.ai/internal/sim/simtest"
	"citysim.ai/internal/sim/tuning"
)

func TestScoreFormula(t *testing.T) {
	cfg := tuning.Defaults().Scoring
	here := model.Point{Lat: 45.4371, Lng: 12.3358}
	c := Candidate{
		CitizenID:    "a",
		SocialClass:  "Cittadini",
		Relationship: 5,
		Influence:    10,
		Income:       200,
		Turnover:     300,
		Position:     &here,
		IsOwner:      true,
		Roles:        1,
	}
	// (50 + 100 + 200 + 300 - 0) * 1.2 * 1.5 / 2
	want := 650 * 1.2 * 1.5 / 2
	if got := Score(c, &here, cfg); math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestUnknownLocationSinksButStaysEligible(t *testing.T) {
	cfg := tuning.Defaults().Scoring
	target := model.Point{Lat: 45.4371, Lng: 12.3358}
	near := model.Point{Lat: 45.4372, Lng: 12.3358}
	cands := []Candidate{
		{CitizenID: "lost", SocialClass: "Popolani", Influence: 100},
		{CitizenID: "close", SocialClass: "Popolani", Position: &near},
	}
	best, ok := Pick(cands, &target, cfg)
	if !ok || best.CitizenID != "close" {
		t.Fatalf("expected close, got %+v", best)
	}
	if ranked := Rank(cands, &target, cfg); len(ranked) != 2 || ranked[1].CitizenID != "lost" {
		t.Fatalf("unknown location should rank last, got %+v", ranked)
	}
	if _, ok := Pick([]Candidate{{CitizenID: "lost"}}, &target, cfg); !ok {
		t.Fatalf("a lone unlocated candidate is still picked")
	}
}

func TestPickBreaksTiesByID(t *testing.T) {
	cfg := tuning.Defaults().Scoring
	cands := []Candidate{
		{CitizenID: "zeno", SocialClass: "Popolani"},
		{CitizenID: "anna", SocialClass: "Popolani"},
	}
	best, _ := Pick(cands, nil, cfg)
	if best.CitizenID != "anna" {
		t.Fatalf("expected anna, got %s", best.CitizenID)
	}
}

func TestRolesDivideScore(t *testing.T) {
	cfg := tuning.Defaults().Scoring
	p := model.Point{Lat: 45.43, Lng: 12.33}
	busy := Score(Candidate{CitizenID: "b", Income: 100, Position: &p, Roles: 3}, &p, cfg)
	free := Score(Candidate{CitizenID: "f", Income: 100, Position: &p}, &p, cfg)
	if busy*4 != free {
		t.Fatalf("expected busy=%v to be a quarter of free=%v", busy, free)
	}
}

func TestGather(t *testing.T) {
	h := simtest.NewHarness(t)
	pos := model.Point{Lat: 45.4371, Lng: 12.3358}
	h.Citizen("owner", 100, &pos)
	h.Citizen("friend", 100, &pos)
	h.Citizen("merchant", 100, nil)
	b := h.Building("bakery_45.4371_12.3358", "bakery", &pos, "owner")
	h.Building("glassworks_45.43_12.33", "glassworks", nil, "friend")
	if err := h.Store.PutRelationship(h.Ctx, model.Relationship{
		ID:         model.RelationshipID("owner", "friend"),
		Citizen1:   "friend",
		Citizen2:   "owner",
		TrustScore: 40,
	}); err != nil {
		t.Fatal(err)
	}

	cands, err := Gather(h.Ctx, h.Store, b, map[string]bool{"merchant": true})
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	byID := map[string]Candidate{}
	for _, c := range cands {
		byID[c.CitizenID] = c
	}
	if len(byID) != 2 {
		t.Fatalf("expected owner and friend, got %+v", cands)
	}
	if f := byID["friend"]; f.Relationship != 40 || f.Roles != 1 || f.IsOwner {
		t.Fatalf("unexpected friend %+v", f)
	}
	if o := byID["owner"]; !o.IsOwner || o.Roles != 1 {
		t.Fatalf("unexpected owner %+v", o)
	}
}
