package scoring

import (
	"context"
	"sort"

	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/sim/geo"
	"citysim.ai/internal/sim/model"
	"citysim.ai/internal/sim/tuning"
)

// Candidate is everything the heuristic knows about one citizen for one role.
type Candidate struct {
	CitizenID    string
	SocialClass  string
	Relationship float64
	Influence    float64
	Income       float64
	Turnover     float64
	// Position is nil when the citizen's location is unknown.
	Position *model.Point
	IsOwner  bool
	Roles    int
}

type Scored struct {
	Candidate
	Score float64
}

func Score(c Candidate, target *model.Point, cfg tuning.Scoring) float64 {
	penalty := cfg.UnknownDistancePenalty
	if c.Position != nil && target != nil {
		penalty = geo.Distance(*c.Position, *target)
	}
	tier, ok := cfg.SocialTiers[c.SocialClass]
	if !ok {
		tier = 1
	}
	bias := 1.0
	if c.IsOwner && cfg.OwnerBias > 0 {
		bias = cfg.OwnerBias
	}
	base := c.Relationship*10 + c.Influence*10 + c.Income + c.Turnover - penalty
	return base * tier * bias / float64(c.Roles+1)
}

// Rank scores every candidate, best first. Equal scores are ordered by citizen id.
func Rank(cands []Candidate, target *model.Point, cfg tuning.Scoring) []Scored {
	out := make([]Scored, 0, len(cands))
	for _, c := range cands {
		out = append(out, Scored{Candidate: c, Score: Score(c, target, cfg)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CitizenID < out[j].CitizenID
	})
	return out
}

func Pick(cands []Candidate, target *model.Point, cfg tuning.Scoring) (Scored, bool) {
	r := Rank(cands, target, cfg)
	if len(r) == 0 {
		return Scored{}, false
	}
	return r[0], true
}

type Store interface {
	ListCitizens(ctx context.Context, f recordstore.Filter) ([]model.Citizen, error)
	ListBuildings(ctx context.Context, f recordstore.Filter) ([]model.Building, error)
	ListRelationships(ctx context.Context, f recordstore.Filter) ([]model.Relationship, error)
}

// Gather builds the candidate pool for operating b: every AI citizen except
// those in exclude, with trust towards b's owner and the number of
// businesses they already run.
func Gather(ctx context.Context, s Store, b model.Building, exclude map[string]bool) ([]Candidate, error) {
	citizens, err := s.ListCitizens(ctx, recordstore.Where(recordstore.Eq("is_ai", true)))
	if err != nil {
		return nil, err
	}
	running, err := s.ListBuildings(ctx, recordstore.Where(recordstore.Ne("run_by", "")))
	if err != nil {
		return nil, err
	}
	roles := map[string]int{}
	for _, r := range running {
		roles[r.RunBy]++
	}
	trust := map[string]float64{}
	if b.Owner != "" {
		rels, err := s.ListRelationships(ctx, recordstore.Where(recordstore.Eq("citizen1", b.Owner)))
		if err != nil {
			return nil, err
		}
		more, err := s.ListRelationships(ctx, recordstore.Where(recordstore.Eq("citizen2", b.Owner)))
		if err != nil {
			return nil, err
		}
		for _, r := range append(rels, more...) {
			other := r.Citizen1
			if other == b.Owner {
				other = r.Citizen2
			}
			trust[other] = r.TrustScore
		}
	}

	out := make([]Candidate, 0, len(citizens))
	for _, c := range citizens {
		if exclude[c.ID] {
			continue
		}
		out = append(out, Candidate{
			CitizenID:    c.ID,
			SocialClass:  c.SocialClass,
			Relationship: trust[c.ID],
			Influence:    c.Influence,
			Income:       c.DailyIncome.Float(),
			Turnover:     c.DailyTurnover.Float(),
			Position:     c.Position,
			IsOwner:      c.ID == b.Owner,
			Roles:        roles[c.ID],
		})
	}
	return out, nil
}
