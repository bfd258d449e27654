package imports

import (
	"math"
	"sort"

	"citysim.ai/internal/sim/model"
)

const epsilon = 1e-9

// Deferrals tracks, for one scheduling run, how often each contract was
// deferred for lack of funds and which contracts were dropped for the run.
type Deferrals struct {
	count   map[string]int
	dropped map[string]bool
}

func NewDeferrals() *Deferrals {
	return &Deferrals{count: map[string]int{}, dropped: map[string]bool{}}
}

func (d *Deferrals) Dropped(id string) bool { return d.dropped[id] }
func (d *Deferrals) Count(id string) int    { return d.count[id] }

type Consumption struct {
	Contract model.Contract
	Amount   float64
	Cost     model.Ducats
	// Partial is set when only part of the contract's remaining volume fits.
	Partial bool
}

type Batch struct {
	Manifest []model.ResourceLine
	Consumed []Consumption
	Deferred []string
	Dropped  []string
	Load     float64
}

// AllocateBatch fills one convoy. Contracts are taken oldest first (id breaks
// ties) and greedily up to capacity; the last one that fits may be split.
// A contract whose buyer cannot pay for the volume on offer is deferred up to
// maxDefers times per run and dropped for the rest of the run after that.
// funds is consumed as contracts are accepted so one buyer is never
// committed beyond their balance within a batch.
func AllocateBatch(pending []model.Contract, capacity float64, funds map[string]model.Ducats, d *Deferrals, maxDefers int) Batch {
	var b Batch
	if d == nil {
		d = NewDeferrals()
	}
	ordered := append([]model.Contract(nil), pending...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	left := capacity
	byKind := map[string]float64{}
	for _, c := range ordered {
		if left <= epsilon {
			break
		}
		if d.dropped[c.ID] || c.TargetAmount <= epsilon {
			continue
		}
		take := math.Min(c.TargetAmount, left)
		cost := model.Cost(c.UnitPrice, take)
		if funds[c.Buyer] < cost {
			if d.count[c.ID] < maxDefers {
				d.count[c.ID]++
				b.Deferred = append(b.Deferred, c.ID)
			} else {
				d.dropped[c.ID] = true
				b.Dropped = append(b.Dropped, c.ID)
			}
			continue
		}
		funds[c.Buyer] -= cost
		left -= take
		byKind[c.ResourceKind] += take
		b.Consumed = append(b.Consumed, Consumption{
			Contract: c,
			Amount:   take,
			Cost:     cost,
			Partial:  take+epsilon < c.TargetAmount,
		})
	}

	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		b.Manifest = append(b.Manifest, model.ResourceLine{Kind: k, Amount: byKind[k]})
		b.Load += byKind[k]
	}
	return b
}
