package imports

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/sim/errs"
	"citysim.ai/internal/sim/model"
	"citysim.ai/internal/sim/tuning"
)

type AuditSink interface {
	WriteAudit(model.AuditEntry) error
}

type Runner struct {
	store  recordstore.Store
	cfg    tuning.Imports
	voyage time.Duration
	log    *log.Logger
	audit  AuditSink
}

func NewRunner(s recordstore.Store, t tuning.Tuning, logger *log.Logger, audit AuditSink) *Runner {
	return &Runner{
		store:  s,
		cfg:    t.Imports,
		voyage: time.Duration(t.Durations.ConvoyVoyageMinutes) * time.Minute,
		log:    logger,
		audit:  audit,
	}
}

type Convoy struct {
	GalleyID   string               `json:"galley_id"`
	ActivityID string               `json:"activity_id"`
	Manifest   []model.ResourceLine `json:"manifest"`
	Contracts  []string             `json:"contracts"`
}

type RunReport struct {
	Convoys  []Convoy `json:"convoys,omitempty"`
	Deferred []string `json:"deferred,omitempty"`
	Dropped  []string `json:"dropped,omitempty"`
}

func (r *Runner) logf(format string, args ...any) {
	if r.log != nil {
		r.log.Printf(format, args...)
	}
}

// Pending lists import contracts that still wait for a convoy, oldest first.
func (r *Runner) Pending(ctx context.Context, now time.Time) ([]model.Contract, error) {
	cs, err := r.store.ListContracts(ctx, recordstore.Where(
		recordstore.Eq("type", model.ContractImport),
		recordstore.Eq("status", model.ContractActive),
		recordstore.Eq("seller_building", ""),
	).OrderBy("created_at", "id"))
	if err != nil {
		return nil, err
	}
	out := cs[:0]
	for _, c := range cs {
		if c.Effective(now) && c.TargetAmount > epsilon {
			out = append(out, c)
		}
	}
	return out, nil
}

// Run packs pending import contracts into convoys, one galley per pass, until
// nothing is left, nothing more can be placed or the per-run convoy limit is hit.
func (r *Runner) Run(ctx context.Context, now time.Time) (RunReport, error) {
	var rep RunReport
	if r.cfg.ConvoyCapacity <= 0 {
		return rep, fmt.Errorf("convoy capacity must be > 0: %w", errs.ErrBadRequest)
	}
	d := NewDeferrals()
	// Balances left after the convoys already formed in this run.
	funds := map[string]model.Ducats{}

	for pass := 0; r.cfg.MaxConvoys <= 0 || len(rep.Convoys) < r.cfg.MaxConvoys; pass++ {
		pending, err := r.Pending(ctx, now)
		if err != nil {
			return rep, err
		}
		live := pending[:0]
		for _, c := range pending {
			if !d.Dropped(c.ID) {
				live = append(live, c)
			}
		}
		if len(live) == 0 {
			break
		}
		if err := r.loadFunds(ctx, live, funds); err != nil {
			return rep, err
		}
		b := AllocateBatch(live, r.cfg.ConvoyCapacity, funds, d, r.cfg.MaxDefers)
		rep.Deferred = append(rep.Deferred, b.Deferred...)
		rep.Dropped = append(rep.Dropped, b.Dropped...)
		if len(b.Consumed) == 0 {
			if len(b.Deferred) == 0 {
				break
			}
			// Deferred contracts get one more look on the next pass.
			continue
		}
		cv, err := r.materialize(ctx, b, pass, now)
		if err != nil {
			return rep, err
		}
		rep.Convoys = append(rep.Convoys, cv)
	}
	return rep, nil
}

// loadFunds reads the balance of buyers not yet in funds.
func (r *Runner) loadFunds(ctx context.Context, cs []model.Contract, funds map[string]model.Ducats) error {
	for _, c := range cs {
		if _, ok := funds[c.Buyer]; ok {
			continue
		}
		cit, err := r.store.GetCitizen(ctx, c.Buyer)
		if errors.Is(err, errs.ErrRecordNotFound) {
			funds[c.Buyer] = 0
			continue
		}
		if err != nil {
			return err
		}
		funds[c.Buyer] = cit.Ducats
	}
	return nil
}

func (r *Runner) ensureMerchant(ctx context.Context, now time.Time) error {
	_, err := r.store.GetCitizen(ctx, r.cfg.MerchantID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errs.ErrRecordNotFound) {
		return err
	}
	return r.store.PutCitizen(ctx, model.Citizen{
		ID:          r.cfg.MerchantID,
		Name:        "Foreign Merchant",
		SocialClass: "Forestieri",
		UpdatedAt:   now.UTC(),
	})
}

func (r *Runner) materialize(ctx context.Context, b Batch, pass int, now time.Time) (Convoy, error) {
	if err := r.ensureMerchant(ctx, now); err != nil {
		return Convoy{}, err
	}
	pos := model.Point{Lat: r.cfg.DockLat, Lng: r.cfg.DockLng + 0.0001*float64(pass)}
	galley := model.Building{
		ID:              fmt.Sprintf("%s_%s_%.6f_%.6f", r.cfg.GalleyPrefix, uuid.NewString()[:8], pos.Lat, pos.Lng),
		Type:            r.cfg.GalleyType,
		Name:            "Merchant Galley",
		Category:        "transport",
		Owner:           r.cfg.MerchantID,
		RunBy:           r.cfg.MerchantID,
		Position:        &pos,
		StorageCapacity: r.cfg.ConvoyCapacity,
		CreatedAt:       now.UTC(),
	}
	if err := r.store.PutBuilding(ctx, galley); err != nil {
		return Convoy{}, err
	}

	cv := Convoy{GalleyID: galley.ID, Manifest: b.Manifest}
	for _, cons := range b.Consumed {
		c := cons.Contract
		if cons.Partial {
			part := c
			part.ID = model.ImportSplitContractID(c.ID, galley.ID)
			part.TargetAmount = cons.Amount
			part.Seller = r.cfg.MerchantID
			part.SellerBuilding = galley.ID
			part.CreatedAt = now.UTC()
			if err := r.store.PutContract(ctx, part); err != nil {
				return cv, err
			}
			c.TargetAmount -= cons.Amount
			if err := r.store.PutContract(ctx, c); err != nil {
				return cv, err
			}
			cv.Contracts = append(cv.Contracts, part.ID)
			continue
		}
		c.Seller = r.cfg.MerchantID
		c.SellerBuilding = galley.ID
		if err := r.store.PutContract(ctx, c); err != nil {
			return cv, err
		}
		cv.Contracts = append(cv.Contracts, c.ID)
	}

	lines := make([]model.ResourceLine, 0, len(b.Manifest))
	for _, l := range b.Manifest {
		l.Owner = r.cfg.MerchantID
		lines = append(lines, l)
	}
	act := model.Activity{
		ID:           "activity-" + uuid.NewString(),
		Type:         model.ActivityDeliverConvoy,
		Citizen:      r.cfg.MerchantID,
		ToBuilding:   galley.ID,
		ToPosition:   &pos,
		StartTime:    now.UTC(),
		EndTime:      now.Add(r.voyage).UTC(),
		Status:       model.ActivityCreated,
		Resources:    lines,
		TargetID:     galley.ID,
		Notes:        strings.Join(cv.Contracts, ","),
		CreatedAt:    now.UTC(),
		Continuation: nil,
	}
	if err := r.store.PutActivity(ctx, act); err != nil {
		return cv, err
	}
	cv.ActivityID = act.ID

	r.logf("convoy %s: %d contracts, load %.1f/%.1f", galley.ID, len(cv.Contracts), b.Load, r.cfg.ConvoyCapacity)
	if r.audit != nil {
		if err := r.audit.WriteAudit(model.AuditEntry{Time: now.UTC(), Action: model.AuditConvoy, To: galley.ID, Amount: b.Load, Reason: act.Notes}); err != nil {
			r.logf("audit write: %v", err)
		}
	}
	return cv, nil
}
