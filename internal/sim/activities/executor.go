package activities

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/sim/catalogs"
	"citysim.ai/internal/sim/errs"
	"citysim.ai/internal/sim/ledger"
	"citysim.ai/internal/sim/model"
	"citysim.ai/internal/sim/resources"
	"citysim.ai/internal/sim/tuning"
)

const epsilon = 1e-9

type AuditSink interface {
	WriteAudit(model.AuditEntry) error
}

// Executor applies the effects of activities whose window has elapsed.
type Executor struct {
	store   recordstore.Store
	cat     *catalogs.Catalogs
	cfg     tuning.Tuning
	res     *resources.Engine
	ledger  *ledger.Ledger
	builder *Builder
	log     *log.Logger
	audit   AuditSink
}

func NewExecutor(d Deps, l *ledger.Ledger, b *Builder, audit AuditSink) *Executor {
	return &Executor{
		store:   d.Store,
		cat:     d.Catalogs,
		cfg:     d.Tuning,
		res:     d.Resources,
		ledger:  l,
		builder: b,
		log:     d.Logger,
		audit:   audit,
	}
}

type Result struct {
	ActivityID string               `json:"activity_id"`
	Type       model.ActivityType   `json:"type"`
	Citizen    string               `json:"citizen"`
	Status     model.ActivityStatus `json:"status"`
	Code       string               `json:"code,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	// Skipped is set when the activity had already been processed.
	Skipped bool `json:"skipped,omitempty"`
	// Next lists the activities built from the continuation.
	Next      []string `json:"next,omitempty"`
	NextError string   `json:"next_error,omitempty"`
}

type processor func(ctx context.Context, e *Executor, a *model.Activity, now time.Time) error

var processors = map[model.ActivityType]processor{
	model.ActivityGoto:             processGoto,
	model.ActivityPray:             processPray,
	model.ActivityAttendTheater:    processAttendTheater,
	model.ActivityRest:             processRest,
	model.ActivityProduction:       processProduction,
	model.ActivityFetchResource:    processFetchResource,
	model.ActivityDeliverBatch:     processDeliverBatch,
	model.ActivityFetchFromGalley:  processFetchFromGalley,
	model.ActivityManagePublicSell: processManagePublicSell,
	model.ActivitySpreadRumor:      processSpreadRumor,
	model.ActivityBuyBuilding:      processBuyBuilding,
	model.ActivityDeliverConvoy:    processDeliverConvoy,
}

// Types lists the activity types the executor can process, sorted.
func Types() []model.ActivityType {
	out := make([]model.ActivityType, 0, len(processors))
	for t := range processors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// financial activity failures are reported to the citizen.
var financial = map[model.ActivityType]bool{
	model.ActivityAttendTheater:   true,
	model.ActivityRest:            true,
	model.ActivityFetchResource:   true,
	model.ActivityFetchFromGalley: true,
	model.ActivityBuyBuilding:     true,
}

func (e *Executor) logf(format string, args ...any) {
	if e.log != nil {
		e.log.Printf(format, args...)
	}
}

// Execute processes one activity. Activities that are no longer in created
// state are skipped, so running it twice has no further effect. A handler
// failure marks the activity failed and is not returned as an error.
func (e *Executor) Execute(ctx context.Context, id string, now time.Time) (Result, error) {
	a, err := e.store.GetActivity(ctx, id)
	if err != nil {
		return Result{ActivityID: id}, err
	}
	res := Result{ActivityID: a.ID, Type: a.Type, Citizen: a.Citizen, Status: a.Status}
	if a.Status != model.ActivityCreated {
		res.Skipped = true
		return res, nil
	}
	if !a.Due(now) {
		return res, fmt.Errorf("activity %s ends at %s: %w", a.ID, a.EndTime.Format(time.RFC3339), errs.ErrBadRequest)
	}

	proc, ok := processors[a.Type]
	switch {
	case !ok:
		err = fmt.Errorf("no processor for %q: %w", a.Type, errs.ErrBadRequest)
	case e.applied(ctx, a):
		// An earlier run got as far as the citizen but not the status write.
		e.logf("activity %s (%s, %s): effects already applied", a.ID, a.Type, a.Citizen)
		e.capToCarried(ctx, &a)
	default:
		err = proc(ctx, e, &a, now)
	}

	a.ProcessedAt = now.UTC()
	if err != nil {
		a.Status = model.ActivityFailed
		a.FailureReason = err.Error()
		res.Status, res.Code, res.Reason = a.Status, errs.Code(err), a.FailureReason
		if perr := e.store.PutActivity(ctx, a); perr != nil {
			return res, fmt.Errorf("mark %s failed: %w", a.ID, perr)
		}
		e.logf("activity %s (%s, %s) failed: %v", a.ID, a.Type, a.Citizen, err)
		e.writeAudit(now, model.AuditEntry{Action: model.AuditActivityFail, Code: res.Code, Reason: res.Reason, ActivityID: a.ID, ContractID: a.ContractID, Citizen: a.Citizen})
		if financial[a.Type] {
			e.ledger.Notify(ctx, a.Citizen, "activity_failed", fmt.Sprintf("Your %s could not be completed: %s", a.Type, a.FailureReason), now)
		}
		return res, nil
	}

	a.Status = model.ActivityCompleted
	res.Status = a.Status
	if err := e.store.PutActivity(ctx, a); err != nil {
		return res, fmt.Errorf("mark %s completed: %w", a.ID, err)
	}

	if a.Continuation != nil {
		next, err := e.continueWith(ctx, a, now)
		if err != nil {
			res.NextError = err.Error()
			e.logf("activity %s: continuation %s for %s: %v", a.ID, a.Continuation.Type, a.Citizen, err)
		}
		for _, n := range next {
			res.Next = append(res.Next, n.ID)
		}
	}
	return res, nil
}

// continueWith builds the follow-up chain from the citizen's current state.
func (e *Executor) continueWith(ctx context.Context, a model.Activity, now time.Time) ([]model.Activity, error) {
	if e.builder == nil {
		return nil, fmt.Errorf("no builder for continuations")
	}
	c, err := e.store.GetCitizen(ctx, a.Citizen)
	if err != nil {
		return nil, err
	}
	return e.builder.Build(ctx, c, *a.Continuation, now)
}

func (e *Executor) writeAudit(now time.Time, a model.AuditEntry) {
	if e.audit == nil {
		return
	}
	a.Time = now.UTC()
	if err := e.audit.WriteAudit(a); err != nil {
		e.logf("audit write: %v", err)
	}
}

// Due lists activities whose window has elapsed, by end time then id.
func (e *Executor) Due(ctx context.Context, now time.Time, limit int) ([]model.Activity, error) {
	f := recordstore.Where(
		recordstore.Eq("status", model.ActivityCreated),
		recordstore.Lte("end_time", now),
	).OrderBy("end_time", "id")
	if limit > 0 {
		f = f.Take(limit)
	}
	return e.store.ListActivities(ctx, f)
}

// applied reports whether the activity's effects were already recorded on its citizen.
func (e *Executor) applied(ctx context.Context, a model.Activity) bool {
	c, err := e.store.GetCitizen(ctx, a.Citizen)
	return err == nil && c.LastActivity == a.ID
}

// capToCarried trims a pending delivery to what the citizen actually holds.
func (e *Executor) capToCarried(ctx context.Context, a *model.Activity) {
	next := a.Continuation
	if next == nil || next.Type != model.ActivityDeliverBatch {
		return
	}
	for i, l := range next.Resources {
		have, err := e.res.Available(ctx, l.Kind, model.CitizenHolder(a.Citizen), l.Owner)
		if err == nil && have+epsilon < l.Amount {
			next.Resources[i].Amount = have
		}
	}
}

// arrive moves the citizen to where the activity ends. Citizens unknown to the
// store (the foreign merchant before the first convoy) are left alone.
func (e *Executor) arrive(ctx context.Context, a *model.Activity, now time.Time, update func(*model.Citizen)) error {
	c, err := e.store.GetCitizen(ctx, a.Citizen)
	if errors.Is(err, errs.ErrRecordNotFound) && update == nil {
		return nil
	}
	if err != nil {
		return err
	}
	if a.ToPosition != nil {
		pos := *a.ToPosition
		c.Position = &pos
	}
	if update != nil {
		update(&c)
	}
	c.LastActivity = a.ID
	c.UpdatedAt = now.UTC()
	return e.store.PutCitizen(ctx, c)
}

func sortedKinds(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
