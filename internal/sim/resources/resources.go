package resources

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/sim/catalogs"
	"citysim.ai/internal/sim/errs"
	"citysim.ai/internal/sim/model"
)

const epsilon = 1e-9

type Store interface {
	GetResource(ctx context.Context, id string) (model.ResourceStack, error)
	ListResources(ctx context.Context, f recordstore.Filter) ([]model.ResourceStack, error)
	PutResource(ctx context.Context, r model.ResourceStack) error
	DeleteResource(ctx context.Context, id string) error
	GetBuilding(ctx context.Context, id string) (model.Building, error)
}

type AuditSink interface {
	WriteAudit(model.AuditEntry) error
}

type Engine struct {
	store Store
	cat   *catalogs.Catalogs
	log   *log.Logger
	audit AuditSink
	now   func() time.Time
}

func NewEngine(s Store, cat *catalogs.Catalogs, logger *log.Logger, audit AuditSink) *Engine {
	return &Engine{store: s, cat: cat, log: logger, audit: audit, now: time.Now}
}

// Move describes one transfer. An empty FromOwner takes from any owner's stack;
// an empty ToOwner keeps each source stack's owner.
type Move struct {
	Kind      string
	Amount    float64
	From      model.Holder
	FromOwner string
	To        model.Holder
	ToOwner   string
}

type TransferResult struct {
	Requested float64
	Moved     float64
	Truncated bool
}

func (e *Engine) logf(format string, args ...any) {
	if e.log != nil {
		e.log.Printf(format, args...)
	}
}

func (e *Engine) writeAudit(a model.AuditEntry) {
	if e.audit == nil {
		return
	}
	a.Time = e.now().UTC()
	if err := e.audit.WriteAudit(a); err != nil {
		e.logf("audit write: %v", err)
	}
}

// Stacks returns the holder's stacks of kind (optionally one owner's), ordered by id.
func (e *Engine) Stacks(ctx context.Context, kind string, h model.Holder, owner string) ([]model.ResourceStack, error) {
	conds := []recordstore.Cond{
		recordstore.Eq("holder_type", h.Type),
		recordstore.Eq("holder_id", h.ID),
	}
	if kind != "" {
		conds = append(conds, recordstore.Eq("kind", kind))
	}
	if owner != "" {
		conds = append(conds, recordstore.Eq("owner", owner))
	}
	return e.store.ListResources(ctx, recordstore.Where(conds...))
}

func (e *Engine) Available(ctx context.Context, kind string, h model.Holder, owner string) (float64, error) {
	stacks, err := e.Stacks(ctx, kind, h, owner)
	if err != nil {
		return 0, err
	}
	return sum(stacks), nil
}

// Load is the total amount of every kind held at a building.
func (e *Engine) Load(ctx context.Context, buildingID string) (float64, error) {
	return e.Available(ctx, "", model.BuildingHolder(buildingID), "")
}

// Free is the remaining capacity of a holder. Citizens and buildings without a
// known capacity are uncapped (+Inf).
func (e *Engine) Free(ctx context.Context, h model.Holder) (float64, error) {
	if h.Type != model.HolderBuilding {
		return math.Inf(1), nil
	}
	b, err := e.store.GetBuilding(ctx, h.ID)
	if err != nil {
		return 0, err
	}
	capacity := e.cat.Capacity(b)
	if capacity <= 0 {
		return math.Inf(1), nil
	}
	load, err := e.Load(ctx, h.ID)
	if err != nil {
		return 0, err
	}
	return math.Max(0, capacity-load), nil
}

func sum(stacks []model.ResourceStack) float64 {
	var t float64
	for _, s := range stacks {
		t += s.Amount
	}
	return t
}

// undo restores stacks to their state before a failed multi-step mutation.
type undo struct {
	prev []model.ResourceStack
	// created holds ids of stacks that did not exist before.
	created []string
}

func (u *undo) saved(s model.ResourceStack) { u.prev = append(u.prev, s) }
func (u *undo) made(id string)              { u.created = append(u.created, id) }

func (e *Engine) rollback(ctx context.Context, u *undo) error {
	var first error
	for i := len(u.created) - 1; i >= 0; i-- {
		if err := e.store.DeleteResource(ctx, u.created[i]); err != nil && first == nil {
			first = err
		}
	}
	for i := len(u.prev) - 1; i >= 0; i-- {
		if err := e.store.PutResource(ctx, u.prev[i]); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (e *Engine) setAmount(ctx context.Context, s model.ResourceStack, amount float64) error {
	if amount <= epsilon {
		return e.store.DeleteResource(ctx, s.ID)
	}
	s.Amount = amount
	s.UpdatedAt = e.now().UTC()
	return e.store.PutResource(ctx, s)
}

// Transfer moves m.Amount of m.Kind between holders. A full destination building
// truncates the move: the result reports what moved and the remainder stays with
// the source. ErrCapacityExceeded is returned only when nothing fits. If the
// destination write fails the source decrement is rolled back.
func (e *Engine) Transfer(ctx context.Context, m Move) (TransferResult, error) {
	res := TransferResult{Requested: m.Amount}
	if m.Amount <= 0 || m.Kind == "" {
		return res, fmt.Errorf("transfer %q %.3f: %w", m.Kind, m.Amount, errs.ErrBadRequest)
	}
	if m.From == m.To {
		return res, fmt.Errorf("transfer %s to itself: %w", m.From, errs.ErrBadRequest)
	}

	src, err := e.Stacks(ctx, m.Kind, m.From, m.FromOwner)
	if err != nil {
		return res, err
	}
	have := sum(src)
	if have+epsilon < m.Amount {
		e.writeAudit(model.AuditEntry{Action: model.AuditTransferFail, Code: errs.CodeInsufficientStock, From: m.From.String(), To: m.To.String(), Kind: m.Kind, Amount: m.Amount})
		return res, fmt.Errorf("%s holds %.3f %s, needs %.3f: %w", m.From, have, m.Kind, m.Amount, errs.ErrInsufficientStock)
	}

	free, err := e.Free(ctx, m.To)
	if err != nil {
		return res, err
	}
	moving := math.Min(m.Amount, free)
	if moving <= epsilon {
		e.writeAudit(model.AuditEntry{Action: model.AuditTransferFail, Code: errs.CodeCapacityExceeded, From: m.From.String(), To: m.To.String(), Kind: m.Kind, Amount: m.Amount})
		return res, fmt.Errorf("%s is full: %w", m.To, errs.ErrCapacityExceeded)
	}
	res.Truncated = moving+epsilon < m.Amount

	var u undo
	perOwner := map[string]float64{}
	var owners []string

	// Decrement.
	left := moving
	for _, s := range src {
		if left <= epsilon {
			break
		}
		take := math.Min(s.Amount, left)
		u.saved(s)
		if err := e.setAmount(ctx, s, s.Amount-take); err != nil {
			if rbErr := e.rollback(ctx, &u); rbErr != nil {
				e.logf("transfer rollback failed: %v", rbErr)
			}
			return res, fmt.Errorf("decrement %s: %w", s.ID, err)
		}
		owner := s.Owner
		if m.ToOwner != "" {
			owner = m.ToOwner
		}
		if _, ok := perOwner[owner]; !ok {
			owners = append(owners, owner)
		}
		perOwner[owner] += take
		left -= take
	}

	// The destination may have filled up since we looked.
	if free2, err := e.Free(ctx, m.To); err != nil || free2+epsilon < moving {
		if rbErr := e.rollback(ctx, &u); rbErr != nil {
			e.logf("transfer rollback failed: %v", rbErr)
		}
		e.writeAudit(model.AuditEntry{Action: model.AuditRollback, Code: errs.CodeConcurrentChange, From: m.From.String(), To: m.To.String(), Kind: m.Kind, Amount: moving})
		if err != nil {
			return res, err
		}
		return res, fmt.Errorf("%s capacity changed during transfer: %w", m.To, errs.ErrConcurrentStateChange)
	}

	// Increment.
	for _, owner := range owners {
		if err := e.increment(ctx, m.Kind, perOwner[owner], m.To, owner, &u); err != nil {
			if rbErr := e.rollback(ctx, &u); rbErr != nil {
				e.logf("transfer rollback failed: %v", rbErr)
			}
			e.writeAudit(model.AuditEntry{Action: model.AuditRollback, Code: errs.Code(err), Reason: err.Error(), From: m.From.String(), To: m.To.String(), Kind: m.Kind, Amount: moving})
			return res, fmt.Errorf("increment %s: %w", m.To, err)
		}
	}

	res.Moved = moving
	e.writeAudit(model.AuditEntry{Action: model.AuditTransfer, From: m.From.String(), To: m.To.String(), Kind: m.Kind, Amount: moving})
	return res, nil
}

func (e *Engine) increment(ctx context.Context, kind string, amount float64, h model.Holder, owner string, u *undo) error {
	id := model.StackID(kind, h, owner)
	cur, err := e.store.GetResource(ctx, id)
	switch {
	case err == nil:
		u.saved(cur)
		cur.Amount += amount
		cur.UpdatedAt = e.now().UTC()
		return e.store.PutResource(ctx, cur)
	case errors.Is(err, errs.ErrRecordNotFound):
		s := model.ResourceStack{
			ID:         id,
			Kind:       kind,
			HolderType: h.Type,
			HolderID:   h.ID,
			Owner:      owner,
			Amount:     amount,
			UpdatedAt:  e.now().UTC(),
		}
		if err := e.store.PutResource(ctx, s); err != nil {
			return err
		}
		u.made(id)
		return nil
	default:
		return err
	}
}

// Add creates amount of kind at a holder. Buildings must have room for all of it.
func (e *Engine) Add(ctx context.Context, kind string, amount float64, h model.Holder, owner string) error {
	if amount <= 0 {
		return nil
	}
	free, err := e.Free(ctx, h)
	if err != nil {
		return err
	}
	if free+epsilon < amount {
		return fmt.Errorf("%s has room for %.3f %s, needs %.3f: %w", h, free, kind, amount, errs.ErrCapacityExceeded)
	}
	var u undo
	return e.increment(ctx, kind, amount, h, owner, &u)
}

// Remove consumes amount of kind from a holder, oldest stack id first; all or nothing.
func (e *Engine) Remove(ctx context.Context, kind string, amount float64, h model.Holder, owner string) error {
	if amount <= 0 {
		return nil
	}
	stacks, err := e.Stacks(ctx, kind, h, owner)
	if err != nil {
		return err
	}
	if have := sum(stacks); have+epsilon < amount {
		return fmt.Errorf("%s holds %.3f %s, needs %.3f: %w", h, have, kind, amount, errs.ErrInsufficientStock)
	}
	var u undo
	left := amount
	for _, s := range stacks {
		if left <= epsilon {
			break
		}
		take := math.Min(s.Amount, left)
		u.saved(s)
		if err := e.setAmount(ctx, s, s.Amount-take); err != nil {
			if rbErr := e.rollback(ctx, &u); rbErr != nil {
				e.logf("remove rollback failed: %v", rbErr)
			}
			return err
		}
		left -= take
	}
	return nil
}

// Apply runs a set of removals and additions as one unit, undoing the applied
// part when any step fails. Used for production recipes.
func (e *Engine) Apply(ctx context.Context, h model.Holder, owner string, remove, add map[string]float64) error {
	kinds := sortedKeys(remove)
	for _, k := range kinds {
		have, err := e.Available(ctx, k, h, owner)
		if err != nil {
			return err
		}
		if have+epsilon < remove[k] {
			return fmt.Errorf("%s holds %.3f %s, needs %.3f: %w", h, have, k, remove[k], errs.ErrInsufficientResources)
		}
	}
	var in, out float64
	for _, v := range remove {
		in += v
	}
	for _, v := range add {
		out += v
	}
	if out > in {
		free, err := e.Free(ctx, h)
		if err != nil {
			return err
		}
		if free+epsilon < out-in {
			return fmt.Errorf("%s has room for %.3f, needs %.3f: %w", h, free, out-in, errs.ErrCapacityExceeded)
		}
	}

	var u undo
	fail := func(err error) error {
		if rbErr := e.rollback(ctx, &u); rbErr != nil {
			e.logf("apply rollback failed: %v", rbErr)
		}
		return err
	}
	for _, k := range kinds {
		stacks, err := e.Stacks(ctx, k, h, owner)
		if err != nil {
			return fail(err)
		}
		left := remove[k]
		for _, s := range stacks {
			if left <= epsilon {
				break
			}
			take := math.Min(s.Amount, left)
			u.saved(s)
			if err := e.setAmount(ctx, s, s.Amount-take); err != nil {
				return fail(err)
			}
			left -= take
		}
	}
	for _, k := range sortedKeys(add) {
		if err := e.increment(ctx, k, add[k], h, owner, &u); err != nil {
			return fail(err)
		}
	}
	return nil
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
