package simtest

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/sim/catalogs"
	"citysim.ai/internal/sim/errs"
	"citysim.ai/internal/sim/model"
)

// Harness is a small test helper around an in-memory SQLite store seeded with
// the repository's catalogs:
// - Citizen/Building/Stock seed records
// - Balance/Amount/Load read them back
// - Audit collects audit entries written by the code under test
type Harness struct {
	T     *testing.T
	Ctx   context.Context
	Store *recordstore.SQLStore
	Cats  *catalogs.Catalogs
	Now   time.Time
	Audit *AuditRecorder
}

// ConfigsDir is the repository's configs/ directory.
func ConfigsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "configs")
}

func NewHarness(t *testing.T) *Harness {
	t.Helper()
	cats, err := catalogs.Load(ConfigsDir())
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	st, err := recordstore.OpenSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return &Harness{
		T:     t,
		Ctx:   context.Background(),
		Store: st,
		Cats:  cats,
		Now:   time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Audit: &AuditRecorder{},
	}
}

func (h *Harness) Clock() time.Time { return h.Now }

func (h *Harness) Citizen(id string, ducats model.Ducats, pos *model.Point) model.Citizen {
	h.T.Helper()
	c := model.Citizen{ID: id, Name: id, SocialClass: "Popolani", Ducats: ducats, Position: pos, IsAI: true}
	if err := h.Store.PutCitizen(h.Ctx, c); err != nil {
		h.T.Fatalf("put citizen %s: %v", id, err)
	}
	return c
}

func (h *Harness) Building(id, typ string, pos *model.Point, owner string) model.Building {
	h.T.Helper()
	b := model.Building{ID: id, Type: typ, Owner: owner, RunBy: owner, Position: pos, IsConstructed: true}
	if d, ok := h.Cats.Building(typ); ok {
		b.Category = d.Category
		b.Name = d.Name
	}
	if err := h.Store.PutBuilding(h.Ctx, b); err != nil {
		h.T.Fatalf("put building %s: %v", id, err)
	}
	return b
}

func (h *Harness) Stock(kind string, amount float64, holder model.Holder, owner string) {
	h.T.Helper()
	s := model.ResourceStack{
		ID:         model.StackID(kind, holder, owner),
		Kind:       kind,
		HolderType: holder.Type,
		HolderID:   holder.ID,
		Owner:      owner,
		Amount:     amount,
	}
	if err := h.Store.PutResource(h.Ctx, s); err != nil {
		h.T.Fatalf("put resource %s: %v", s.ID, err)
	}
}

func (h *Harness) Balance(citizenID string) model.Ducats {
	h.T.Helper()
	c, err := h.Store.GetCitizen(h.Ctx, citizenID)
	if err != nil {
		h.T.Fatalf("get citizen %s: %v", citizenID, err)
	}
	return c.Ducats
}

// Amount sums kind at a holder over all owners; an empty kind sums everything.
func (h *Harness) Amount(kind string, holder model.Holder) float64 {
	h.T.Helper()
	conds := []recordstore.Cond{recordstore.Eq("holder_type", holder.Type), recordstore.Eq("holder_id", holder.ID)}
	if kind != "" {
		conds = append(conds, recordstore.Eq("kind", kind))
	}
	rs, err := h.Store.ListResources(h.Ctx, recordstore.Where(conds...))
	if err != nil {
		h.T.Fatalf("list resources: %v", err)
	}
	var sum float64
	for _, r := range rs {
		sum += r.Amount
	}
	return sum
}

func (h *Harness) Contract(c model.Contract) model.Contract {
	h.T.Helper()
	if c.Status == "" {
		c.Status = model.ContractActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = h.Now
	}
	if err := h.Store.PutContract(h.Ctx, c); err != nil {
		h.T.Fatalf("put contract %s: %v", c.ID, err)
	}
	return c
}

func (h *Harness) GetContract(id string) model.Contract {
	h.T.Helper()
	c, err := h.Store.GetContract(h.Ctx, id)
	if err != nil {
		h.T.Fatalf("get contract %s: %v", id, err)
	}
	return c
}

func (h *Harness) GetActivity(id string) model.Activity {
	h.T.Helper()
	a, err := h.Store.GetActivity(h.Ctx, id)
	if err != nil {
		h.T.Fatalf("get activity %s: %v", id, err)
	}
	return a
}

// AuditRecorder keeps audit entries in memory.
type AuditRecorder struct {
	mu      sync.Mutex
	Entries []model.AuditEntry
}

func (r *AuditRecorder) WriteAudit(e model.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Entries = append(r.Entries, e)
	return nil
}

func (r *AuditRecorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		out = append(out, e.Action)
	}
	return out
}

var ErrInjected = errors.New("injected failure")

// FaultyStore wraps a store and fails selected writes. Each Fail* hook
// returns true when the write should fail.
type FaultyStore struct {
	recordstore.Store

	FailPutResource func(model.ResourceStack) bool
	FailPutCitizen  func(model.Citizen) bool
	FailPutContract func(model.Contract) bool
	FailTransaction func(model.Transaction) bool
	FailPutBuilding func(model.Building) bool
	FailPutActivity func(model.Activity) bool
}

func (f *FaultyStore) PutResource(ctx context.Context, r model.ResourceStack) error {
	if f.FailPutResource != nil && f.FailPutResource(r) {
		return ErrInjected
	}
	return f.Store.PutResource(ctx, r)
}

func (f *FaultyStore) PutCitizen(ctx context.Context, c model.Citizen) error {
	if f.FailPutCitizen != nil && f.FailPutCitizen(c) {
		return ErrInjected
	}
	return f.Store.PutCitizen(ctx, c)
}

func (f *FaultyStore) PutContract(ctx context.Context, c model.Contract) error {
	if f.FailPutContract != nil && f.FailPutContract(c) {
		return ErrInjected
	}
	return f.Store.PutContract(ctx, c)
}

func (f *FaultyStore) CreateTransaction(ctx context.Context, t model.Transaction) error {
	if f.FailTransaction != nil && f.FailTransaction(t) {
		return ErrInjected
	}
	return f.Store.CreateTransaction(ctx, t)
}

func (f *FaultyStore) PutBuilding(ctx context.Context, b model.Building) error {
	if f.FailPutBuilding != nil && f.FailPutBuilding(b) {
		return ErrInjected
	}
	return f.Store.PutBuilding(ctx, b)
}

func (f *FaultyStore) PutActivity(ctx context.Context, a model.Activity) error {
	if f.FailPutActivity != nil && f.FailPutActivity(a) {
		return ErrInjected
	}
	return f.Store.PutActivity(ctx, a)
}

// IsNotFound is errors.Is(err, errs.ErrRecordNotFound).
func IsNotFound(err error) bool { return errors.Is(err, errs.ErrRecordNotFound) }
