package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"citysim.ai/internal/observerproto"
	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/persistence/snapshot"
	"citysim.ai/internal/sim/model"
	"citysim.ai/internal/sim/simtest"
	"citysim.ai/internal/sim/tuning"
)

type tickRecorder struct {
	mu    sync.Mutex
	ticks []any
}

func (r *tickRecorder) WriteTick(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, v)
	return nil
}

type observerRecorder struct {
	mu   sync.Mutex
	msgs []observerproto.TickMsg
}

func (r *observerRecorder) Broadcast(m observerproto.TickMsg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

type fakeLease struct {
	granted  bool
	err      error
	released int
}

func (l *fakeLease) Acquire(context.Context) (func(context.Context) error, bool, error) {
	if l.err != nil || !l.granted {
		return nil, false, l.err
	}
	return func(context.Context) error { l.released++; return nil }, true, nil
}

type env struct {
	*simtest.Harness
	eng   *Engine
	ticks *tickRecorder
	obs   *observerRecorder
	spans *tracetest.SpanRecorder
}

func newEnv(t *testing.T, mutate func(*Config)) *env {
	t.Helper()
	h := simtest.NewHarness(t)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	cfg := Config{
		Store:    h.Store,
		Catalogs: h.Cats,
		Tuning:   tuning.Defaults(),
		TickLog:  &tickRecorder{},
		Audit:    h.Audit,
		Tracer:   tp.Tracer("test"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	obs := &observerRecorder{}
	eng.AddObserver(obs)
	ticks, _ := cfg.TickLog.(*tickRecorder)
	return &env{Harness: h, eng: eng, ticks: ticks, obs: obs, spans: sr}
}

func activitiesOf(citizen string) recordstore.Filter {
	return recordstore.Where(recordstore.Eq("citizen", citizen)).OrderBy("end_time", "id")
}

func (e *env) tick(at time.Time) Report {
	e.T.Helper()
	rep, err := e.eng.Tick(e.Ctx, at)
	if err != nil {
		e.T.Fatalf("tick: %v", err)
	}
	return rep
}

func TestTickSchedulesAndCompletesPrayer(t *testing.T) {
	e := newEnv(t, nil)
	church := model.Point{Lat: 45.4371, Lng: 12.3358}
	e.Citizen("marco", 0, &church)
	e.Building("parish_church_45.4371_12.3358", "parish_church", &church, "")

	rep := e.tick(e.Now)
	if len(rep.Activities) != 0 {
		t.Fatalf("nothing should be due yet, got %+v", rep.Activities)
	}
	if len(rep.Scheduled) != 1 || rep.Scheduled[0].Goal != model.ActivityPray || rep.Scheduled[0].Activities != 1 {
		t.Fatalf("expected marco to go praying, got %+v", rep.Scheduled)
	}

	rep = e.tick(e.Now.Add(10 * time.Minute))
	if len(rep.Activities) != 0 || len(rep.Scheduled) != 0 {
		t.Fatalf("marco is busy praying: %+v", rep)
	}

	rep = e.tick(e.Now.Add(20 * time.Minute))
	if rep.Completed() != 1 || rep.Activities[0].Type != model.ActivityPray {
		t.Fatalf("expected the prayer to complete, got %+v", rep.Activities)
	}
	if len(rep.Scheduled) != 1 {
		t.Fatalf("marco should get a new routine activity, got %+v", rep.Scheduled)
	}
	c, _ := e.Store.GetCitizen(e.Ctx, "marco")
	if c.Influence != 1 {
		t.Fatalf("expected influence 1, got %v", c.Influence)
	}

	if rep.Tick != 3 || len(e.ticks.ticks) != 3 || len(e.obs.msgs) != 3 {
		t.Fatalf("expected 3 ticks logged and broadcast, got %d/%d/%d", rep.Tick, len(e.ticks.ticks), len(e.obs.msgs))
	}
	if got := e.obs.msgs[2]; got.Type != observerproto.TypeTick || len(got.Activities) != 1 {
		t.Fatalf("unexpected observer message %+v", got)
	}
	if n, at := e.eng.LastTick(); n != 3 || !at.Equal(e.Now.Add(20*time.Minute)) {
		t.Fatalf("unexpected last tick %d %s", n, at)
	}

	names := map[string]int{}
	for _, s := range e.spans.Ended() {
		names[s.Name()]++
	}
	if names["engine.tick"] != 3 || names["activity.execute"] != 1 || names["engine.routine"] != 3 {
		t.Fatalf("unexpected spans %v", names)
	}
}

func TestNightRoutineRestsUntilMorning(t *testing.T) {
	e := newEnv(t, nil)
	home := model.Point{Lat: 45.4371, Lng: 12.3358}
	c := e.Citizen("anna", 0, nil)
	c.Home = "canal_house_1"
	if err := e.Store.PutCitizen(e.Ctx, c); err != nil {
		t.Fatal(err)
	}
	e.Building("canal_house_1", "canal_house", &home, "anna")

	night := time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)
	rep := e.tick(night)
	if len(rep.Scheduled) != 1 || rep.Scheduled[0].Goal != model.ActivityRest {
		t.Fatalf("expected rest, got %+v", rep.Scheduled)
	}
	as, err := e.Store.ListActivities(e.Ctx, activitiesOf("anna"))
	if err != nil || len(as) != 1 {
		t.Fatalf("expected one rest activity, got %v %v", as, err)
	}
	if want := time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC); !as[0].EndTime.Equal(want) {
		t.Fatalf("rest ends %s, want %s", as[0].EndTime, want)
	}
}

func TestOperatorAssignment(t *testing.T) {
	e := newEnv(t, nil)
	shop := model.Point{Lat: 45.4371, Lng: 12.3358}
	e.Citizen("near", 0, &shop)
	e.Citizen("far", 0, &model.Point{Lat: 45.45, Lng: 12.36})
	e.Citizen("forestieri_merchant", 0, &shop)
	b := e.Building("bakery_1", "bakery", &shop, "")
	b.RunBy = ""
	if err := e.Store.PutBuilding(e.Ctx, b); err != nil {
		t.Fatal(err)
	}

	rep := e.tick(e.Now)
	if len(rep.Assigned) != 1 || rep.Assigned[0].Operator != "near" {
		t.Fatalf("expected near to run the bakery, got %+v", rep.Assigned)
	}
	got, _ := e.Store.GetBuilding(e.Ctx, "bakery_1")
	if got.RunBy != "near" {
		t.Fatalf("run_by not stored: %+v", got)
	}
	if rep = e.tick(e.Now.Add(time.Minute)); len(rep.Assigned) != 0 {
		t.Fatalf("bakery already has an operator, got %+v", rep.Assigned)
	}
}

func TestGoalsForPrefersPickupsAndListings(t *testing.T) {
	e := newEnv(t, nil)
	pos := model.Point{Lat: 45.4371, Lng: 12.3358}
	baker := e.Citizen("baker", 0, &pos)
	e.Building("bakery_1", "bakery", &pos, "baker")
	e.Stock("bread", 6, model.BuildingHolder("bakery_1"), "baker")
	e.Stock("flour", 6, model.BuildingHolder("bakery_1"), "baker")
	e.Building("galley_a", "merchant_galley", &pos, "forestieri_merchant")
	e.Contract(model.Contract{ID: "imp-1", Type: model.ContractImport, Seller: "forestieri_merchant", Buyer: "baker", ResourceKind: "flour", UnitPrice: 100, TargetAmount: 10, SellerBuilding: "galley_a"})

	goals, err := e.eng.goalsFor(e.Ctx, baker, e.Now)
	if err != nil {
		t.Fatal(err)
	}
	if len(goals) < 3 {
		t.Fatalf("expected pickup, listing and leisure, got %+v", goals)
	}
	if goals[0].Type != model.ActivityFetchFromGalley || goals[0].ContractID != "imp-1" {
		t.Fatalf("pickup should come first, got %+v", goals[0])
	}
	if goals[1].Type != model.ActivityManagePublicSell || goals[1].ResourceKind != "bread" {
		t.Fatalf("only bread is a product, got %+v", goals[1])
	}

	e.Contract(model.Contract{
		ID:             model.PublicSellContractID("baker", "bakery_1", "bread"),
		Type:           model.ContractPublicSell,
		Seller:         "baker",
		Buyer:          "public",
		ResourceKind:   "bread",
		UnitPrice:      250,
		TargetAmount:   6,
		SellerBuilding: "bakery_1",
	})
	goals, _ = e.eng.goalsFor(e.Ctx, baker, e.Now)
	for _, g := range goals {
		if g.Type == model.ActivityManagePublicSell {
			t.Fatalf("offer is up to date, no relisting expected: %+v", goals)
		}
	}

	evening := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	goals, _ = e.eng.goalsFor(e.Ctx, baker, evening)
	if last := goals[len(goals)-1]; last.Type != model.ActivityPray {
		t.Fatalf("evening leisure for a poor baker is prayer, got %+v", goals)
	}
}

func TestLeaseHeldElsewhereSkipsTick(t *testing.T) {
	l := &fakeLease{}
	e := newEnv(t, func(c *Config) { c.Lease = l })
	pos := model.Point{Lat: 45.4371, Lng: 12.3358}
	e.Citizen("marco", 0, &pos)
	e.Building("parish_church_45.4371_12.3358", "parish_church", &pos, "")

	rep := e.tick(e.Now)
	if !rep.Skipped || len(rep.Scheduled) != 0 {
		t.Fatalf("expected a skipped tick, got %+v", rep)
	}
	if len(e.obs.msgs) != 1 || !e.obs.msgs[0].Skipped {
		t.Fatalf("observers should hear about skipped ticks")
	}

	l.granted = true
	if rep = e.tick(e.Now); rep.Skipped || len(rep.Scheduled) != 1 {
		t.Fatalf("expected a full tick, got %+v", rep)
	}
	if l.released != 1 {
		t.Fatalf("lease should be released once, got %d", l.released)
	}

	l.err = errors.New("redis down")
	if _, err := e.eng.Tick(e.Ctx, e.Now); err == nil {
		t.Fatalf("expected lease error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(e.Ctx)
	cancel()
	err := e.eng.Run(ctx, time.Hour, func() time.Time { return e.Now })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := e.eng.Run(e.Ctx, 0, nil); err == nil {
		t.Fatalf("expected an error for a zero interval")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected missing store error")
	}
	h := simtest.NewHarness(t)
	bad := tuning.Defaults()
	bad.Routine.Timezone = "Mars/Olympus"
	if _, err := New(Config{Store: h.Store, Catalogs: h.Cats, Tuning: bad}); err == nil {
		t.Fatalf("expected timezone error")
	}
}

func TestSnapshotSink(t *testing.T) {
	e := newEnv(t, nil)
	pos := model.Point{Lat: 45.4371, Lng: 12.3358}
	e.Citizen("marco", 0, &pos)

	if _, err := e.eng.RequestSnapshot(e.Ctx); err == nil {
		t.Fatalf("expected an error without a sink")
	}

	ch := make(chan snapshot.SnapshotV1, 4)
	e.eng.SetSnapshotSink(ch, 2)
	e.tick(e.Now)
	if len(ch) != 0 {
		t.Fatalf("tick 1 is not a snapshot tick")
	}
	e.tick(e.Now.Add(time.Minute))
	if len(ch) != 1 {
		t.Fatalf("expected a snapshot on tick 2, have %d", len(ch))
	}
	snap := <-ch
	if snap.Header.Tick != 2 || len(snap.Citizens) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap.Header)
	}

	tick, err := e.eng.RequestSnapshot(e.Ctx)
	if err != nil || tick != 2 {
		t.Fatalf("request snapshot: %d %v", tick, err)
	}
	if snap = <-ch; snap.Header.Tick != 2 {
		t.Fatalf("requested snapshot has tick %d", snap.Header.Tick)
	}
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestTickMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	e := newEnv(t, func(c *Config) { c.Meter = mp.Meter("test") })
	church := model.Point{Lat: 45.4371, Lng: 12.3358}
	e.Citizen("marco", 0, &church)
	e.Building("parish_church_45.4371_12.3358", "parish_church", &church, "")

	e.tick(e.Now)
	e.tick(e.Now.Add(20 * time.Minute))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(e.Ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := sumOf(t, rm, "citysim.ticks"); got != 2 {
		t.Fatalf("expected 2 ticks, got %d", got)
	}
	if got := sumOf(t, rm, "citysim.activities"); got != 1 {
		t.Fatalf("expected 1 processed activity, got %d", got)
	}
	if got := sumOf(t, rm, "citysim.import.convoys"); got != 0 {
		t.Fatalf("no convoys expected, got %d", got)
	}
}
