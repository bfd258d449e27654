package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/sim/model"
	"citysim.ai/internal/sim/simtest"
)

func TestCaptureWriteReadRestore(t *testing.T) {
	h := simtest.NewHarness(t)
	pos := model.Point{Lat: 45.4371, Lng: 12.3358}
	h.Citizen("marco", model.DucatsFromFloat(120), &pos)
	h.Building("bakery_1", "bakery", &pos, "marco")
	h.Stock("bread", 4, model.BuildingHolder("bakery_1"), "marco")
	h.Contract(model.Contract{ID: "k1", Type: model.ContractPublicSell, Seller: "marco", Buyer: "public", ResourceKind: "bread", UnitPrice: 250, TargetAmount: 4, SellerBuilding: "bakery_1"})
	if err := h.Store.CreateTransaction(h.Ctx, model.Transaction{ID: "tx1", Type: "public_sell", Seller: "marco", Buyer: "anna", Price: 500, Timestamp: h.Now}); err != nil {
		t.Fatal(err)
	}

	snap, err := Capture(h.Ctx, h.Store, 42, h.Now)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if snap.Records() != 5 {
		t.Fatalf("expected 5 records, got %d", snap.Records())
	}

	path := filepath.Join(t.TempDir(), "snapshots", FileName(42))
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	hdr, err := ReadHeader(path)
	if err != nil || hdr.Tick != 42 || hdr.Version != Version {
		t.Fatalf("header %+v %v", hdr, err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Records() != 5 || got.Citizens[0].Ducats != model.DucatsFromFloat(120) {
		t.Fatalf("unexpected snapshot %+v", got)
	}

	dst, err := recordstore.OpenSQLite(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()
	if err := Restore(h.Ctx, dst, got); err != nil {
		t.Fatalf("restore: %v", err)
	}
	// Restoring twice must not trip over the immutable transaction rows.
	if err := Restore(h.Ctx, dst, got); err != nil {
		t.Fatalf("second restore: %v", err)
	}
	again, err := Capture(h.Ctx, dst, 42, h.Now)
	if err != nil {
		t.Fatal(err)
	}
	if again.Records() != 5 || again.Resources[0].Amount != 4 || again.Contracts[0].Status != model.ContractActive {
		t.Fatalf("restored store differs: %+v", again)
	}
}

func TestReadSeedFillsDerivedIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	seed := `
citizens:
  - id: marco
    name: Marco Polo
    social_class: Popolani
    ducats: 12000
    is_ai: true
    position: {lat: 45.4371, lng: 12.3358}
buildings:
  - id: parish_church_1
    type: parish_church
    category: religious
    is_constructed: true
    position: {lat: 45.4372, lng: 12.3359}
resources:
  - kind: bread
    holder_type: citizen
    holder_id: marco
    owner: marco
    amount: 2
contracts:
  - id: k1
    type: public_sell
    seller: marco
    buyer: public
    resource_kind: bread
    unit_price: 250
    target_amount: 2
relationships:
  - citizen1: marco
    citizen2: anna
    trust_score: 10
`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}
	snap, err := ReadSeed(path)
	if err != nil {
		t.Fatalf("read seed: %v", err)
	}
	if len(snap.Citizens) != 1 || snap.Citizens[0].SocialClass != "Popolani" || snap.Citizens[0].Ducats != 12000 || !snap.Citizens[0].IsAI {
		t.Fatalf("unexpected citizens %+v", snap.Citizens)
	}

	h := simtest.NewHarness(t)
	if err := Restore(h.Ctx, h.Store, snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := h.Amount("bread", model.CitizenHolder("marco")); got != 2 {
		t.Fatalf("expected 2 bread, got %v", got)
	}
	if c := h.GetContract("k1"); c.Status != model.ContractActive {
		t.Fatalf("seeded contracts default to active, got %q", c.Status)
	}
	if _, err := h.Store.GetRelationship(h.Ctx, model.RelationshipID("anna", "marco")); err != nil {
		t.Fatalf("relationship id not derived: %v", err)
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if Latest(dir) != "" {
		t.Fatalf("empty dir has no latest snapshot")
	}
	for _, tick := range []uint64{9, 120, 33} {
		if err := os.WriteFile(filepath.Join(dir, FileName(tick)), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got := filepath.Base(Latest(dir)); got != FileName(120) {
		t.Fatalf("expected tick 120, got %s", got)
	}
}
