package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"citysim.ai/internal/persistence/snapshot"
	"citysim.ai/internal/sim/model"
)

func TestArchiveDaySnapshot_KeepsFirstSnapshotOfDay(t *testing.T) {
	dataDir := t.TempDir()
	venice := time.FixedZone("CEST", 2*60*60)

	write := func(tick uint64) string {
		p := filepath.Join(dataDir, "snapshots", snapshot.FileName(tick))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir snapshots: %v", err)
		}
		if err := os.WriteFile(p, []byte("dummy"), 0o644); err != nil {
			t.Fatalf("write src: %v", err)
		}
		return p
	}

	// 23:30 UTC on May 1st is already May 2nd in Venice.
	at := time.Date(2026, 5, 1, 23, 30, 0, 0, time.UTC)
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, Tick: 60, TakenAt: at},
		Citizens: []model.Citizen{
			{ID: "marco", Ducats: 12000},
			{ID: "anna", Ducats: 500},
		},
		Contracts: []model.Contract{
			{ID: "k1", Type: model.ContractPublicSell, Status: model.ContractActive},
			{ID: "k2", Type: model.ContractPublicSell, Status: model.ContractCompleted},
		},
	}

	day, archivedPath, ok, err := ArchiveDaySnapshot(dataDir, write(60), snap, venice)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !ok || day != "2026-05-02" {
		t.Fatalf("expected archive for 2026-05-02, got day=%s ok=%v", day, ok)
	}
	got, err := os.ReadFile(archivedPath)
	if err != nil || string(got) != "dummy" {
		t.Fatalf("archived content mismatch: %q %v", got, err)
	}

	b, err := os.ReadFile(filepath.Join(filepath.Dir(archivedPath), "meta.json"))
	if err != nil {
		t.Fatalf("expected meta.json to exist: %v", err)
	}
	var meta DayArchiveMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Tick != 60 || meta.Citizens != 2 || meta.Contracts != 1 || meta.TotalDucats != 12500 {
		t.Fatalf("unexpected meta %+v", meta)
	}

	snap.Header.Tick = 120
	snap.Header.TakenAt = at.Add(time.Hour)
	if _, _, ok, err := ArchiveDaySnapshot(dataDir, write(120), snap, venice); err != nil || ok {
		t.Fatalf("second snapshot of the day must not be archived: ok=%v err=%v", ok, err)
	}
}

func TestArchiveDaySnapshot_IgnoresUntimedSnapshots(t *testing.T) {
	_, _, ok, err := ArchiveDaySnapshot(t.TempDir(), "missing.snap.zst", snapshot.SnapshotV1{}, nil)
	if err != nil || ok {
		t.Fatalf("expected no-op, got ok=%v err=%v", ok, err)
	}
}
