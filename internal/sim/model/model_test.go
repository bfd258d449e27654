package model

import (
	"testing"
	"time"
)

func TestDucatsString(t *testing.T) {
	if got := DucatsFromFloat(12.5).String(); got != "12.50" {
		t.Fatalf("expected 12.50, got %s", got)
	}
	if got := Ducats(-5).String(); got != "-0.05" {
		t.Fatalf("expected -0.05, got %s", got)
	}
}

func TestCostRounds(t *testing.T) {
	if got := Cost(DucatsFromFloat(1.25), 3); got != DucatsFromFloat(3.75) {
		t.Fatalf("expected 3.75, got %s", got)
	}
	if got := Cost(100, -1); got != 0 {
		t.Fatalf("expected zero for negative amount, got %s", got)
	}
}

func TestContractEffective(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Contract{ID: "c1", Type: ContractImport, Status: ContractActive, ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(time.Hour)}
	if !c.Effective(now) {
		t.Fatalf("expected effective inside window")
	}
	if c.Effective(now.Add(time.Hour)) {
		t.Fatalf("expected not effective at window end")
	}
	c.Status = ContractCompleted
	if c.Effective(now) {
		t.Fatalf("completed contract must not be effective")
	}
}

func TestActivityDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := Activity{ID: "a1", Type: ActivityPray, Citizen: "c", StartTime: now.Add(-time.Hour), EndTime: now, Status: ActivityCreated}
	if !a.Due(now) {
		t.Fatalf("expected due at end time")
	}
	if a.Due(now.Add(-time.Second)) {
		t.Fatalf("expected not due before end time")
	}
	a.Status = ActivityCompleted
	if a.Due(now) {
		t.Fatalf("completed activity is never due")
	}
}

func TestActivityValidateRejectsInvertedWindow(t *testing.T) {
	now := time.Now()
	a := Activity{ID: "a1", Type: ActivityRest, Citizen: "c", StartTime: now, EndTime: now.Add(-time.Minute), Status: ActivityCreated}
	if err := a.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRelationshipIDOrderIndependent(t *testing.T) {
	if RelationshipID("b", "a") != RelationshipID("a", "b") {
		t.Fatalf("relationship id depends on order")
	}
}

func TestPublicSellContractID(t *testing.T) {
	got := PublicSellContractID("marco", "bld-1", "wine")
	if got != "contract-public-sell-marco-bld-1-wine" {
		t.Fatalf("unexpected id %s", got)
	}
}
