package model

import (
	"fmt"
	"time"
)

type ActivityType string

const (
	ActivityGoto             ActivityType = "goto_location"
	ActivityPray             ActivityType = "pray"
	ActivityAttendTheater    ActivityType = "attend_theater"
	ActivityRest             ActivityType = "rest"
	ActivityProduction       ActivityType = "production"
	ActivityFetchResource    ActivityType = "fetch_resource"
	ActivityDeliverBatch     ActivityType = "deliver_resource_batch"
	ActivityFetchFromGalley  ActivityType = "fetch_from_galley"
	ActivityManagePublicSell ActivityType = "manage_public_sell"
	ActivitySpreadRumor      ActivityType = "spread_rumor"
	ActivityBuyBuilding      ActivityType = "finalize_building_purchase"
	ActivityDeliverConvoy    ActivityType = "deliver_import_convoy"
)

type ActivityStatus string

const (
	ActivityCreated   ActivityStatus = "created"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
)

type ResourceLine struct {
	Kind   string  `json:"kind"`
	Amount float64 `json:"amount"`
	Owner  string  `json:"owner,omitempty"`
}

// Goal parametrizes a chain. As an Activity continuation it is the NextStep:
// a nil *Goal means there is no follow-up.
type Goal struct {
	Type           ActivityType   `json:"type"`
	TargetBuilding string         `json:"target_building,omitempty"`
	TargetCitizen  string         `json:"target_citizen,omitempty"`
	FromBuilding   string         `json:"from_building,omitempty"`
	ContractID     string         `json:"contract_id,omitempty"`
	ResourceKind   string         `json:"resource_kind,omitempty"`
	Amount         float64        `json:"amount,omitempty"`
	Resources      []ResourceLine `json:"resources,omitempty"`
	Price          Ducats         `json:"price,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Then           *Goal          `json:"then,omitempty"`
}

type Activity struct {
	ID           string         `json:"id"`
	Type         ActivityType   `json:"type"`
	Citizen      string         `json:"citizen"`
	FromBuilding string         `json:"from_building,omitempty"`
	ToBuilding   string         `json:"to_building,omitempty"`
	FromPosition *Point         `json:"from_position,omitempty"`
	ToPosition   *Point         `json:"to_position,omitempty"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	Status       ActivityStatus `json:"status"`
	Continuation *Goal          `json:"continuation,omitempty"`
	Path         []Point        `json:"path,omitempty"`
	Resources    []ResourceLine `json:"resources,omitempty"`
	ContractID   string         `json:"contract_id,omitempty"`
	TargetID     string         `json:"target_id,omitempty"`
	Price        Ducats         `json:"price,omitempty"`
	TrustDelta   float64        `json:"trust_delta,omitempty"`
	Notes        string         `json:"notes,omitempty"`

	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ProcessedAt   time.Time `json:"processed_at,omitempty"`
}

func (a Activity) Validate() error {
	if a.ID == "" || a.Type == "" || a.Citizen == "" {
		return fmt.Errorf("activity: missing id, type or citizen")
	}
	if a.EndTime.Before(a.StartTime) {
		return fmt.Errorf("activity %s: end %s before start %s", a.ID, a.EndTime.Format(time.RFC3339), a.StartTime.Format(time.RFC3339))
	}
	switch a.Status {
	case ActivityCreated, ActivityCompleted, ActivityFailed:
	default:
		return fmt.Errorf("activity %s: bad status %q", a.ID, a.Status)
	}
	return nil
}

// Due reports whether the executor may process the activity at now.
func (a Activity) Due(now time.Time) bool {
	return a.Status == ActivityCreated && !now.Before(a.EndTime)
}

func (a Activity) Duration() time.Duration { return a.EndTime.Sub(a.StartTime) }

// ChainContiguous reports whether every activity starts when the previous one ends.
func ChainContiguous(chain []Activity) bool {
	for i := 1; i < len(chain); i++ {
		if !chain[i].StartTime.Equal(chain[i-1].EndTime) {
			return false
		}
	}
	return true
}
