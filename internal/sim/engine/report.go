package engine

import (
	"fmt"
	"time"

	"citysim.ai/internal/observerproto"
	"citysim.ai/internal/sim/activities"
	"citysim.ai/internal/sim/imports"
	"citysim.ai/internal/sim/model"
)

// Report summarizes one tick. It is written to the tick log as is.
type Report struct {
	Tick    uint64    `json:"tick"`
	Time    time.Time `json:"time"`
	Skipped bool      `json:"skipped,omitempty"`

	Activities []activities.Result `json:"activities,omitempty"`
	Imports    imports.RunReport   `json:"imports"`
	Assigned   []Assignment        `json:"assigned,omitempty"`
	Scheduled  []Scheduled         `json:"scheduled,omitempty"`
	Errors     []string            `json:"errors,omitempty"`
	DurationMS int64               `json:"duration_ms"`
}

type Assignment struct {
	Building string  `json:"building"`
	Operator string  `json:"operator"`
	Score    float64 `json:"score"`
}

type Scheduled struct {
	Citizen    string             `json:"citizen"`
	Goal       model.ActivityType `json:"goal,omitempty"`
	Activities int                `json:"activities,omitempty"`
	Code       string             `json:"code,omitempty"`
	Error      string             `json:"error,omitempty"`
}

func (r *Report) fail(what string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", what, err))
}

// Completed counts activities that completed during the tick.
func (r Report) Completed() int {
	n := 0
	for _, a := range r.Activities {
		if !a.Skipped && a.Status == model.ActivityCompleted {
			n++
		}
	}
	return n
}

// Message converts the report to the observer wire format.
func (r Report) Message() observerproto.TickMsg {
	m := observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Tick:            r.Tick,
		Time:            r.Time,
		Skipped:         r.Skipped,
		Deferred:        r.Imports.Deferred,
		Dropped:         r.Imports.Dropped,
		Errors:          r.Errors,
		DurationMS:      r.DurationMS,
	}
	for _, a := range r.Activities {
		m.Activities = append(m.Activities, observerproto.ActivityResult{
			ActivityID: a.ActivityID,
			Type:       string(a.Type),
			Citizen:    a.Citizen,
			Status:     string(a.Status),
			Code:       a.Code,
			Reason:     a.Reason,
			Next:       a.Next,
		})
	}
	for _, c := range r.Imports.Convoys {
		var cargo float64
		for _, l := range c.Manifest {
			cargo += l.Amount
		}
		m.Convoys = append(m.Convoys, observerproto.Convoy{GalleyID: c.GalleyID, Contracts: c.Contracts, Cargo: cargo})
	}
	for _, a := range r.Assigned {
		m.Assigned = append(m.Assigned, observerproto.Assignment{Building: a.Building, Operator: a.Operator, Score: a.Score})
	}
	for _, s := range r.Scheduled {
		m.Scheduled = append(m.Scheduled, observerproto.Scheduled{Citizen: s.Citizen, Goal: string(s.Goal), Activities: s.Activities, Code: s.Code})
	}
	return m
}
