package observerproto

import "time"

// Version is the observer stream protocol version.
const Version = "1.0"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeTick      = "TICK"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to change the filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Citizens limits per-citizen entries to these ids. Empty means everyone.
	Citizens []string `json:"citizens,omitempty"`
	// ActivityTypes limits activity results and scheduled goals to these types.
	ActivityTypes []string `json:"activity_types,omitempty"`
}

// Filter is the compiled form of a subscription. A nil *Filter passes everything.
type Filter struct {
	citizens map[string]bool
	types    map[string]bool
}

func NewFilter(sub SubscribeMsg) *Filter {
	if len(sub.Citizens) == 0 && len(sub.ActivityTypes) == 0 {
		return nil
	}
	return &Filter{citizens: set(sub.Citizens), types: set(sub.ActivityTypes)}
}

func set(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func (f *Filter) keep(citizen, typ string) bool {
	if f.citizens != nil && !f.citizens[citizen] {
		return false
	}
	return f.types == nil || f.types[typ]
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string    `json:"protocol_version"`
	Tick            uint64    `json:"tick"`
	Time            time.Time `json:"time"`
	Timezone        string    `json:"timezone"`
	ActivityTypes   []string  `json:"activity_types"`
}

// Server -> Client. Sent after every tick.
type TickMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Tick            uint64    `json:"tick"`
	Time            time.Time `json:"time"`

	// Skipped is set when another process held the tick lease.
	Skipped bool `json:"skipped,omitempty"`

	Activities []ActivityResult `json:"activities,omitempty"`
	Convoys    []Convoy         `json:"convoys,omitempty"`
	Deferred   []string         `json:"deferred,omitempty"`
	Dropped    []string         `json:"dropped,omitempty"`
	Assigned   []Assignment     `json:"assigned,omitempty"`
	Scheduled  []Scheduled      `json:"scheduled,omitempty"`
	Errors     []string         `json:"errors,omitempty"`
	DurationMS int64            `json:"duration_ms"`
}

type ActivityResult struct {
	ActivityID string   `json:"activity_id"`
	Type       string   `json:"type"`
	Citizen    string   `json:"citizen"`
	Status     string   `json:"status"`
	Code       string   `json:"code,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Next       []string `json:"next,omitempty"`
}

type Convoy struct {
	GalleyID  string   `json:"galley_id"`
	Contracts []string `json:"contracts"`
	Cargo     float64  `json:"cargo"`
}

type Assignment struct {
	Building string  `json:"building"`
	Operator string  `json:"operator"`
	Score    float64 `json:"score"`
}

type Scheduled struct {
	Citizen    string `json:"citizen"`
	Goal       string `json:"goal,omitempty"`
	Activities int    `json:"activities,omitempty"`
	Code       string `json:"code,omitempty"`
}

// Only returns a copy of m whose per-citizen entries pass f.
func (m TickMsg) Only(f *Filter) TickMsg {
	if f == nil {
		return m
	}
	out := m
	out.Activities = nil
	for _, a := range m.Activities {
		if f.keep(a.Citizen, a.Type) {
			out.Activities = append(out.Activities, a)
		}
	}
	out.Scheduled = nil
	for _, s := range m.Scheduled {
		if f.keep(s.Citizen, s.Goal) {
			out.Scheduled = append(out.Scheduled, s)
		}
	}
	return out
}
