package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type HolderType string

const (
	HolderCitizen  HolderType = "citizen"
	HolderBuilding HolderType = "building"
)

// Holder identifies who physically holds a resource stack.
type Holder struct {
	Type HolderType `json:"type"`
	ID   string     `json:"id"`
}

func CitizenHolder(id string) Holder  { return Holder{Type: HolderCitizen, ID: id} }
func BuildingHolder(id string) Holder { return Holder{Type: HolderBuilding, ID: id} }

func (h Holder) String() string { return string(h.Type) + ":" + h.ID }

type Citizen struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	SocialClass   string  `json:"social_class"`
	Ducats        Ducats  `json:"ducats"`
	Position      *Point  `json:"position,omitempty"`
	Home          string  `json:"home,omitempty"`
	Workplace     string  `json:"workplace,omitempty"`
	Influence     float64 `json:"influence"`
	DailyIncome   Ducats  `json:"daily_income"`
	DailyTurnover Ducats  `json:"daily_turnover"`
	IsAI          bool    `json:"is_ai"`

	// LastActivity is the last activity whose effects reached this citizen.
	LastActivity string    `json:"last_activity,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (c Citizen) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("citizen: empty id")
	}
	if c.Ducats < 0 {
		return fmt.Errorf("citizen %s: negative balance %s", c.ID, c.Ducats)
	}
	return nil
}

type Building struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"`
	Name            string  `json:"name,omitempty"`
	Category        string  `json:"category,omitempty"`
	Owner           string  `json:"owner,omitempty"`
	RunBy           string  `json:"run_by,omitempty"`
	Position        *Point  `json:"position,omitempty"`
	StorageCapacity float64 `json:"storage_capacity,omitempty"`
	IsConstructed   bool    `json:"is_constructed"`

	CreatedAt time.Time `json:"created_at"`
}

func (b Building) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("building: empty id")
	}
	if strings.TrimSpace(b.Type) == "" {
		return fmt.Errorf("building %s: empty type", b.ID)
	}
	if b.StorageCapacity < 0 {
		return fmt.Errorf("building %s: negative storage capacity", b.ID)
	}
	return nil
}

type ResourceStack struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	HolderType HolderType `json:"holder_type"`
	HolderID   string     `json:"holder_id"`
	Owner      string     `json:"owner"`
	Amount     float64    `json:"amount"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (r ResourceStack) Holder() Holder { return Holder{Type: r.HolderType, ID: r.HolderID} }

func (r ResourceStack) Validate() error {
	if r.Kind == "" || r.HolderID == "" {
		return fmt.Errorf("resource %s: missing kind or holder", r.ID)
	}
	if r.HolderType != HolderCitizen && r.HolderType != HolderBuilding {
		return fmt.Errorf("resource %s: bad holder type %q", r.ID, r.HolderType)
	}
	if r.Amount < 0 {
		return fmt.Errorf("resource %s: negative amount", r.ID)
	}
	return nil
}

// StackID is deterministic so that (kind, holder, owner) maps to exactly one stack.
func StackID(kind string, h Holder, owner string) string {
	return fmt.Sprintf("resource-%s-%s-%s-%s", h.Type, h.ID, owner, kind)
}

type Transaction struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	AssetKind string    `json:"asset_kind"`
	Asset     string    `json:"asset"`
	Seller    string    `json:"seller"`
	Buyer     string    `json:"buyer"`
	Price     Ducats    `json:"price"`
	Amount    float64   `json:"amount,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Notification struct {
	ID        string    `json:"id"`
	Citizen   string    `json:"citizen"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Relationship struct {
	ID         string    `json:"id"`
	Citizen1   string    `json:"citizen1"`
	Citizen2   string    `json:"citizen2"`
	TrustScore float64   `json:"trust_score"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RelationshipID is independent of argument order.
func RelationshipID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return "relationship-" + ids[0] + "-" + ids[1]
}
