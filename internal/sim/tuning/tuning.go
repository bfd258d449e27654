package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ArrivalThresholdM     float64 `yaml:"arrival_threshold_m"`
	FallbackTravelMinutes int     `yaml:"fallback_travel_minutes"`

	Durations Durations `yaml:"durations"`
	Imports   Imports   `yaml:"imports"`
	Routine   Routine   `yaml:"routine"`
	Scoring   Scoring   `yaml:"scoring"`

	Pathfinding Service `yaml:"pathfinding"`
	LLM         Service `yaml:"llm"`
	CatalogAPI  Service `yaml:"catalog_api"`
}

type Durations struct {
	PrayMinutes           int `yaml:"pray_minutes"`
	TheaterMinutes        int `yaml:"theater_minutes"`
	RestMinutes           int `yaml:"rest_minutes"`
	ProductionMinutes     int `yaml:"production_minutes"`
	FetchMinutes          int `yaml:"fetch_minutes"`
	DeliverMinutes        int `yaml:"deliver_minutes"`
	SocialMinutes         int `yaml:"social_minutes"`
	ManageSellMinutes     int `yaml:"manage_sell_minutes"`
	PurchaseMinutes       int `yaml:"purchase_minutes"`
	ConvoyVoyageMinutes   int `yaml:"convoy_voyage_minutes"`
	PublicSellValidDays   int `yaml:"public_sell_valid_days"`
	TheaterInfluenceGain  int `yaml:"theater_influence_gain"`
	PrayerInfluenceGain   int `yaml:"prayer_influence_gain"`
	SocialTrustGainPoints int `yaml:"social_trust_gain_points"`
}

type Imports struct {
	ConvoyCapacity float64 `yaml:"convoy_capacity"`

	// MaxDefers is how many passes an unaffordable contract may be deferred per run
	// before it is dropped for the rest of that run.
	MaxDefers     int     `yaml:"max_defers"`
	MaxConvoys    int     `yaml:"max_convoys_per_run"`
	DockLat       float64 `yaml:"dock_lat"`
	DockLng       float64 `yaml:"dock_lng"`
	MerchantID    string  `yaml:"merchant_id"`
	GalleyType    string  `yaml:"galley_type"`
	GalleyPrefix  string  `yaml:"galley_prefix"`
	ContractHours int     `yaml:"contract_hours"`
}

type Routine struct {
	NightStartHour int    `yaml:"night_start_hour"`
	NightEndHour   int    `yaml:"night_end_hour"`
	WorkStartHour  int    `yaml:"work_start_hour"`
	WorkEndHour    int    `yaml:"work_end_hour"`
	Timezone       string `yaml:"timezone"`
}

type Scoring struct {
	UnknownDistancePenalty float64            `yaml:"unknown_distance_penalty"`
	OwnerBias              float64            `yaml:"owner_bias"`
	SocialTiers            map[string]float64 `yaml:"social_tiers"`
}

type Service struct {
	URL          string  `yaml:"url"`
	Model        string  `yaml:"model,omitempty"`
	TimeoutMS    int     `yaml:"timeout_ms"`
	RatePerSec   float64 `yaml:"rate_per_sec"`
	Burst        int     `yaml:"burst"`
	AllowMissing bool    `yaml:"allow_missing,omitempty"`
}

func (s Service) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

func (t Tuning) FallbackTravel() time.Duration {
	return time.Duration(t.FallbackTravelMinutes) * time.Minute
}

func Defaults() Tuning {
	return Tuning{
		ArrivalThresholdM:     20,
		FallbackTravelMinutes: 30,
		Durations: Durations{
			PrayMinutes:           20,
			TheaterMinutes:        120,
			RestMinutes:           360,
			ProductionMinutes:     60,
			FetchMinutes:          10,
			DeliverMinutes:        10,
			SocialMinutes:         30,
			ManageSellMinutes:     15,
			PurchaseMinutes:       30,
			ConvoyVoyageMinutes:   60,
			PublicSellValidDays:   7,
			TheaterInfluenceGain:  2,
			PrayerInfluenceGain:   1,
			SocialTrustGainPoints: 1,
		},
		Imports: Imports{
			ConvoyCapacity: 1000,
			MaxDefers:      1,
			MaxConvoys:     5,
			DockLat:        45.4300,
			DockLng:        12.3500,
			MerchantID:     "forestieri_merchant",
			GalleyType:     "merchant_galley",
			GalleyPrefix:   "galley",
			ContractHours:  24,
		},
		Routine: Routine{
			NightStartHour: 22,
			NightEndHour:   6,
			WorkStartHour:  8,
			WorkEndHour:    18,
			Timezone:       "UTC",
		},
		Scoring: Scoring{
			UnknownDistancePenalty: 20000,
			OwnerBias:              1.5,
			SocialTiers: map[string]float64{
				"Nobili":     1.4,
				"Cittadini":  1.2,
				"Popolani":   1.0,
				"Facchini":   0.8,
				"Forestieri": 0.9,
			},
		},
		Pathfinding: Service{TimeoutMS: 10000, RatePerSec: 5, Burst: 5},
		LLM:         Service{TimeoutMS: 60000, RatePerSec: 1, Burst: 2},
		CatalogAPI:  Service{TimeoutMS: 15000},
	}
}

// Load reads tuning.yaml over Defaults so that omitted keys keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.ArrivalThresholdM < 0 {
		return fmt.Errorf("arrival_threshold_m must be >= 0")
	}
	if t.FallbackTravelMinutes < 0 {
		return fmt.Errorf("fallback_travel_minutes must be >= 0")
	}
	if t.Imports.ConvoyCapacity <= 0 {
		return fmt.Errorf("imports.convoy_capacity must be > 0")
	}
	if t.Imports.MaxDefers < 0 {
		return fmt.Errorf("imports.max_defers must be >= 0")
	}
	for _, h := range []int{t.Routine.NightStartHour, t.Routine.NightEndHour, t.Routine.WorkStartHour, t.Routine.WorkEndHour} {
		if h < 0 || h > 23 {
			return fmt.Errorf("routine hours must be within 0..23")
		}
	}
	if _, err := time.LoadLocation(t.Routine.Timezone); err != nil {
		return fmt.Errorf("routine.timezone: %w", err)
	}
	return nil
}
