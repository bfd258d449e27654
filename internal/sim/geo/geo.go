package geo

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"citysim.ai/internal/sim/model"
)

const earthRadiusM = 6371000.0

// DefaultArrivalThreshold is the distance under which no travel leg is needed.
const DefaultArrivalThreshold = 20.0

// Distance is the haversine distance in metres.
func Distance(a, b model.Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

func Within(a, b model.Point, threshold float64) bool {
	return Distance(a, b) <= threshold
}

// ParsePoint accepts "lat_lng", "lat,lng" or an id whose last two "_" fields are
// coordinates (e.g. "building_45.4371_12.3358").
func ParsePoint(s string) (model.Point, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.Point{}, false
	}
	var parts []string
	if strings.Contains(s, ",") {
		parts = strings.Split(s, ",")
	} else {
		parts = strings.Split(s, "_")
	}
	if len(parts) < 2 {
		return model.Point{}, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[len(parts)-2]), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[len(parts)-1]), 64)
	if err1 != nil || err2 != nil {
		return model.Point{}, false
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return model.Point{}, false
	}
	return model.Point{Lat: lat, Lng: lng}, true
}

// BuildingPosition prefers the stored position and falls back to the id.
func BuildingPosition(b model.Building) (model.Point, bool) {
	if b.Position != nil {
		return *b.Position, true
	}
	return ParsePoint(b.ID)
}

type Candidate struct {
	ID       string
	Position model.Point
	Score    float64
}

// Nearest picks the closest candidate; ties go to the higher score, then the smaller id.
func Nearest(origin model.Point, cands []Candidate) (Candidate, float64, bool) {
	if len(cands) == 0 {
		return Candidate{}, 0, false
	}
	type ranked struct {
		c    Candidate
		dist float64
	}
	rs := make([]ranked, 0, len(cands))
	for _, c := range cands {
		rs = append(rs, ranked{c: c, dist: Distance(origin, c.Position)})
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].dist != rs[j].dist {
			return rs[i].dist < rs[j].dist
		}
		if rs[i].c.Score != rs[j].c.Score {
			return rs[i].c.Score > rs[j].c.Score
		}
		return rs[i].c.ID < rs[j].c.ID
	})
	return rs[0].c, rs[0].dist, true
}
