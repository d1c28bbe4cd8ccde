package airports

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

// Airport is one OurAirports record. DistanceKm is only set on search results.
type Airport struct {
	Ident        string  `json:"ident"`
	Type         string  `json:"type"`
	Name         string  `json:"name"`
	LatitudeDeg  float64 `json:"latitude_deg"`
	LongitudeDeg float64 `json:"longitude_deg"`
	ElevationFt  *int    `json:"elevation_ft,omitempty"`
	Municipality string  `json:"municipality,omitempty"`
	ISOCountry   string  `json:"iso_country,omitempty"`
	DistanceKm   float64 `json:"distance_km"`
}

// Index is an immutable airport set, safe for concurrent reads.
type Index struct {
	airports []Airport
}

func New(list []Airport) *Index {
	return &Index{airports: append([]Airport(nil), list...)}
}

// Load reads a JSON array of airports.
func Load(path string) (*Index, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []Airport
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return New(list), nil
}

func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.airports)
}

// FindClosest returns every airport within radiusKm of (lat, lon), nearest
// first. The result is never nil.
func (x *Index) FindClosest(lat, lon, radiusKm float64) []Airport {
	out := []Airport{}
	if x == nil || radiusKm < 0 || math.IsNaN(radiusKm) {
		return out
	}
	for _, a := range x.airports {
		d := DistanceKm(lat, lon, a.LatitudeDeg, a.LongitudeDeg)
		if d <= radiusKm {
			a.DistanceKm = d
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceKm < out[j].DistanceKm
	})
	return out
}

// DistanceKm is the great-circle (haversine) distance in kilometers.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	lat1Rad := lat1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	dLat := lat2Rad - lat1Rad
	dLon := (lon2 - lon1) * math.Pi / 180.0

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
