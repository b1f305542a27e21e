package domain

import (
	"math"
	"sort"
)

const earthRadiusKm = 6371.0

// Origin is where the requester is, when known.
type Origin struct {
	Latitude  *float64
	Longitude *float64
}

// Known reports whether both coordinates are set.
func (o Origin) Known() bool {
	return o.Latitude != nil && o.Longitude != nil
}

type candidate struct {
	expert     Expert
	distanceKm float64
	hasDist    bool
}

// Rank orders experts by rating descending, then distance ascending with
// unknown distances last, then priority-listed first, then id.
func Rank(experts []Expert, origin Origin) []Expert {
	cands := make([]candidate, len(experts))
	for i, e := range experts {
		cands[i] = candidate{expert: e}
		if origin.Known() && e.Latitude != nil && e.Longitude != nil {
			cands[i].distanceKm = haversineKm(*origin.Latitude, *origin.Longitude, *e.Latitude, *e.Longitude)
			cands[i].hasDist = true
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.expert.Rating != b.expert.Rating {
			return a.expert.Rating > b.expert.Rating
		}
		if a.hasDist != b.hasDist {
			return a.hasDist
		}
		if a.hasDist && a.distanceKm != b.distanceKm {
			return a.distanceKm < b.distanceKm
		}
		if a.expert.IsPriority != b.expert.IsPriority {
			return a.expert.IsPriority
		}
		return a.expert.ID.String() < b.expert.ID.String()
	})

	out := make([]Expert, len(cands))
	for i, c := range cands {
		out[i] = c.expert
	}
	return out
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
