package geo

import (
	"math"
	"sort"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// EarthRadiusMiles is the mean Earth radius used by Haversine.
const EarthRadiusMiles = 3958.8

// DefaultTopN is the number of candidates a discovery run reveals.
const DefaultTopN = 3

// Haversine returns the great-circle distance between a and b in miles.
func Haversine(a, b domain.Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMiles * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Rank computes the distance from pos to every resource, sorts ascending with
// ties kept in input order, and returns the nearest topN annotated with ranks
// starting at 1. The input slice is not modified.
func Rank(pos domain.Point, resources []domain.Resource, topN int) []domain.Candidate {
	if topN <= 0 || len(resources) == 0 {
		return []domain.Candidate{}
	}

	all := make([]domain.Candidate, len(resources))
	for i, r := range resources {
		all[i] = domain.Candidate{
			Resource:      r,
			DistanceMiles: Haversine(pos, r.Location),
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].DistanceMiles < all[j].DistanceMiles
	})

	if len(all) > topN {
		all = all[:topN]
	}
	for i := range all {
		all[i].Rank = i + 1
	}
	return all
}
