// Package georank orders server candidates by great-circle distance from
// the client.
package georank

import (
	"math"
	"sort"

	"github.com/ooni/minispeed/internal/model"
)

const (
	// earthRadiusMeters is the IUGG mean earth radius.
	earthRadiusMeters = 6371008.8

	// TieEpsilonMeters is added to a distance that collides with one
	// already ranked, once per collision, until the key is unused.
	TieEpsilonMeters = 0.01
)

// Distance returns the haversine distance in meters between two points
// given in decimal degrees.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Rank returns the candidates ordered by ascending distance from client.
// Candidates with unusable coordinates are left out. Distances in the
// result are pairwise distinct.
func Rank(candidates []model.ServerCandidate, client model.ClientLocation) []model.RankedCandidate {
	return rankWith(candidates, func(c model.ServerCandidate) float64 {
		return Distance(client.Latitude, client.Longitude, c.Latitude, c.Longitude)
	})
}

func rankWith(candidates []model.ServerCandidate, distance func(model.ServerCandidate) float64) []model.RankedCandidate {
	ranked := make([]model.RankedCandidate, 0, len(candidates))
	used := make(map[float64]struct{}, len(candidates))
	for _, c := range candidates {
		if !c.HasValidCoordinates() {
			continue
		}
		d := distance(c)
		if math.IsNaN(d) {
			continue
		}
		for {
			if _, taken := used[d]; !taken {
				break
			}
			d += TieEpsilonMeters
		}
		used[d] = struct{}{}
		ranked = append(ranked, model.RankedCandidate{Candidate: c, DistanceMeters: d})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DistanceMeters < ranked[j].DistanceMeters
	})
	return ranked
}
