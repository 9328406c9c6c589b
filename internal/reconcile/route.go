package reconcile

import (
	"math"

	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
)

const (
	earthRadiusMeters = 6371000
	// Routes are downsampled before comparison; raw tracks can carry one
	// point per second and pairwise comparison over those is wasteful.
	maxComparisonPoints = 64
)

// routeOverlap computes the fraction of the sparser route whose points have
// a counterpart within proximity meters on the other route. Returns a value
// in [0,1]; 1 means full spatial overlap.
func routeOverlap(a, b []domain.GeoPoint, proximityMeters float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	sa := simplifyRoute(a, maxComparisonPoints)
	sb := simplifyRoute(b, maxComparisonPoints)
	if len(sa) > len(sb) {
		sa, sb = sb, sa
	}

	matched := 0
	for _, p := range sa {
		for _, q := range sb {
			if haversineMeters(p, q) <= proximityMeters {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(sa))
}

// simplifyRoute downsamples a route to at most limit evenly spaced points,
// always keeping the endpoints.
func simplifyRoute(route []domain.GeoPoint, limit int) []domain.GeoPoint {
	if len(route) <= limit {
		return route
	}
	out := make([]domain.GeoPoint, 0, limit)
	step := float64(len(route)-1) / float64(limit-1)
	for i := 0; i < limit; i++ {
		out = append(out, route[int(math.Round(float64(i)*step))])
	}
	return out
}

// haversineMeters returns the great-circle distance between two points.
func haversineMeters(p, q domain.GeoPoint) float64 {
	lat1 := p.Lat * math.Pi / 180
	lat2 := q.Lat * math.Pi / 180
	dLat := (q.Lat - p.Lat) * math.Pi / 180
	dLon := (q.Lon - p.Lon) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}
