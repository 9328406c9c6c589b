package reconcile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
)

func TestRouteOverlapIdenticalRoutes(t *testing.T) {
	route := straightRoute(40.0, -105.0, 50)
	require.Equal(t, 1.0, routeOverlap(route, route, 10))
}

func TestRouteOverlapDisjointRoutes(t *testing.T) {
	a := straightRoute(40.0, -105.0, 50)
	b := straightRoute(41.0, -106.0, 50)
	require.Equal(t, 0.0, routeOverlap(a, b, 10))
}

func TestRouteOverlapToleratesGPSJitter(t *testing.T) {
	a := straightRoute(40.0, -105.0, 50)
	// Shift by roughly 5 meters of latitude; inside the 10m proximity.
	b := make([]domain.GeoPoint, len(a))
	for i, p := range a {
		b[i] = domain.GeoPoint{Lat: p.Lat + 0.000045, Lon: p.Lon}
	}
	require.GreaterOrEqual(t, routeOverlap(a, b, 10), 0.85)
}

func TestRouteOverlapPartial(t *testing.T) {
	// Second route covers only the first half of the first.
	a := straightRoute(40.0, -105.0, 60)
	b := a[:30]
	overlap := routeOverlap(a, b, 10)
	require.Greater(t, overlap, 0.9, "the sparser route is fully covered")

	// Compared the other way, the shared geometry is still the shorter one.
	require.Equal(t, overlap, routeOverlap(b, a, 10))
}

func TestRouteOverlapEmptyRoutes(t *testing.T) {
	require.Equal(t, 0.0, routeOverlap(nil, straightRoute(40, -105, 5), 10))
	require.Equal(t, 0.0, routeOverlap(straightRoute(40, -105, 5), nil, 10))
}

func TestSimplifyRouteKeepsEndpoints(t *testing.T) {
	route := straightRoute(40.0, -105.0, 500)
	simplified := simplifyRoute(route, maxComparisonPoints)
	require.Len(t, simplified, maxComparisonPoints)
	require.Equal(t, route[0], simplified[0])
	require.Equal(t, route[len(route)-1], simplified[len(simplified)-1])
}

func TestHaversineKnownDistance(t *testing.T) {
	// One degree of latitude is roughly 111 km.
	d := haversineMeters(domain.GeoPoint{Lat: 40, Lon: -105}, domain.GeoPoint{Lat: 41, Lon: -105})
	require.InDelta(t, 111195, d, 200)
}
