// Package geo resolves a shipment's current position and ranks recovery
// resources by great-circle distance. Everything here is pure.
package geo

import (
	"math"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// ResolvePosition returns the shipment's current point from its route and progress.
func ResolvePosition(s domain.Shipment) domain.Point {
	return Resolve(s.Route, s.Origin, s.Destination, s.Progress)
}

// Resolve picks the route point at floor(progress/100 * (len-1)) without
// interpolating between points. With an empty route it interpolates linearly
// from origin to destination. Progress is clamped to [0, 100].
func Resolve(route []domain.Point, origin, destination domain.Point, progress float64) domain.Point {
	f := fraction(progress)

	if len(route) > 0 {
		last := len(route) - 1
		idx := int(math.Floor(f * float64(last)))
		if idx > last {
			idx = last
		}
		if idx < 0 {
			idx = 0
		}
		return route[idx]
	}

	// The extremes return the endpoints exactly; a*(1-1)+b*1 is not always b in floating point.
	switch {
	case f <= 0:
		return origin
	case f >= 1:
		return destination
	}
	return domain.Point{
		Lat: origin.Lat + (destination.Lat-origin.Lat)*f,
		Lng: origin.Lng + (destination.Lng-origin.Lng)*f,
	}
}

func fraction(progress float64) float64 {
	if math.IsNaN(progress) || progress <= 0 {
		return 0
	}
	if progress >= 100 {
		return 1
	}
	return progress / 100
}
