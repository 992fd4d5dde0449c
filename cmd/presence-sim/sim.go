package main

import (
	"math"
	"math/rand"

	"nerdhub/internal/geofence"
)

const metersPerDegree = 111320.0

// offset moves (lat, lon) by north and east meters.
func offset(lat, lon, north, east float64) (float64, float64) {
	dLat := north / metersPerDegree
	dLon := east / (metersPerDegree * math.Cos(lat*math.Pi/180))
	return lat + dLat, lon + dLon
}

// wander picks a point around a random building. With probability stray
// the point lands outside that building's radius.
func wander(rng *rand.Rand, buildings []geofence.Building, stray float64) (geofence.Building, float64, float64) {
	b := buildings[rng.Intn(len(buildings))]
	dist := rng.Float64() * b.RadiusMeters * 0.9
	if rng.Float64() < stray {
		dist = b.RadiusMeters * (1.5 + rng.Float64())
	}
	angle := rng.Float64() * 2 * math.Pi
	lat, lon := offset(b.Latitude, b.Longitude, dist*math.Cos(angle), dist*math.Sin(angle))
	return b, lat, lon
}

type action int

const (
	actionStay action = iota
	actionMove
	actionLeave
)

// nextAction is the per-tick dice roll for one simulated user.
func nextAction(rng *rand.Rand, moveP, leaveP float64) action {
	roll := rng.Float64()
	switch {
	case roll < leaveP:
		return actionLeave
	case roll < leaveP+moveP:
		return actionMove
	default:
		return actionStay
	}
}
