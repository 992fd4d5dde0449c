package geofence

import (
	"errors"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used for all distance math.
const EarthRadiusMeters = 6371000.0

// ErrNoBuildings is returned when Resolve is asked to pick from an empty list.
var ErrNoBuildings = errors.New("no buildings to resolve against")

// ErrInvalidCoordinate is returned for NaN or out-of-range latitude/longitude.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Resolution is the outcome of placing a coordinate against the building list.
// Nearest is always set; InsideAnyRadius says whether any geofence (not
// necessarily Nearest's) contains the point.
type Resolution struct {
	Nearest         Building `json:"nearest"`
	DistanceMeters  float64  `json:"distance_meters"`
	Distance        int64    `json:"distance"`
	InsideAnyRadius bool     `json:"inside_any_radius"`
}

// Resolve finds the nearest building to (lat, lon) with a single linear scan.
// Ties keep the earliest building in the list.
func Resolve(lat, lon float64, buildings []Building) (Resolution, error) {
	if len(buildings) == 0 {
		return Resolution{}, ErrNoBuildings
	}
	if !ValidCoordinate(lat, lon) {
		return Resolution{}, ErrInvalidCoordinate
	}
	var (
		res     Resolution
		nearest = 0
		best    = Haversine(lat, lon, buildings[0].Latitude, buildings[0].Longitude)
	)
	for i, b := range buildings {
		d := Haversine(lat, lon, b.Latitude, b.Longitude)
		if i > 0 && d < best {
			best = d
			nearest = i
		}
		if d <= b.RadiusMeters {
			res.InsideAnyRadius = true
		}
	}
	res.Nearest = buildings[nearest]
	res.DistanceMeters = best
	res.Distance = int64(math.Round(best))
	return res, nil
}

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := lat1*math.Pi/180, lat2*math.Pi/180
	dPhi, dLambda := (lat2-lat1)*math.Pi/180, (lon2-lon1)*math.Pi/180
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// rounding near the antipode can push a just past 1
	a = math.Min(1, math.Max(0, a))
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// ValidCoordinate reports whether lat/lon are finite and within WGS84 bounds.
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
