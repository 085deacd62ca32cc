package geo

import "math"

const (
	// EarthRadiusMeters is the mean Earth radius used by every distance computation.
	EarthRadiusMeters = 6_371_000.0
	metersPerMile     = 1609.34
)

// Distance returns the haversine great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	h = math.Min(1, h)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// WithinRadius reports whether candidate lies on or inside the disc around center.
func WithinRadius(center, candidate Point, radiusMeters float64) bool {
	return Distance(center, candidate) <= radiusMeters
}

// CellWithinRadius reports whether any part of the cell named by code lies on or inside
// the disc around center.
func CellWithinRadius(center Point, code string, radiusMeters float64) bool {
	b, err := DecodeBounds(code)
	if err != nil {
		return false
	}
	return WithinRadius(center, b.Nearest(center), radiusMeters)
}

func MilesToMeters(miles float64) float64 { return miles * metersPerMile }

func MetersToMiles(meters float64) float64 { return meters / metersPerMile }
