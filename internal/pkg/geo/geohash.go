// Package geo implements geohash cell codes, the covering-range computation used to turn a
// radius query into a handful of string range scans, and great-circle distance.
//
// Precision determines the cell size:
//
//	1 → ~5000 km    4 → ~39 km     7 → ~153 m x 153 m (≈76 m half-width)
//	2 → ~1250 km    5 → ~5 km      8 → ~19 m
//	3 → ~156 km     6 → ~1.2 km    9 → ~2.4 m
package geo

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidArgument is returned for out-of-range coordinates, radii and malformed codes.
var ErrInvalidArgument = errors.New("invalid argument")

const (
	// CellPrecision is the code length stored on events and subscriptions.
	CellPrecision = 7
	// WatermarkPrecision is the coarse code length used to bucket sync watermarks.
	WatermarkPrecision = 5
	// MaxPrecision is the longest code Encode will produce.
	MaxPrecision = 12

	base32 = "0123456789bcdefghjkmnpqrstuvwxyz"
)

var base32Index [256]int8

func init() {
	for i := range base32Index {
		base32Index[i] = -1
	}
	for i := 0; i < len(base32); i++ {
		base32Index[base32[i]] = int8(i)
	}
}

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Valid reports whether p is a finite coordinate inside [-90, 90] x [-180, 180].
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Encode converts p to a geohash of the given precision. Even bits narrow longitude, odd
// bits narrow latitude; every 5 bits become one base32 character. Precision is clamped to
// [1, MaxPrecision]. Encode does not validate p; use EncodeChecked for untrusted input.
func Encode(p Point, precision int) string {
	precision = min(max(precision, 1), MaxPrecision)

	minLat, maxLat := -90.0, 90.0
	minLon, maxLon := -180.0, 180.0

	var hash strings.Builder
	hash.Grow(precision)
	even := true
	bit, ch := 0, 0
	for hash.Len() < precision {
		if even {
			mid := (minLon + maxLon) / 2
			if p.Lon >= mid {
				ch |= 1 << (4 - bit)
				minLon = mid
			} else {
				maxLon = mid
			}
		} else {
			mid := (minLat + maxLat) / 2
			if p.Lat >= mid {
				ch |= 1 << (4 - bit)
				minLat = mid
			} else {
				maxLat = mid
			}
		}
		even = !even
		bit++
		if bit == 5 {
			hash.WriteByte(base32[ch])
			bit, ch = 0, 0
		}
	}
	return hash.String()
}

// EncodeChecked is Encode with coordinate validation.
func EncodeChecked(p Point, precision int) (string, error) {
	if !p.Valid() {
		return "", fmt.Errorf("point (%v, %v) out of range: %w", p.Lat, p.Lon, ErrInvalidArgument)
	}
	return Encode(p, precision), nil
}

// Box is the rectangle covered by a cell code.
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

func (b Box) Center() Point {
	return Point{Lat: (b.MinLat + b.MaxLat) / 2, Lon: (b.MinLon + b.MaxLon) / 2}
}

// HalfDiagonal is the largest great-circle distance from the box center to a corner.
func (b Box) HalfDiagonal() float64 {
	c := b.Center()
	corners := []Point{
		{Lat: b.MinLat, Lon: b.MinLon}, {Lat: b.MinLat, Lon: b.MaxLon},
		{Lat: b.MaxLat, Lon: b.MinLon}, {Lat: b.MaxLat, Lon: b.MaxLon},
	}
	var d float64
	for _, corner := range corners {
		d = math.Max(d, Distance(c, corner))
	}
	return d
}

// Nearest returns the point of b closest to p. Longitudes are compared around the
// antimeridian.
func (b Box) Nearest(p Point) Point {
	lat := math.Min(math.Max(p.Lat, b.MinLat), b.MaxLat)
	lon := p.Lon
	if lon < b.MinLon || lon > b.MaxLon {
		lon = b.MinLon
		if lonGap(p.Lon, b.MaxLon) < lonGap(p.Lon, b.MinLon) {
			lon = b.MaxLon
		}
	}
	return Point{Lat: lat, Lon: lon}
}

func lonGap(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	return math.Min(d, 360-d)
}

// DecodeBounds replays the bisection encoded in code and returns the cell rectangle.
func DecodeBounds(code string) (Box, error) {
	if code == "" {
		return Box{}, fmt.Errorf("empty cell code: %w", ErrInvalidArgument)
	}
	b := Box{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}
	even := true
	for i := 0; i < len(code); i++ {
		cd := base32Index[code[i]]
		if cd < 0 {
			return Box{}, fmt.Errorf("cell code %q: bad character %q: %w", code, code[i], ErrInvalidArgument)
		}
		for j := 4; j >= 0; j-- {
			on := (cd>>j)&1 == 1
			if even {
				mid := (b.MinLon + b.MaxLon) / 2
				if on {
					b.MinLon = mid
				} else {
					b.MaxLon = mid
				}
			} else {
				mid := (b.MinLat + b.MaxLat) / 2
				if on {
					b.MinLat = mid
				} else {
					b.MaxLat = mid
				}
			}
			even = !even
		}
	}
	return b, nil
}

// CellCenter returns the center point of the cell named by code.
func CellCenter(code string) (Point, error) {
	b, err := DecodeBounds(code)
	if err != nil {
		return Point{}, err
	}
	return b.Center(), nil
}
