package geo

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name      string
		p         Point
		precision int
		want      string
	}{
		{name: "San Francisco", p: Point{Lat: 37.7749, Lon: -122.4194}, precision: 6, want: "9q8yyk"},
		{name: "New York", p: Point{Lat: 40.7128, Lon: -74.0060}, precision: 6, want: "dr5reg"},
		{name: "London", p: Point{Lat: 51.5074, Lon: -0.1278}, precision: 6, want: "gcpvj0"},
		{name: "precision clamped up", p: Point{Lat: 37.7749, Lon: -122.4194}, precision: 0, want: "9"},
		{name: "origin", p: Point{}, precision: 3, want: "s00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Encode(tt.p, tt.precision))
		})
	}
}

func TestEncode_PrecisionClampedDown(t *testing.T) {
	assert.Len(t, Encode(Point{Lat: 1, Lon: 1}, 40), MaxPrecision)
}

func TestEncode_PrefixNesting(t *testing.T) {
	p := Point{Lat: 34.0522, Lon: -118.2437}
	full := Encode(p, CellPrecision)
	assert.Equal(t, full[:WatermarkPrecision], Encode(p, WatermarkPrecision))
}

func TestEncodeChecked_RejectsOutOfRange(t *testing.T) {
	for _, p := range []Point{
		{Lat: 91, Lon: 0},
		{Lat: 0, Lon: -181},
		{Lat: math.NaN(), Lon: 0},
		{Lat: 0, Lon: math.Inf(1)},
	} {
		_, err := EncodeChecked(p, CellPrecision)
		assert.ErrorIs(t, err, ErrInvalidArgument, "point %+v", p)
	}
}

func TestDecodeBounds(t *testing.T) {
	b, err := DecodeBounds("9q8yyk")
	require.NoError(t, err)

	assert.InDelta(t, 37.7749, b.Center().Lat, 0.01)
	assert.InDelta(t, -122.4194, b.Center().Lon, 0.01)
	assert.Less(t, b.MinLat, b.MaxLat)
	assert.Less(t, b.MinLon, b.MaxLon)
	assert.Equal(t, "9q8yyk", Encode(b.Center(), 6))
}

func TestDecodeBounds_BadCode(t *testing.T) {
	_, err := DecodeBounds("")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = DecodeBounds("9qa")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBox_HalfDiagonal(t *testing.T) {
	b, err := DecodeBounds(Encode(Point{Lat: 40.7128, Lon: -74.0060}, CellPrecision))
	require.NoError(t, err)

	// a precision 7 cell is roughly 153 m x 153 m at the equator, narrower at 40N
	d := b.HalfDiagonal()
	assert.Greater(t, d, 50.0)
	assert.Less(t, d, 110.0)
}

func TestCellRange(t *testing.T) {
	tests := []struct {
		code string
		bits int
		want Range
	}{
		{code: "9q8yyk", bits: 30, want: Range{Start: "9q8yyk", End: "9q8yym"}},
		{code: "9q8yyk", bits: 28, want: Range{Start: "9q8yyh", End: "9q8yyn"}},
		{code: "9q8yyz", bits: 30, want: Range{Start: "9q8yyz", End: "9q8yy~"}},
		{code: "9", bits: 1, want: Range{Start: "0", End: "h"}},
		{code: "s", bits: 1, want: Range{Start: "h", End: "~"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cellRange(tt.code, tt.bits), "%s/%d", tt.code, tt.bits)
	}
}

func TestCoalesce(t *testing.T) {
	got := coalesce([]Range{
		{Start: "c", End: "d"},
		{Start: "a", End: "b"},
		{Start: "b", End: "c"},
		{Start: "a", End: "b"},
		{Start: "x", End: "z"},
	})
	assert.Equal(t, []Range{{Start: "a", End: "d"}, {Start: "x", End: "z"}}, got)
}

func TestRange_Contains(t *testing.T) {
	r := Range{Start: "9q8yyh", End: "9q8yyn"}
	assert.True(t, r.Contains("9q8yyh0"))
	assert.True(t, r.Contains("9q8yymz"))
	assert.False(t, r.Contains("9q8yyn0"))
	assert.False(t, r.Contains("9q8yyg"))
	assert.True(t, WorldRange.Contains("zzzzzzz"))
}

func TestQueryBounds_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		center Point
		radius float64
	}{
		{name: "zero radius", center: Point{Lat: 10, Lon: 10}, radius: 0},
		{name: "negative radius", center: Point{Lat: 10, Lon: 10}, radius: -5},
		{name: "NaN radius", center: Point{Lat: 10, Lon: 10}, radius: math.NaN()},
		{name: "latitude out of range", center: Point{Lat: 95, Lon: 10}, radius: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := QueryBounds(tt.center, tt.radius)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestQueryBounds_Shape(t *testing.T) {
	ranges, err := QueryBounds(Point{Lat: 37.7749, Lon: -122.4194}, 8000)
	require.NoError(t, err)
	require.NotEmpty(t, ranges)
	assert.LessOrEqual(t, len(ranges), 9)

	for i, r := range ranges {
		assert.LessOrEqual(t, r.Start, r.End)
		if i > 0 {
			assert.Greater(t, r.Start, ranges[i-1].End, "ranges must be sorted and disjoint")
		}
	}
}

func TestQueryBounds_PolarDiscCoversWorld(t *testing.T) {
	ranges, err := QueryBounds(Point{Lat: 89.99, Lon: 0}, 5000)
	require.NoError(t, err)
	assert.Equal(t, []Range{WorldRange}, ranges)
}

// destination returns the point at the given distance and bearing from p.
func destination(p Point, meters, bearing float64) Point {
	delta := meters / EarthRadiusMeters
	lat1 := p.Lat * math.Pi / 180
	lon1 := p.Lon * math.Pi / 180
	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(bearing))
	lon2 := lon1 + math.Atan2(math.Sin(bearing)*math.Sin(delta)*math.Cos(lat1), math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2))
	return Point{Lat: lat2 * 180 / math.Pi, Lon: wrapLongitude(lon2 * 180 / math.Pi)}
}

func covered(ranges []Range, code string) bool {
	for _, r := range ranges {
		if r.Contains(code) {
			return true
		}
	}
	return false
}

func TestQueryBounds_Completeness(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 2000; i++ {
		center := Point{Lat: rng.Float64()*160 - 80, Lon: rng.Float64()*360 - 180}
		radius := 10 + rng.Float64()*160_000

		ranges, err := QueryBounds(center, radius)
		require.NoError(t, err)

		for j := 0; j < 25; j++ {
			p := destination(center, rng.Float64()*radius, rng.Float64()*2*math.Pi)
			if !WithinRadius(center, p, radius) {
				continue
			}
			code := Encode(p, CellPrecision)
			require.Truef(t, covered(ranges, code),
				"center %+v radius %.1f: point %+v (%s) not covered by %v", center, radius, p, code, ranges)
		}
	}
}

func TestQueryBounds_AntimeridianCompleteness(t *testing.T) {
	center := Point{Lat: -17.7, Lon: 179.99}
	ranges, err := QueryBounds(center, 20_000)
	require.NoError(t, err)

	for _, bearing := range []float64{0, math.Pi / 2, math.Pi, 3 * math.Pi / 2} {
		p := destination(center, 19_000, bearing)
		assert.True(t, covered(ranges, Encode(p, CellPrecision)), "bearing %v point %+v", bearing, p)
	}
}

func TestPrefixes(t *testing.T) {
	assert.Equal(t, []string{"9q"}, Prefixes(Range{Start: "9q8y", End: "9q8z"}, 2))
	assert.Equal(t, []string{"9z", "b0", "b1"}, Prefixes(Range{Start: "9zz", End: "b1"}, 2))
	assert.Equal(t, []string{"9q"}, Prefixes(Range{Start: "9q8yz", End: "9q8y~"}, 2))

	world := Prefixes(WorldRange, 2)
	assert.Len(t, world, 1024)
	assert.Equal(t, "00", world[0])
	assert.Equal(t, "zz", world[len(world)-1])

	assert.Equal(t, []string{"h0", "h1"}, Prefixes(Range{Start: "h", End: "h1"}, 2))
}
