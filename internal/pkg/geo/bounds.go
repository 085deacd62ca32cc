package geo

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	// maxQueryBits keeps query ranges no finer than the codes actually stored.
	maxQueryBits = CellPrecision * 5
	// boundsPadding inflates the radius used for cell sizing so rounding never drops a cell.
	boundsPadding = 0.01

	metersPerDegree = EarthRadiusMeters * math.Pi / 180

	// rangeEnd sorts after every base32 character.
	rangeEnd = "~"
)

// WorldRange matches every cell code.
var WorldRange = Range{Start: "0", End: rangeEnd}

// Range is an inclusive [Start, End] interval of cell codes.
type Range struct {
	Start string
	End   string
}

// Contains reports whether code lies inside the range.
func (r Range) Contains(code string) bool {
	return code >= r.Start && code <= r.End
}

func (r Range) String() string { return fmt.Sprintf("[%s, %s]", r.Start, r.End) }

// QueryBounds returns cell-code ranges whose union contains every stored code within
// radiusMeters of center. Ranges over-cover; callers refine hits with WithinRadius.
//
// The bit depth is the deepest at which one cell is at least as tall and wide as the
// radius, so the disc's bounding box touches at most 3x3 cells and the nine sample points
// (center and the box edges) land in every one of them.
func QueryBounds(center Point, radiusMeters float64) ([]Range, error) {
	if !center.Valid() {
		return nil, fmt.Errorf("center (%v, %v) out of range: %w", center.Lat, center.Lon, ErrInvalidArgument)
	}
	if math.IsNaN(radiusMeters) || math.IsInf(radiusMeters, 0) || radiusMeters <= 0 {
		return nil, fmt.Errorf("radius %v must be positive: %w", radiusMeters, ErrInvalidArgument)
	}

	r := radiusMeters * (1 + boundsPadding)
	latDeg := r / metersPerDegree
	north, south := center.Lat+latDeg, center.Lat-latDeg
	if north >= 90 || south <= -90 {
		return []Range{WorldRange}, nil
	}
	lonDeg := math.Max(longitudeDegrees(r, north), longitudeDegrees(r, south))
	if lonDeg >= 180 {
		return []Range{WorldRange}, nil
	}

	bits := queryBits(latDeg, lonDeg)
	precision := (bits + 4) / 5

	ranges := make([]Range, 0, 9)
	for _, lat := range []float64{south, center.Lat, north} {
		for _, lon := range []float64{center.Lon - lonDeg, center.Lon, center.Lon + lonDeg} {
			code := Encode(Point{Lat: lat, Lon: wrapLongitude(lon)}, precision)
			ranges = append(ranges, cellRange(code, bits))
		}
	}
	return coalesce(ranges), nil
}

// longitudeDegrees converts a distance along the parallel at lat into degrees of longitude.
func longitudeDegrees(meters, lat float64) float64 {
	perDegree := metersPerDegree * math.Cos(lat*math.Pi/180)
	if perDegree < 1e-9 {
		return 360
	}
	return math.Min(360, meters/perDegree)
}

// queryBits picks the total interleaved bit count. A code with b bits has ceil(b/2)
// longitude bits and floor(b/2) latitude bits.
func queryBits(latDeg, lonDeg float64) int {
	latBits := int(math.Floor(math.Log2(180 / latDeg)))
	lonBits := int(math.Floor(math.Log2(360 / lonDeg)))
	bits := min(2*latBits, 2*lonBits-1, maxQueryBits)
	return max(bits, 1)
}

func wrapLongitude(lon float64) float64 {
	if lon >= -180 && lon <= 180 {
		return lon
	}
	adjusted := lon + 180
	if adjusted > 0 {
		return math.Mod(adjusted, 360) - 180
	}
	return 180 - math.Mod(-adjusted, 360)
}

// cellRange returns the range of codes sharing the first bits bits of code.
func cellRange(code string, bits int) Range {
	base := code[:len(code)-1]
	last := int(base32Index[code[len(code)-1]])
	significant := bits - len(base)*5
	unused := 5 - significant
	start := (last >> unused) << unused
	end := start + 1<<unused
	if end > 31 {
		return Range{Start: base + string(base32[start]), End: base + rangeEnd}
	}
	return Range{Start: base + string(base32[start]), End: base + string(base32[end])}
}

// coalesce sorts ranges and merges any that overlap or touch.
func coalesce(ranges []Range) []Range {
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Start != ranges[j].Start {
			return ranges[i].Start < ranges[j].Start
		}
		return ranges[i].End < ranges[j].End
	})
	out := ranges[:0]
	for _, r := range ranges {
		if n := len(out); n > 0 && r.Start <= out[n-1].End {
			if r.End > out[n-1].End {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Prefixes enumerates every code prefix of length n that a range can contain, in order.
// Store adapters that partition by prefix use it to split one range into per-partition
// queries.
func Prefixes(r Range, n int) []string {
	lo := padPrefix(r.Start, n)
	var hi string
	if strings.HasPrefix(r.End, rangeEnd) {
		hi = strings.Repeat(string(base32[31]), n)
	} else {
		hi = padPrefix(r.End, n)
	}
	var out []string
	for p := lo; p <= hi; {
		out = append(out, p)
		next, ok := incrementCode(p)
		if !ok {
			break
		}
		p = next
	}
	return out
}

func padPrefix(s string, n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		if i < len(s) && base32Index[s[i]] >= 0 {
			b.WriteByte(s[i])
			continue
		}
		if i < len(s) {
			// a non-alphabet byte (the "~" sentinel) sorts after every code
			b.WriteString(strings.Repeat(string(base32[31]), n-i))
			return b.String()
		}
		b.WriteByte(base32[0])
	}
	return b.String()
}

// incrementCode returns the next code of the same length in base32 order.
func incrementCode(s string) (string, bool) {
	buf := []byte(s)
	for i := len(buf) - 1; i >= 0; i-- {
		idx := base32Index[buf[i]]
		if idx < 31 {
			buf[i] = base32[idx+1]
			return string(buf), true
		}
		buf[i] = base32[0]
	}
	return "", false
}
