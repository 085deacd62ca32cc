package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/geo-sightings/internal/pkg/geo"
)

// Category is the kind of sighting being reported.
type Category string

const (
	CategoryICE    Category = "ICE"
	CategoryArmy   Category = "Army"
	CategoryPolice Category = "Police"
)

// Categories lists every accepted category in display order.
var Categories = []Category{CategoryICE, CategoryArmy, CategoryPolice}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Location is a WGS84 coordinate pair.
type Location struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
}

func (l Location) Point() geo.Point { return geo.Point{Lat: l.Latitude, Lon: l.Longitude} }

// LocationFrom converts a geo.Point back into a Location.
func LocationFrom(p geo.Point) Location { return Location{Latitude: p.Lat, Longitude: p.Lon} }

// Event is a single sighting report.
type Event struct {
	ID        string    `json:"id"`
	Category  Category  `json:"sightingType"`
	Location  Location  `json:"location"`
	CreatedAt time.Time `json:"timestamp"`
	CellCode  string    `json:"geohash"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewEvent builds an Event stamped with the server time. The cell code is always derived
// from the location; no caller-supplied value is trusted.
func NewEvent(category Category, loc Location, now time.Time, ttl time.Duration) (*Event, error) {
	if !category.Valid() {
		return nil, Invalid("unknown sighting type %q", category)
	}
	if ttl <= 0 {
		return nil, Invalid("event ttl must be positive")
	}
	code, err := geo.EncodeChecked(loc.Point(), geo.CellPrecision)
	if err != nil {
		return nil, fmt.Errorf("encode location: %w", err)
	}
	now = now.UTC().Truncate(time.Millisecond)
	return &Event{
		Category:  category,
		Location:  loc,
		CreatedAt: now,
		CellCode:  code,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Validate checks the invariants stored events must satisfy. Store adapters call it on
// every row they read and drop rows that fail.
func (e *Event) Validate() error {
	if e.ID == "" {
		return Invalid("event id is empty")
	}
	if !e.Category.Valid() {
		return Invalid("event %s: unknown category %q", e.ID, e.Category)
	}
	if !e.ExpiresAt.After(e.CreatedAt) {
		return Invalid("event %s: expiresAt must be after createdAt", e.ID)
	}
	code, err := geo.EncodeChecked(e.Location.Point(), geo.CellPrecision)
	if err != nil {
		return Invalid("event %s: location out of range", e.ID)
	}
	if code != e.CellCode {
		return Invalid("event %s: cell code %q does not match location", e.ID, e.CellCode)
	}
	return nil
}

// Field names a range-scannable attribute of a stored record.
type Field string

const (
	FieldCellCode  Field = "cell_code"
	FieldCreatedAt Field = "created_at"
	FieldExpiresAt Field = "expires_at"
	FieldUpdatedAt Field = "updated_at"
)

// ScanRange selects records whose Field lies in the inclusive range [Start, End].
// Time fields use keys produced by TimeKey.
type ScanRange struct {
	Field Field
	Start string
	End   string
	// CreatedAfter, when non-zero, restricts results to records created strictly after it.
	CreatedAfter time.Time
}

// ScanKey returns e's key under field f.
func (e *Event) ScanKey(f Field) string {
	switch f {
	case FieldCreatedAt:
		return TimeKey(e.CreatedAt)
	case FieldExpiresAt:
		return TimeKey(e.ExpiresAt)
	default:
		return e.CellCode
	}
}

// ScanCursor is the last row of a scan page. Pages are ordered by (Key, ID).
type ScanCursor struct {
	Key string `json:"key"`
	ID  string `json:"id"`
}

// CursorAt returns the cursor positioned on e.
func CursorAt(e *Event, f Field) ScanCursor { return ScanCursor{Key: e.ScanKey(f), ID: e.ID} }

func (c ScanCursor) IsZero() bool { return c.Key == "" && c.ID == "" }

// Before reports whether the row (key, id) sorts after c.
func (c ScanCursor) Before(key, id string) bool {
	return key > c.Key || (key == c.Key && id > c.ID)
}

// CellRange builds a cell_code ScanRange from a geo.Range.
func CellRange(r geo.Range, createdAfter time.Time) ScanRange {
	return ScanRange{Field: FieldCellCode, Start: r.Start, End: r.End, CreatedAfter: createdAfter}
}

// TimeRange builds a created_at ScanRange covering [from, to].
func TimeRange(from, to time.Time) ScanRange {
	return ScanRange{Field: FieldCreatedAt, Start: TimeKey(from), End: TimeKey(to)}
}

// TimeKey encodes t as fixed-width unix milliseconds so lexical and numeric order agree.
func TimeKey(t time.Time) string {
	ms := t.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%013d", ms)
}

// ParseTimeKey is the inverse of TimeKey.
func ParseTimeKey(key string) (time.Time, error) {
	ms, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return time.Time{}, Invalid("bad time key %q", key)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// CreateEventRequest is the body of POST /v1/events.
type CreateEventRequest struct {
	Category  Category `json:"sightingType" validate:"required,oneof=ICE Army Police"`
	Location  Location `json:"location"`
	Timestamp *int64   `json:"timestamp,omitempty"`
}

// NearbyRequest is the body of POST /v1/events/nearby.
type NearbyRequest struct {
	Location    Location `json:"location"`
	RadiusMiles float64  `json:"radiusMiles" validate:"omitempty,gt=0,lte=100"`
}
