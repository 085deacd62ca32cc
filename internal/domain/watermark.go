package domain

import "time"

// SyncWatermark records the server time up to which the cache tier is known to hold every
// event within RadiusMeters of the coarse cell CellKey.
type SyncWatermark struct {
	CellKey       string
	LastFetchedAt time.Time
	RadiusMeters  float64
}

// Covers reports whether an incremental fetch from w satisfies a query of radiusMeters.
func (w *SyncWatermark) Covers(radiusMeters float64) bool {
	return w != nil && !w.LastFetchedAt.IsZero() && w.RadiusMeters >= radiusMeters
}
