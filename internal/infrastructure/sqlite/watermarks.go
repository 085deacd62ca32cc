package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/pkg/clock"
)

// WatermarkRepo stores one sync watermark per coarse cell.
type WatermarkRepo struct {
	db    *sql.DB
	clock clock.Clock
}

func NewWatermarkRepo(db *sql.DB, clk clock.Clock) *WatermarkRepo {
	return &WatermarkRepo{db: db, clock: clk}
}

func (r *WatermarkRepo) Get(ctx context.Context, cellKey string) (*domain.SyncWatermark, error) {
	var (
		lastFetched int64
		radius      float64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT last_fetched_at, radius_meters FROM sync_watermarks WHERE cell_key = ?`, cellKey,
	).Scan(&lastFetched, &radius)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Unavailable("get watermark", err)
	}
	return &domain.SyncWatermark{
		CellKey:       cellKey,
		LastFetchedAt: time.UnixMilli(lastFetched).UTC(),
		RadiusMeters:  radius,
	}, nil
}

// Advance stores w. The stored time only ever moves forward; the radius follows whichever
// watermark is newest. The comparison happens inside the upsert so concurrent writers
// cannot regress it.
func (r *WatermarkRepo) Advance(ctx context.Context, w domain.SyncWatermark) error {
	if w.CellKey == "" {
		return domain.Invalid("watermark cell key is empty")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_watermarks (cell_key, last_fetched_at, radius_meters, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (cell_key) DO UPDATE SET
			radius_meters = CASE WHEN excluded.last_fetched_at >= sync_watermarks.last_fetched_at
				THEN excluded.radius_meters ELSE sync_watermarks.radius_meters END,
			updated_at = CASE WHEN excluded.last_fetched_at >= sync_watermarks.last_fetched_at
				THEN excluded.updated_at ELSE sync_watermarks.updated_at END,
			last_fetched_at = MAX(sync_watermarks.last_fetched_at, excluded.last_fetched_at)`,
		w.CellKey, w.LastFetchedAt.UnixMilli(), w.RadiusMeters, r.clock.Now().UnixMilli(),
	)
	return domain.Unavailable("advance watermark", err)
}

// DeleteWhere drops up to limit watermarks not advanced since bound. A missing watermark
// only costs one full fetch.
func (r *WatermarkRepo) DeleteWhere(ctx context.Context, field domain.Field, bound time.Time, limit int) (int, error) {
	if field != domain.FieldUpdatedAt {
		return 0, domain.Invalid("watermarks are deleted by %s only", domain.FieldUpdatedAt)
	}
	if limit <= 0 {
		return 0, domain.Invalid("limit must be positive")
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sync_watermarks WHERE cell_key IN (
			SELECT cell_key FROM sync_watermarks WHERE updated_at <= ? ORDER BY updated_at LIMIT ?
		)`, bound.UnixMilli(), limit)
	if err != nil {
		return 0, domain.Unavailable("delete watermarks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.Unavailable("delete watermarks", err)
	}
	return int(n), nil
}
