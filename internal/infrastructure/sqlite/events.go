package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/pkg/clock"
	"github.com/geo-sightings/internal/pkg/id"
)

// scanPageSize bounds how many rows one RangeScan page reads before yielding. Pages are read
// and closed before yielding so callers may write to the cache mid-scan.
const scanPageSize = 200

const eventColumns = "id, category, latitude, longitude, cell_code, created_at, expires_at"

// EventCache is the client-tier event store. A cached event is kept until
// created_at + retention regardless of its server-side expiry.
type EventCache struct {
	db        *sql.DB
	retention time.Duration
	clock     clock.Clock
}

func NewEventCache(db *sql.DB, retention time.Duration, clk clock.Clock) *EventCache {
	return &EventCache{db: db, retention: retention, clock: clk}
}

func (c *EventCache) Insert(ctx context.Context, e *domain.Event) (string, error) {
	e.ID = id.NewAt(e.CreatedAt)
	if err := c.Upsert(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// Upsert writes e keyed by ID. Writing the same event twice leaves one row.
func (c *EventCache) Upsert(ctx context.Context, e *domain.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`, retain_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			category     = excluded.category,
			latitude     = excluded.latitude,
			longitude    = excluded.longitude,
			cell_code    = excluded.cell_code,
			created_at   = excluded.created_at,
			expires_at   = excluded.expires_at,
			retain_until = excluded.retain_until`,
		e.ID, string(e.Category), e.Location.Latitude, e.Location.Longitude, e.CellCode,
		e.CreatedAt.UnixMilli(), e.ExpiresAt.UnixMilli(), e.CreatedAt.Add(c.retention).UnixMilli(),
	)
	return domain.Unavailable("upsert cached event", err)
}

// scanQuery describes one keyset-paginated scan over an indexed column.
type scanQuery struct {
	column string
	lo, hi any
}

func (c *EventCache) scanQueryFor(r domain.ScanRange) (scanQuery, error) {
	switch r.Field {
	case domain.FieldCellCode:
		return scanQuery{column: "cell_code", lo: r.Start, hi: r.End}, nil
	case domain.FieldCreatedAt:
		lo, err := domain.ParseTimeKey(r.Start)
		if err != nil {
			return scanQuery{}, err
		}
		hi, err := domain.ParseTimeKey(r.End)
		if err != nil {
			return scanQuery{}, err
		}
		return scanQuery{column: "created_at", lo: lo.UnixMilli(), hi: hi.UnixMilli()}, nil
	default:
		return scanQuery{}, domain.Invalid("field %q is not range-scannable", r.Field)
	}
}

// RangeScan yields cached events in (field, id) order, skipping rows past their retention
// and rows that fail validation.
func (c *EventCache) RangeScan(ctx context.Context, r domain.ScanRange) iter.Seq2[*domain.Event, error] {
	return func(yield func(*domain.Event, error) bool) {
		q, err := c.scanQueryFor(r)
		if err != nil {
			yield(nil, err)
			return
		}
		now := c.clock.Now().UnixMilli()
		after := int64(-1)
		if !r.CreatedAfter.IsZero() {
			after = r.CreatedAfter.UnixMilli()
		}

		stmt := fmt.Sprintf(`
			SELECT %s FROM events
			WHERE %[2]s BETWEEN ? AND ?
			  AND retain_until > ?
			  AND created_at > ?
			  AND (%[2]s, id) > (?, ?)
			ORDER BY %[2]s, id
			LIMIT ?`, eventColumns, q.column)

		// ids are never empty, so ("lo", "") admits every row whose key equals lo
		var cursorKey any = q.lo
		cursorID := ""
		for {
			page, lastKey, err := c.readPage(ctx, stmt, q, now, after, cursorKey, cursorID)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range page.events {
				if !yield(e, nil) {
					return
				}
			}
			if page.rows < scanPageSize {
				return
			}
			cursorKey, cursorID = lastKey, page.lastID
		}
	}
}

type eventPage struct {
	events []*domain.Event
	rows   int
	lastID string
}

func (c *EventCache) readPage(ctx context.Context, stmt string, q scanQuery, now, after int64, cursorKey any, cursorID string) (eventPage, any, error) {
	rows, err := c.db.QueryContext(ctx, stmt, q.lo, q.hi, now, after, cursorKey, cursorID, scanPageSize)
	if err != nil {
		return eventPage{}, nil, domain.Unavailable("query cached events", err)
	}
	defer rows.Close()

	var page eventPage
	var lastKey any
	for rows.Next() {
		var (
			e                    domain.Event
			category             string
			createdAt, expiresAt int64
		)
		if err := rows.Scan(&e.ID, &category, &e.Location.Latitude, &e.Location.Longitude,
			&e.CellCode, &createdAt, &expiresAt); err != nil {
			return eventPage{}, nil, domain.Unavailable("scan cached event", err)
		}
		page.rows++
		page.lastID = e.ID
		if q.column == "cell_code" {
			lastKey = e.CellCode
		} else {
			lastKey = createdAt
		}
		e.Category = domain.Category(category)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		e.ExpiresAt = time.UnixMilli(expiresAt).UTC()
		if err := e.Validate(); err != nil {
			slog.Warn("skipping malformed cached event", "event_id", e.ID, "err", err)
			continue
		}
		page.events = append(page.events, &e)
	}
	if err := rows.Err(); err != nil {
		return eventPage{}, nil, domain.Unavailable("iterate cached events", err)
	}
	return page, lastKey, nil
}

// DeleteWhere removes up to limit events whose retention ended at or before bound. The
// cache tier's expiry is its retention window, so expires_at selects on retain_until.
func (c *EventCache) DeleteWhere(ctx context.Context, field domain.Field, bound time.Time, limit int) (int, error) {
	if field != domain.FieldExpiresAt {
		return 0, domain.Invalid("cached events are deleted by %s only", domain.FieldExpiresAt)
	}
	if limit <= 0 {
		return 0, domain.Invalid("limit must be positive")
	}
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM events WHERE id IN (
			SELECT id FROM events WHERE retain_until <= ? ORDER BY retain_until LIMIT ?
		)`, bound.UnixMilli(), limit)
	if err != nil {
		return 0, domain.Unavailable("delete cached events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.Unavailable("delete cached events", err)
	}
	return int(n), nil
}
