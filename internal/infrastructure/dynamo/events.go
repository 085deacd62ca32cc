package dynamo

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/pkg/clock"
	"github.com/geo-sightings/internal/pkg/id"
)

// eventItem is the stored shape of an event. Times are unix milliseconds so numeric key
// conditions order correctly; ttl is unix seconds for DynamoDB's TTL reaper.
type eventItem struct {
	EventID    string  `dynamodbav:"event_id"`
	Kind       string  `dynamodbav:"kind"`
	Category   string  `dynamodbav:"category"`
	Latitude   float64 `dynamodbav:"latitude"`
	Longitude  float64 `dynamodbav:"longitude"`
	CellCode   string  `dynamodbav:"cell_code"`
	CellPrefix string  `dynamodbav:"cell_prefix"`
	CreatedAt  int64   `dynamodbav:"created_at"`
	ExpiresAt  int64   `dynamodbav:"expires_at"`
	TTL        int64   `dynamodbav:"ttl"`
}

func toEventItem(e *domain.Event) eventItem {
	return eventItem{
		EventID:    e.ID,
		Kind:       kindEvent,
		Category:   string(e.Category),
		Latitude:   e.Location.Latitude,
		Longitude:  e.Location.Longitude,
		CellCode:   e.CellCode,
		CellPrefix: cellPrefix(e.CellCode),
		CreatedAt:  millis(e.CreatedAt),
		ExpiresAt:  millis(e.ExpiresAt),
		TTL:        e.ExpiresAt.Unix(),
	}
}

// decodeEvent unmarshals and validates a stored item. Any failure means the row is skipped.
func decodeEvent(item map[string]types.AttributeValue) (*domain.Event, error) {
	var it eventItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if it.Kind != kindEvent {
		return nil, fmt.Errorf("event %s: unexpected kind %q", it.EventID, it.Kind)
	}
	e := &domain.Event{
		ID:        it.EventID,
		Category:  domain.Category(it.Category),
		Location:  domain.Location{Latitude: it.Latitude, Longitude: it.Longitude},
		CreatedAt: fromMillis(it.CreatedAt),
		CellCode:  it.CellCode,
		ExpiresAt: fromMillis(it.ExpiresAt),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// EventRepo is the server-tier event store.
type EventRepo struct {
	client    API
	tableName string
	clock     clock.Clock
}

func NewEventRepo(client API, tableName string, clk clock.Clock) *EventRepo {
	return &EventRepo{client: client, tableName: tableName, clock: clk}
}

func (r *EventRepo) Insert(ctx context.Context, e *domain.Event) (string, error) {
	e.ID = id.NewAt(e.CreatedAt)
	if err := e.Validate(); err != nil {
		return "", err
	}
	item, err := attributevalue.MarshalMap(toEventItem(e))
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(r.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": fieldEventID},
	})
	if err != nil {
		return "", domain.Unavailable("put event", err)
	}
	return e.ID, nil
}

func (r *EventRepo) Upsert(ctx context.Context, e *domain.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(toEventItem(e))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	return domain.Unavailable("put event", err)
}

// Get returns one event by ID. Expired events are reported as not found.
func (r *EventRepo) Get(ctx context.Context, eventID string) (*domain.Event, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       strKey(fieldEventID, eventID),
	})
	if err != nil {
		return nil, domain.Unavailable("get event", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("event not found: %w", domain.ErrNotFound)
	}
	e, err := decodeEvent(out.Item)
	if err != nil {
		slog.Warn("malformed event row", "event_id", eventID, "err", err)
		return nil, fmt.Errorf("event not found: %w", domain.ErrNotFound)
	}
	if !e.ExpiresAt.After(r.clock.Now()) {
		return nil, fmt.Errorf("event expired: %w", domain.ErrNotFound)
	}
	return e, nil
}

// RangeScan queries the cell GSI (one Query per cell_prefix partition) or the created_at GSI.
// DynamoDB deletes TTL'd items lazily, so expiry is also filtered here.
func (r *EventRepo) RangeScan(ctx context.Context, sr domain.ScanRange) iter.Seq2[*domain.Event, error] {
	return func(yield func(*domain.Event, error) bool) {
		inputs, err := scanInputs(r.tableName, kindEvent,
			map[domain.Field]string{domain.FieldCreatedAt: indexCreatedAt, domain.FieldExpiresAt: indexExpiresAt},
			sr, scanFilter{notExpiredAt: r.clock.Now(), createdAfter: sr.CreatedAfter})
		if err != nil {
			yield(nil, err)
			return
		}
		for _, in := range inputs {
			for item, err := range queryItems(ctx, r.client, in) {
				if err != nil {
					yield(nil, domain.Unavailable("query events", err))
					return
				}
				e, err := decodeEvent(item)
				if err != nil {
					slog.Warn("skipping malformed event row", "table", r.tableName, "err", err)
					continue
				}
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}

// DeleteWhere removes up to limit events whose expires_at is at or before bound.
func (r *EventRepo) DeleteWhere(ctx context.Context, field domain.Field, bound time.Time, limit int) (int, error) {
	if field != domain.FieldExpiresAt {
		return 0, domain.Invalid("events are deleted by %s only", domain.FieldExpiresAt)
	}
	if limit <= 0 {
		return 0, domain.Invalid("limit must be positive")
	}
	keys, err := expiredKeys(ctx, r.client, r.tableName, indexExpiresAt, kindEvent, fieldExpiresAt, bound, limit, fieldEventID)
	if err != nil {
		return 0, domain.Unavailable("query expired events", err)
	}
	n, err := batchDelete(ctx, r.client, r.tableName, keys)
	if err != nil {
		return n, domain.Unavailable("delete events", err)
	}
	return n, nil
}
