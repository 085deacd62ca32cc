package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/geo-sightings/internal/domain"
)

type notificationItem struct {
	EventID   string `dynamodbav:"event_id"`
	DeviceID  string `dynamodbav:"device_id"`
	Kind      string `dynamodbav:"kind"`
	SentAt    int64  `dynamodbav:"sent_at"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
	TTL       int64  `dynamodbav:"ttl"`
}

func (it notificationItem) record() *domain.NotificationRecord {
	return &domain.NotificationRecord{
		EventID:   it.EventID,
		DeviceID:  it.DeviceID,
		SentAt:    fromMillis(it.SentAt),
		ExpiresAt: fromMillis(it.ExpiresAt),
	}
}

// LedgerRepo stores (event, device) notification records keyed by event_id + device_id.
type LedgerRepo struct {
	client    API
	tableName string
}

func NewLedgerRepo(client API, tableName string) *LedgerRepo {
	return &LedgerRepo{client: client, tableName: tableName}
}

// Put writes rec, overwriting any previous record for the same pair.
func (r *LedgerRepo) Put(ctx context.Context, rec *domain.NotificationRecord) error {
	item, err := attributevalue.MarshalMap(notificationItem{
		EventID:   rec.EventID,
		DeviceID:  rec.DeviceID,
		Kind:      kindNotification,
		SentAt:    millis(rec.SentAt),
		ExpiresAt: millis(rec.ExpiresAt),
		TTL:       rec.ExpiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification record: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	return domain.Unavailable("put notification record", err)
}

func (r *LedgerRepo) Get(ctx context.Context, eventID, deviceID string) (*domain.NotificationRecord, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            compositeKey(fieldEventID, eventID, fieldDeviceID, deviceID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, domain.Unavailable("get notification record", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var it notificationItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal notification record: %w", err)
	}
	return it.record(), nil
}

// GetMany looks up every device for one event with BatchGetItem.
func (r *LedgerRepo) GetMany(ctx context.Context, eventID string, deviceIDs []string) (map[string]*domain.NotificationRecord, error) {
	found := make(map[string]*domain.NotificationRecord, len(deviceIDs))
	if len(deviceIDs) == 0 {
		return found, nil
	}
	keys := make([]map[string]types.AttributeValue, len(deviceIDs))
	for i, d := range deviceIDs {
		keys[i] = compositeKey(fieldEventID, eventID, fieldDeviceID, d)
	}
	items, err := batchGet(ctx, r.client, r.tableName, keys)
	if err != nil {
		return nil, domain.Unavailable("batch get notification records", err)
	}
	for _, item := range items {
		var it notificationItem
		if err := attributevalue.UnmarshalMap(item, &it); err != nil {
			return nil, fmt.Errorf("unmarshal notification record: %w", err)
		}
		found[it.DeviceID] = it.record()
	}
	return found, nil
}

// DeleteWhere removes up to limit records whose expires_at is at or before bound.
func (r *LedgerRepo) DeleteWhere(ctx context.Context, field domain.Field, bound time.Time, limit int) (int, error) {
	if field != domain.FieldExpiresAt {
		return 0, domain.Invalid("notification records are deleted by %s only", domain.FieldExpiresAt)
	}
	if limit <= 0 {
		return 0, domain.Invalid("limit must be positive")
	}
	keys, err := expiredKeys(ctx, r.client, r.tableName, indexExpiresAt, kindNotification, fieldExpiresAt, bound, limit, fieldEventID, fieldDeviceID)
	if err != nil {
		return 0, domain.Unavailable("query expired notification records", err)
	}
	n, err := batchDelete(ctx, r.client, r.tableName, keys)
	if err != nil {
		return n, domain.Unavailable("delete notification records", err)
	}
	return n, nil
}
