package dynamo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/pkg/geo"
)

type subscriptionItem struct {
	DeviceID   string `dynamodbav:"device_id"`
	Kind       string `dynamodbav:"kind"`
	PushToken  string `dynamodbav:"push_token"`
	CellCode   string `dynamodbav:"cell_code"`
	CellPrefix string `dynamodbav:"cell_prefix"`
	UpdatedAt  int64  `dynamodbav:"updated_at"`
}

func decodeSubscription(item map[string]types.AttributeValue) (*domain.Subscription, error) {
	var it subscriptionItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	if it.DeviceID == "" || it.PushToken == "" {
		return nil, fmt.Errorf("subscription %q: missing device id or token", it.DeviceID)
	}
	if len(it.CellCode) != geo.CellPrecision {
		return nil, fmt.Errorf("subscription %s: bad cell code %q", it.DeviceID, it.CellCode)
	}
	if _, err := geo.DecodeBounds(it.CellCode); err != nil {
		return nil, fmt.Errorf("subscription %s: %w", it.DeviceID, err)
	}
	return &domain.Subscription{
		DeviceID:  it.DeviceID,
		PushToken: it.PushToken,
		CellCode:  it.CellCode,
		UpdatedAt: fromMillis(it.UpdatedAt),
	}, nil
}

// SubscriptionRepo provides typed DynamoDB operations for the subscriptions table.
type SubscriptionRepo struct {
	client    API
	tableName string
}

func NewSubscriptionRepo(client API, tableName string) *SubscriptionRepo {
	return &SubscriptionRepo{client: client, tableName: tableName}
}

// Upsert writes the subscription keyed by device ID, replacing any previous token and cell.
func (r *SubscriptionRepo) Upsert(ctx context.Context, s *domain.Subscription) error {
	item, err := attributevalue.MarshalMap(subscriptionItem{
		DeviceID:   s.DeviceID,
		Kind:       kindSubscription,
		PushToken:  s.PushToken,
		CellCode:   s.CellCode,
		CellPrefix: cellPrefix(s.CellCode),
		UpdatedAt:  millis(s.UpdatedAt),
	})
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	return domain.Unavailable("put subscription", err)
}

// Relocate moves an existing subscription to a new cell without touching its token.
func (r *SubscriptionRepo) Relocate(ctx context.Context, deviceID, cellCode string, at time.Time) error {
	ue, err := buildUpdateExpr(map[string]interface{}{
		fieldCellCode:   cellCode,
		fieldCellPrefix: cellPrefix(cellCode),
		fieldUpdatedAt:  millis(at),
	})
	if err != nil {
		return err
	}
	ue.Names["#id"] = fieldDeviceID
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey(fieldDeviceID, deviceID),
		UpdateExpression:          aws.String(ue.Expr),
		ConditionExpression:       aws.String("attribute_exists(#id)"),
		ExpressionAttributeNames:  ue.Names,
		ExpressionAttributeValues: ue.Values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("subscription %s: %w", deviceID, domain.ErrNotFound)
		}
		return domain.Unavailable("relocate subscription", err)
	}
	return nil
}

func (r *SubscriptionRepo) RangeScan(ctx context.Context, sr domain.ScanRange) iter.Seq2[*domain.Subscription, error] {
	return func(yield func(*domain.Subscription, error) bool) {
		inputs, err := scanInputs(r.tableName, kindSubscription,
			map[domain.Field]string{domain.FieldUpdatedAt: indexUpdatedAt}, sr, scanFilter{})
		if err != nil {
			yield(nil, err)
			return
		}
		for _, in := range inputs {
			for item, err := range queryItems(ctx, r.client, in) {
				if err != nil {
					yield(nil, domain.Unavailable("query subscriptions", err))
					return
				}
				s, err := decodeSubscription(item)
				if err != nil {
					slog.Warn("skipping malformed subscription row", "table", r.tableName, "err", err)
					continue
				}
				if !yield(s, nil) {
					return
				}
			}
		}
	}
}

// DeleteWhere removes up to limit subscriptions not updated since bound.
func (r *SubscriptionRepo) DeleteWhere(ctx context.Context, field domain.Field, bound time.Time, limit int) (int, error) {
	if field != domain.FieldUpdatedAt {
		return 0, domain.Invalid("subscriptions are deleted by %s only", domain.FieldUpdatedAt)
	}
	if limit <= 0 {
		return 0, domain.Invalid("limit must be positive")
	}
	keys, err := expiredKeys(ctx, r.client, r.tableName, indexUpdatedAt, kindSubscription, fieldUpdatedAt, bound, limit, fieldDeviceID)
	if err != nil {
		return 0, domain.Unavailable("query stale subscriptions", err)
	}
	n, err := batchDelete(ctx, r.client, r.tableName, keys)
	if err != nil {
		return n, domain.Unavailable("delete subscriptions", err)
	}
	return n, nil
}
