package dynamo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/geo-sightings/internal/domain"
)

// CounterRepo implements fixed-window request counters shared by every API instance.
type CounterRepo struct {
	client    API
	tableName string
}

func NewCounterRepo(client API, tableName string) *CounterRepo {
	return &CounterRepo{client: client, tableName: tableName}
}

// windowKey names the counter for key in the window containing now.
func windowKey(key string, window time.Duration, now time.Time) (string, time.Time) {
	w := window.Milliseconds()
	start := now.UnixMilli() / w * w
	return fmt.Sprintf("%s#%d", key, start), time.UnixMilli(start + w).UTC()
}

// Increment atomically adds one to the counter for key's current window and returns the new
// count. Counters expire through TTL once their window has passed.
func (r *CounterRepo) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	if window <= 0 {
		return 0, domain.Invalid("window must be positive")
	}
	k, windowEnd := windowKey(key, window, now)
	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              strKey(fieldLimitKey, k),
		UpdateExpression: aws.String("ADD #c :one SET #ttl = if_not_exists(#ttl, :ttl)"),
		ExpressionAttributeNames: map[string]string{
			"#c":   fieldCount,
			"#ttl": fieldTTL,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": numAttr(1),
			":ttl": numAttr(windowEnd.Add(window).Unix()),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, domain.Unavailable("increment counter", err)
	}
	n, ok := out.Attributes[fieldCount].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("counter %s: missing %s in response", k, fieldCount)
	}
	count, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", k, err)
	}
	return count, nil
}
