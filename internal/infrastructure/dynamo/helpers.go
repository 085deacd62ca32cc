package dynamo

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	// batchWriteLimit is the BatchWriteItem request cap.
	batchWriteLimit = 25
	// batchGetLimit is the BatchGetItem request cap.
	batchGetLimit = 100
	// unprocessedRetries bounds how often throttled batch leftovers are resent.
	unprocessedRetries = 5
)

// strKey builds a DynamoDB primary key map with a single string attribute.
func strKey(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		name: &types.AttributeValueMemberS{Value: value},
	}
}

// compositeKey builds a DynamoDB primary key with two string attributes (PK + SK).
func compositeKey(pkName, pkValue, skName, skValue string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		pkName: &types.AttributeValueMemberS{Value: pkValue},
		skName: &types.AttributeValueMemberS{Value: skValue},
	}
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(s string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: s}
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// updateExpr is a SET expression with its placeholder maps.
type updateExpr struct {
	Expr   string
	Names  map[string]string
	Values map[string]types.AttributeValue
}

// buildUpdateExpr converts a map of field->value into a DynamoDB SET expression.
// Fields are emitted in sorted order so the expression is deterministic.
func buildUpdateExpr(updates map[string]interface{}) (updateExpr, error) {
	if len(updates) == 0 {
		return updateExpr{}, fmt.Errorf("no fields to update")
	}
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ue := updateExpr{
		Names:  make(map[string]string, len(keys)),
		Values: make(map[string]types.AttributeValue, len(keys)),
	}
	expr := "SET "
	for i, k := range keys {
		nameKey := fmt.Sprintf("#f%d", i)
		valueKey := fmt.Sprintf(":v%d", i)
		av, err := attributevalue.Marshal(updates[k])
		if err != nil {
			return updateExpr{}, fmt.Errorf("marshal field %s: %w", k, err)
		}
		ue.Names[nameKey] = k
		ue.Values[valueKey] = av
		if i > 0 {
			expr += ", "
		}
		expr += fmt.Sprintf("%s = %s", nameKey, valueKey)
	}
	ue.Expr = expr
	return ue, nil
}

// chunk splits items into slices of at most size elements.
func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// queryItems pages through a Query lazily.
func queryItems(ctx context.Context, client API, input *dynamodb.QueryInput) iter.Seq2[map[string]types.AttributeValue, error] {
	return func(yield func(map[string]types.AttributeValue, error) bool) {
		p := dynamodb.NewQueryPaginator(client, input)
		for p.HasMorePages() {
			out, err := p.NextPage(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, item := range out.Items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

// expiredKeys collects up to limit primary keys from a kind/<time> GSI whose sort key is at
// or before bound.
func expiredKeys(ctx context.Context, client API, table, index, kind, sortField string, bound time.Time, limit int, keyFields ...string) ([]map[string]types.AttributeValue, error) {
	names := map[string]string{"#k": fieldKind, "#s": sortField}
	projection := ""
	for i, f := range keyFields {
		ph := fmt.Sprintf("#p%d", i)
		names[ph] = f
		if i > 0 {
			projection += ", "
		}
		projection += ph
	}
	input := &dynamodb.QueryInput{
		TableName:                aws.String(table),
		IndexName:                aws.String(index),
		KeyConditionExpression:   aws.String("#k = :k AND #s <= :bound"),
		ProjectionExpression:     aws.String(projection),
		ExpressionAttributeNames: names,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":k":     strAttr(kind),
			":bound": numAttr(millis(bound)),
		},
		Limit: aws.Int32(int32(min(limit, 1000))),
	}

	var keys []map[string]types.AttributeValue
	for item, err := range queryItems(ctx, client, input) {
		if err != nil {
			return nil, err
		}
		key := make(map[string]types.AttributeValue, len(keyFields))
		for _, f := range keyFields {
			key[f] = item[f]
		}
		keys = append(keys, key)
		if len(keys) >= limit {
			break
		}
	}
	return keys, nil
}

// batchDelete deletes keys in chunks of 25, resending unprocessed items a bounded number of
// times. It returns how many deletes were acknowledged.
func batchDelete(ctx context.Context, client API, table string, keys []map[string]types.AttributeValue) (int, error) {
	deleted := 0
	for _, batch := range chunk(keys, batchWriteLimit) {
		reqs := make([]types.WriteRequest, len(batch))
		for i, k := range batch {
			reqs[i] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}}
		}
		pending := map[string][]types.WriteRequest{table: reqs}
		for attempt := 0; len(pending[table]) > 0; attempt++ {
			if attempt > unprocessedRetries {
				return deleted, fmt.Errorf("batch delete %s: %d items still unprocessed", table, len(pending[table]))
			}
			if attempt > 0 {
				if err := sleepCtx(ctx, backoff(attempt)); err != nil {
					return deleted, err
				}
			}
			sent := len(pending[table])
			out, err := client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return deleted, err
			}
			pending = out.UnprocessedItems
			deleted += sent - len(pending[table])
		}
	}
	return deleted, nil
}

// batchGet fetches keys in chunks of 100, resending unprocessed keys a bounded number of times.
func batchGet(ctx context.Context, client API, table string, keys []map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for _, batch := range chunk(keys, batchGetLimit) {
		pending := map[string]types.KeysAndAttributes{table: {Keys: batch, ConsistentRead: aws.Bool(true)}}
		for attempt := 0; len(pending[table].Keys) > 0; attempt++ {
			if attempt > unprocessedRetries {
				return nil, fmt.Errorf("batch get %s: %d keys still unprocessed", table, len(pending[table].Keys))
			}
			if attempt > 0 {
				if err := sleepCtx(ctx, backoff(attempt)); err != nil {
					return nil, err
				}
			}
			out, err := client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: pending})
			if err != nil {
				return nil, err
			}
			items = append(items, out.Responses[table]...)
			pending = out.UnprocessedKeys
		}
	}
	return items, nil
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<min(attempt, 6)) * 25 * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
