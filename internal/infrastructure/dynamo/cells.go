package dynamo

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/pkg/geo"
)

// cellPrefixLen is the length of the cell_prefix partition key on the cell GSI. Two
// characters give 1024 partitions, each roughly 1250 km across.
const cellPrefixLen = 2

// cellPartition is one Query against the cell GSI.
type cellPartition struct {
	Prefix string
	Lo, Hi string
}

func cellPrefix(code string) string {
	if len(code) < cellPrefixLen {
		return code
	}
	return code[:cellPrefixLen]
}

// cellPartitions splits an inclusive [start, end] code range into one bounded range per
// cell_prefix partition it touches.
func cellPartitions(start, end string) []cellPartition {
	var out []cellPartition
	for _, p := range geo.Prefixes(geo.Range{Start: start, End: end}, cellPrefixLen) {
		lo := max(start, p)
		hi := min(end, p+"~")
		if lo > hi {
			continue
		}
		out = append(out, cellPartition{Prefix: p, Lo: lo, Hi: hi})
	}
	return out
}

// scanFilter adds the optional created-after and not-expired conditions to a scan Query.
type scanFilter struct {
	notExpiredAt time.Time
	createdAfter time.Time
}

func (f scanFilter) apply(in *dynamodb.QueryInput) {
	var expr string
	and := func(s string) {
		if expr != "" {
			expr += " AND "
		}
		expr += s
	}
	if !f.notExpiredAt.IsZero() {
		in.ExpressionAttributeNames["#exp"] = fieldExpiresAt
		in.ExpressionAttributeValues[":now"] = numAttr(millis(f.notExpiredAt))
		and("#exp > :now")
	}
	if !f.createdAfter.IsZero() {
		in.ExpressionAttributeNames["#ca"] = fieldCreatedAt
		in.ExpressionAttributeValues[":after"] = numAttr(millis(f.createdAfter))
		and("#ca > :after")
	}
	if expr != "" {
		in.FilterExpression = aws.String(expr)
	}
}

// scanInputs translates a ScanRange into the Queries that cover it. cell_code ranges use
// the cell GSI; time ranges use the kind/<time> GSI named by timeIndex.
func scanInputs(table, kind string, timeIndexes map[domain.Field]string, r domain.ScanRange, f scanFilter) ([]*dynamodb.QueryInput, error) {
	if r.Start > r.End {
		return nil, nil
	}
	if r.Field == domain.FieldCellCode {
		var inputs []*dynamodb.QueryInput
		for _, p := range cellPartitions(r.Start, r.End) {
			in := &dynamodb.QueryInput{
				TableName:              aws.String(table),
				IndexName:              aws.String(indexCell),
				KeyConditionExpression: aws.String("#p = :p AND #c BETWEEN :lo AND :hi"),
				ExpressionAttributeNames: map[string]string{
					"#p": fieldCellPrefix,
					"#c": fieldCellCode,
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":p":  strAttr(p.Prefix),
					":lo": strAttr(p.Lo),
					":hi": strAttr(p.Hi),
				},
			}
			f.apply(in)
			inputs = append(inputs, in)
		}
		return inputs, nil
	}

	index, ok := timeIndexes[r.Field]
	if !ok {
		return nil, domain.Invalid("field %q is not range-scannable", r.Field)
	}
	lo, err := domain.ParseTimeKey(r.Start)
	if err != nil {
		return nil, err
	}
	hi, err := domain.ParseTimeKey(r.End)
	if err != nil {
		return nil, err
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(table),
		IndexName:              aws.String(index),
		KeyConditionExpression: aws.String("#k = :k AND #t BETWEEN :lo AND :hi"),
		ExpressionAttributeNames: map[string]string{
			"#k": fieldKind,
			"#t": string(r.Field),
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":k":  strAttr(kind),
			":lo": numAttr(millis(lo)),
			":hi": numAttr(millis(hi)),
		},
	}
	f.apply(in)
	return []*dynamodb.QueryInput{in}, nil
}
