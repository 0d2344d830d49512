package kv

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB deletes expired items lazily, so every read filters on the ttl
// attribute itself.

// isExpired checks if an item carries a ttl at or before now.
func isExpired(item map[string]types.AttributeValue, now time.Time) bool {
	ttl := itemTTL(item)
	return ttl != 0 && ttl <= now.Unix()
}

// itemTTL returns the epoch-seconds ttl of an item, or 0 when it has none.
func itemTTL(item map[string]types.AttributeValue) int64 {
	ttlNum, ok := item[attrTTL].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	ttl, err := strconv.ParseInt(ttlNum.Value, 10, 64)
	if err != nil {
		return 0
	}
	return ttl
}

// ttlFilterExpr returns the filter expression that excludes expired items.
func ttlFilterExpr() string {
	return "(attribute_not_exists(#ttl) OR #ttl > :now)"
}

// liveCondition requires the item to exist and not be expired.
func liveCondition() string {
	return "attribute_exists(#pk) AND " + ttlFilterExpr()
}

func ttlFilterNames() map[string]string {
	return map[string]string{"#ttl": attrTTL, "#pk": attrKey}
}

func ttlFilterValues(now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
	}
}
