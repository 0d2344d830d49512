package kv

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/jacentio/ohm/internal/keys"
)

// Item layout: every store key is one item keyed by pk.
const (
	attrKey     = "pk"
	attrType    = "t"
	attrValue   = "v"
	attrCounter = "n"
	attrTTL     = "ttl"

	fieldPrefix  = "f."
	memberPrefix = "m."

	typeString  = "string"
	typeCounter = "counter"
	typeHash    = "hash"
	typeSet     = "set"
)

// maxTransactItems is the DynamoDB limit for TransactWriteItems.
const maxTransactItems = 100

// DynamoAPI is the subset of the DynamoDB client used by Dynamo.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoConfig describes the DynamoDB table backing the store.
type DynamoConfig struct {
	// Table holds one item per key, with a string partition key "pk" and
	// TTL enabled on the "ttl" attribute.
	Table string `yaml:"table"`

	// Region overrides the region of the default AWS configuration.
	Region string `yaml:"region"`

	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local.
	Endpoint string `yaml:"endpoint"`
}

// Dynamo is a Client backed by a single DynamoDB table.
//
// Hashes keep their fields as "f.<field>" attributes and sets keep their
// members as "m.<member>" attributes, so partial updates never read first.
// Pub/sub is not available.
type Dynamo struct {
	api    DynamoAPI
	table  string
	logger *zap.Logger
	now    func() time.Time
}

// DynamoOption configures a Dynamo client.
type DynamoOption func(*Dynamo)

// WithDynamoLogger sets the logger used for command tracing.
func WithDynamoLogger(logger *zap.Logger) DynamoOption {
	return func(d *Dynamo) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) DynamoOption {
	return func(d *Dynamo) { d.now = now }
}

// NewDynamo creates a Dynamo client on table.
func NewDynamo(api DynamoAPI, table string, opts ...DynamoOption) *Dynamo {
	d := &Dynamo{api: api, table: table, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do executes a single command.
func (d *Dynamo) Do(ctx context.Context, cmd Command) (any, error) {
	result, err := d.do(ctx, cmd)
	if ce := d.logger.Check(zap.DebugLevel, "dynamodb command"); ce != nil {
		ce.Write(zap.Stringer("cmd", cmd), zap.Any("result", result), zap.Error(err))
	}
	return result, err
}

func (d *Dynamo) do(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Name {
	case CmdGet:
		rec, err := d.load(ctx, cmd.Key)
		if err != nil || rec == nil {
			return nil, err
		}
		switch rec.typ {
		case typeString:
			return rec.value, nil
		case typeCounter:
			return strconv.FormatInt(rec.counter, 10), nil
		}
		return nil, wrongType(cmd)
	case CmdSet:
		if len(cmd.Args) != 1 {
			return nil, fmt.Errorf("kv: wrong number of arguments for %s", cmd.Name)
		}
		_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(d.table),
			Item: map[string]types.AttributeValue{
				attrKey:   str(cmd.Key),
				attrType:  str(typeString),
				attrValue: str(argString(cmd.Args[0])),
			},
		})
		if err != nil {
			return nil, err
		}
		return "OK", nil
	case CmdDel:
		var n int64
		for _, key := range append([]string{cmd.Key}, argStrings(cmd.Args)...) {
			out, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:    aws.String(d.table),
				Key:          itemKey(key),
				ReturnValues: types.ReturnValueAllOld,
			})
			if err != nil {
				return nil, err
			}
			if len(out.Attributes) > 0 && !isExpired(out.Attributes, d.now()) {
				n++
			}
		}
		return n, nil
	case CmdExists:
		var n int64
		for _, key := range append([]string{cmd.Key}, argStrings(cmd.Args)...) {
			rec, err := d.load(ctx, key)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				n++
			}
		}
		return n, nil
	case CmdExpire:
		secs, err := argSeconds(cmd.Args)
		if err != nil {
			return nil, err
		}
		if secs <= 0 {
			return d.do(ctx, Cmd(CmdDel, cmd.Key))
		}
		expr := newUpdateExpr()
		expr.set(attrTTL, num(d.now().Add(secs).Unix()))
		return d.conditionalUpdate(ctx, cmd.Key, expr)
	case CmdPersist:
		expr := newUpdateExpr()
		expr.remove(attrTTL)
		expr.condition = "attribute_exists(#ttl)"
		return d.conditionalUpdate(ctx, cmd.Key, expr)
	case CmdIncr:
		expr := newUpdateExpr()
		expr.set(attrType, str(typeCounter))
		expr.add(attrCounter, num(1))
		out, err := d.update(ctx, cmd.Key, expr, types.ReturnValueUpdatedNew)
		if err != nil {
			return nil, err
		}
		n, ok := out.Attributes[attrCounter].(*types.AttributeValueMemberN)
		if !ok {
			return nil, fmt.Errorf("kv: incr %s returned no counter", cmd.Key)
		}
		return strconv.ParseInt(n.Value, 10, 64)
	case CmdKeys:
		return d.keys(ctx, cmd.Key)
	case CmdTTL:
		rec, err := d.load(ctx, cmd.Key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return int64(-2), nil
		}
		if rec.ttl == 0 {
			return int64(-1), nil
		}
		return max(rec.ttl-d.now().Unix(), 0), nil
	case CmdHGetAll:
		rec, err := d.load(ctx, cmd.Key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return map[string]string{}, nil
		}
		if rec.typ != typeHash {
			return nil, wrongType(cmd)
		}
		return rec.fields, nil
	case CmdHMSet:
		fields, err := argFields(cmd.Args)
		if err != nil {
			return nil, err
		}
		expr := newUpdateExpr()
		expr.set(attrType, str(typeHash))
		for _, f := range sortedKeys(fields) {
			expr.set(fieldPrefix+f, str(fields[f]))
		}
		if _, err := d.update(ctx, cmd.Key, expr, types.ReturnValueNone); err != nil {
			return nil, err
		}
		return "OK", nil
	case CmdHDel:
		expr := newUpdateExpr()
		for _, f := range uniqueStrings(argStrings(cmd.Args)) {
			expr.remove(fieldPrefix + f)
		}
		return d.countingUpdate(ctx, cmd.Key, expr)
	case CmdSAdd:
		members := uniqueStrings(argStrings(cmd.Args))
		expr := newUpdateExpr()
		expr.set(attrType, str(typeSet))
		for _, m := range members {
			expr.set(memberPrefix+m, &types.AttributeValueMemberBOOL{Value: true})
		}
		out, err := d.update(ctx, cmd.Key, expr, types.ReturnValueUpdatedOld)
		if err != nil {
			return nil, err
		}
		added := int64(len(members))
		for name := range out.Attributes {
			if strings.HasPrefix(name, memberPrefix) {
				added--
			}
		}
		return added, nil
	case CmdSRem:
		expr := newUpdateExpr()
		for _, m := range uniqueStrings(argStrings(cmd.Args)) {
			expr.remove(memberPrefix + m)
		}
		return d.countingUpdate(ctx, cmd.Key, expr)
	case CmdSIsMember:
		if len(cmd.Args) != 1 {
			return nil, fmt.Errorf("kv: wrong number of arguments for %s", cmd.Name)
		}
		rec, err := d.load(ctx, cmd.Key)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.hasMember(argString(cmd.Args[0])) {
			return int64(1), nil
		}
		return int64(0), nil
	case CmdSMembers:
		rec, err := d.load(ctx, cmd.Key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return []string{}, nil
		}
		if rec.typ != typeSet {
			return nil, wrongType(cmd)
		}
		return rec.members, nil
	}
	return nil, Unsupported(cmd.Name)
}

// Multi opens a batch applied with a single TransactWriteItems call.
func (d *Dynamo) Multi() Batch {
	return &dynamoBatch{d: d}
}

// Publish is not available on DynamoDB.
func (d *Dynamo) Publish(context.Context, string, string) (int64, error) {
	return 0, Unsupported(CmdPublish)
}

// Subscribe is not available on DynamoDB.
func (d *Dynamo) Subscribe(context.Context, string, MessageHandler) (Subscription, error) {
	return nil, Unsupported("subscribe")
}

// Close is a no-op; the AWS client has no connections to release.
func (d *Dynamo) Close() error { return nil }

// load reads a live item, returning nil when it is missing or expired.
func (d *Dynamo) load(ctx context.Context, key string) (*dynamoRecord, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil || isExpired(out.Item, d.now()) {
		return nil, nil
	}
	rec := decodeRecord(out.Item)
	if rec.empty() {
		return nil, nil
	}
	return rec, nil
}

func (d *Dynamo) update(ctx context.Context, key string, expr *updateExpr, rv types.ReturnValue) (*dynamodb.UpdateItemOutput, error) {
	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.table),
		Key:                       itemKey(key),
		UpdateExpression:          aws.String(expr.String()),
		ExpressionAttributeNames:  expr.names,
		ExpressionAttributeValues: expr.valuesOrNil(),
		ReturnValues:              rv,
	}
	if expr.condition != "" {
		input.ConditionExpression = aws.String(expr.condition)
	}
	return d.api.UpdateItem(ctx, input)
}

// conditionalUpdate applies expr only to a live item and replies 1 or 0.
func (d *Dynamo) conditionalUpdate(ctx context.Context, key string, expr *updateExpr) (any, error) {
	expr.requireLive(d.now())
	if _, err := d.update(ctx, key, expr, types.ReturnValueNone); err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return int64(0), nil
		}
		return nil, err
	}
	return int64(1), nil
}

// countingUpdate removes attributes of a live item and replies how many existed.
func (d *Dynamo) countingUpdate(ctx context.Context, key string, expr *updateExpr) (any, error) {
	if len(expr.removes) == 0 {
		return int64(0), nil
	}
	expr.requireLive(d.now())
	out, err := d.update(ctx, key, expr, types.ReturnValueUpdatedOld)
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return int64(0), nil
		}
		return nil, err
	}
	return int64(len(out.Attributes)), nil
}

// keys scans for keys matching a glob pattern. The literal prefix of the
// pattern narrows the scan; the rest is matched client side.
func (d *Dynamo) keys(ctx context.Context, pattern string) ([]string, error) {
	names := ttlFilterNames()
	names["#t"] = attrType
	values := ttlFilterValues(d.now())
	filter := "attribute_exists(#t) AND " + ttlFilterExpr()
	if prefix := keys.GlobPrefix(pattern); prefix != "" {
		filter = "begins_with(#pk, :prefix) AND " + filter
		values[":prefix"] = str(prefix)
	}

	paginator := dynamodb.NewScanPaginator(d.api, &dynamodb.ScanInput{
		TableName:                 aws.String(d.table),
		FilterExpression:          aws.String(filter),
		ProjectionExpression:      aws.String("#pk, #t"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	})

	out := []string{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			key, ok := item[attrKey].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			if matched, _ := path.Match(pattern, key.Value); matched {
				out = append(out, key.Value)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// dynamoRecord is the decoded form of an item.
type dynamoRecord struct {
	typ     string
	value   string
	counter int64
	fields  map[string]string
	members []string
	ttl     int64
}

func decodeRecord(item map[string]types.AttributeValue) *dynamoRecord {
	rec := &dynamoRecord{fields: map[string]string{}, members: []string{}, ttl: itemTTL(item)}
	if t, ok := item[attrType].(*types.AttributeValueMemberS); ok {
		rec.typ = t.Value
	}
	if v, ok := item[attrValue].(*types.AttributeValueMemberS); ok {
		rec.value = v.Value
	}
	if n, ok := item[attrCounter].(*types.AttributeValueMemberN); ok {
		rec.counter, _ = strconv.ParseInt(n.Value, 10, 64)
	}
	for name, av := range item {
		switch {
		case strings.HasPrefix(name, fieldPrefix):
			if s, ok := av.(*types.AttributeValueMemberS); ok {
				rec.fields[strings.TrimPrefix(name, fieldPrefix)] = s.Value
			}
		case strings.HasPrefix(name, memberPrefix):
			rec.members = append(rec.members, strings.TrimPrefix(name, memberPrefix))
		}
	}
	sort.Strings(rec.members)
	return rec
}

// empty reports whether the record reads as a missing key: it has no type, or
// it is a hash or set without entries.
func (r *dynamoRecord) empty() bool {
	switch r.typ {
	case typeHash:
		return len(r.fields) == 0
	case typeSet:
		return len(r.members) == 0
	}
	return r.typ == ""
}

func (r *dynamoRecord) hasMember(m string) bool {
	i := sort.SearchStrings(r.members, m)
	return i < len(r.members) && r.members[i] == m
}

// updateExpr accumulates an UpdateExpression with generated placeholders.
type updateExpr struct {
	sets      []string
	adds      []string
	removes   []string
	names     map[string]string
	values    map[string]types.AttributeValue
	condition string
	n         int
}

func newUpdateExpr() *updateExpr {
	return &updateExpr{names: map[string]string{}, values: map[string]types.AttributeValue{}}
}

func (u *updateExpr) placeholder(attr string) string {
	name := fmt.Sprintf("#a%d", u.n)
	u.n++
	u.names[name] = attr
	return name
}

func (u *updateExpr) value(av types.AttributeValue) string {
	name := fmt.Sprintf(":v%d", len(u.values))
	u.values[name] = av
	return name
}

func (u *updateExpr) set(attr string, av types.AttributeValue) {
	u.sets = append(u.sets, u.placeholder(attr)+" = "+u.value(av))
}

func (u *updateExpr) add(attr string, av types.AttributeValue) {
	u.adds = append(u.adds, u.placeholder(attr)+" "+u.value(av))
}

func (u *updateExpr) remove(attr string) {
	u.removes = append(u.removes, u.placeholder(attr))
}

// requireLive conditions the update on a live item.
func (u *updateExpr) requireLive(now time.Time) {
	cond := liveCondition()
	if u.condition != "" {
		cond += " AND " + u.condition
	}
	u.condition = cond
	for k, v := range ttlFilterNames() {
		u.names[k] = v
	}
	for k, v := range ttlFilterValues(now) {
		u.values[k] = v
	}
}

func (u *updateExpr) empty() bool {
	return len(u.sets) == 0 && len(u.adds) == 0 && len(u.removes) == 0
}

func (u *updateExpr) String() string {
	var parts []string
	if len(u.sets) > 0 {
		parts = append(parts, "SET "+strings.Join(u.sets, ", "))
	}
	if len(u.adds) > 0 {
		parts = append(parts, "ADD "+strings.Join(u.adds, ", "))
	}
	if len(u.removes) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(u.removes, ", "))
	}
	return strings.Join(parts, " ")
}

// valuesOrNil avoids sending an empty value map, which DynamoDB rejects.
func (u *updateExpr) valuesOrNil() map[string]types.AttributeValue {
	if len(u.values) == 0 {
		return nil
	}
	return u.values
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrKey: str(key)}
}

func str(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func num(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func wrongType(cmd Command) error {
	return fmt.Errorf("kv: WRONGTYPE %s against %s", cmd.Name, cmd.Key)
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func uniqueStrings(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := ss[:0:0]
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ImageRecord extracts a record from the string attributes of an item image,
// such as the old image of a stream record. Hash fields come back by name and
// a string item as the "value" field; ok is false for counters and sets.
func ImageRecord(attrs map[string]string) (key string, fields map[string]string, ok bool) {
	key = attrs[attrKey]
	switch attrs[attrType] {
	case typeString:
		return key, map[string]string{"value": attrs[attrValue]}, true
	case typeHash:
		fields = map[string]string{}
		for name, v := range attrs {
			if strings.HasPrefix(name, fieldPrefix) {
				fields[strings.TrimPrefix(name, fieldPrefix)] = v
			}
		}
		return key, fields, true
	}
	return key, nil, false
}
