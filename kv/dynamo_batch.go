package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// dynamoBatchable lists the commands a Dynamo batch accepts.
var dynamoBatchable = map[string]bool{
	CmdSet: true, CmdDel: true, CmdExpire: true, CmdPersist: true,
	CmdHMSet: true, CmdHDel: true, CmdSAdd: true, CmdSRem: true,
}

// dynamoBatch folds queued commands into one write per key. Replies are
// "OK" for set and hmset and 1 for the other commands, since a transaction
// cannot report how many keys or members it touched.
type dynamoBatch struct {
	d    *Dynamo
	cmds []Command
}

func (b *dynamoBatch) Queue(cmd Command) error {
	if !dynamoBatchable[cmd.Name] {
		return Unsupported(cmd.Name)
	}
	b.cmds = append(b.cmds, cmd)
	return nil
}

func (b *dynamoBatch) Len() int { return len(b.cmds) }

func (b *dynamoBatch) Commands() []Command { return b.cmds }

func (b *dynamoBatch) Exec(ctx context.Context) ([]any, error) {
	if len(b.cmds) == 0 {
		return nil, nil
	}
	items, err := foldBatch(b.d.table, b.cmds, b.d.now())
	if err != nil {
		return nil, err
	}
	if len(items) > maxTransactItems {
		return nil, fmt.Errorf("kv: batch touches %d keys, DynamoDB allows %d", len(items), maxTransactItems)
	}
	if _, err := b.d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	}); err != nil {
		b.d.logger.Debug("dynamodb transaction failed", zap.Int("commands", len(b.cmds)), zap.Error(err))
		return nil, err
	}

	results := make([]any, len(b.cmds))
	for i, cmd := range b.cmds {
		switch cmd.Name {
		case CmdSet, CmdHMSet:
			results[i] = "OK"
		default:
			results[i] = int64(1)
		}
	}
	if ce := b.d.logger.Check(zap.DebugLevel, "dynamodb multi"); ce != nil {
		ce.Write(zap.Int("commands", len(b.cmds)), zap.Int("items", len(items)))
	}
	b.cmds = nil
	return results, nil
}

// pendingWrite is the net effect of a batch on one key.
type pendingWrite struct {
	key string

	// replace is set once the whole state of the key is known (after set or
	// del), so the write becomes a Put or a Delete.
	replace bool
	typ     string
	value   *string

	// attrs maps hash fields and set members to their value; nil removes.
	attrs map[string]types.AttributeValue
	order []string

	ttl      int64
	clearTTL bool
}

func (p *pendingWrite) reset() {
	p.replace = true
	p.typ = ""
	p.value = nil
	p.attrs = map[string]types.AttributeValue{}
	p.order = nil
	p.ttl = 0
	p.clearTTL = false
}

func (p *pendingWrite) setAttr(name string, av types.AttributeValue) {
	if _, seen := p.attrs[name]; !seen {
		p.order = append(p.order, name)
	}
	p.attrs[name] = av
}

func (p *pendingWrite) removeAttr(name string) {
	if p.replace {
		if _, seen := p.attrs[name]; seen {
			delete(p.attrs, name)
			p.order = removeString(p.order, name)
		}
		return
	}
	p.setAttr(name, nil)
}

// deleted reports whether the key ends up missing.
func (p *pendingWrite) deleted() bool {
	return p.replace && p.typ == ""
}

// foldBatch turns cmds into TransactWriteItems, one per key in first-seen order.
func foldBatch(table string, cmds []Command, now time.Time) ([]types.TransactWriteItem, error) {
	byKey := map[string]*pendingWrite{}
	var order []string

	for _, cmd := range cmds {
		p, ok := byKey[cmd.Key]
		if !ok {
			p = &pendingWrite{key: cmd.Key, attrs: map[string]types.AttributeValue{}}
			byKey[cmd.Key] = p
			order = append(order, cmd.Key)
		}

		switch cmd.Name {
		case CmdDel:
			if len(cmd.Args) > 0 {
				return nil, fmt.Errorf("kv: batched %s takes a single key", cmd.Name)
			}
			p.reset()
		case CmdSet:
			if len(cmd.Args) != 1 {
				return nil, fmt.Errorf("kv: wrong number of arguments for %s", cmd.Name)
			}
			p.reset()
			v := argString(cmd.Args[0])
			p.typ = typeString
			p.value = &v
		case CmdExpire:
			secs, err := argSeconds(cmd.Args)
			if err != nil {
				return nil, err
			}
			if secs <= 0 {
				p.reset()
				continue
			}
			if p.deleted() {
				continue
			}
			p.ttl = now.Add(secs).Unix()
			p.clearTTL = false
		case CmdPersist:
			p.ttl = 0
			p.clearTTL = !p.replace
		case CmdHMSet:
			fields, err := argFields(cmd.Args)
			if err != nil {
				return nil, err
			}
			p.typ = typeHash
			for _, f := range sortedKeys(fields) {
				p.setAttr(fieldPrefix+f, str(fields[f]))
			}
		case CmdHDel:
			for _, f := range argStrings(cmd.Args) {
				p.removeAttr(fieldPrefix + f)
			}
		case CmdSAdd:
			p.typ = typeSet
			for _, m := range argStrings(cmd.Args) {
				p.setAttr(memberPrefix+m, &types.AttributeValueMemberBOOL{Value: true})
			}
		case CmdSRem:
			for _, m := range argStrings(cmd.Args) {
				p.removeAttr(memberPrefix + m)
			}
		default:
			return nil, Unsupported(cmd.Name)
		}
	}

	items := make([]types.TransactWriteItem, 0, len(order))
	for _, key := range order {
		item, err := byKey[key].transactItem(table)
		if err != nil {
			return nil, err
		}
		if item != nil {
			items = append(items, *item)
		}
	}
	return items, nil
}

// transactItem returns the write for p, or nil when p changes nothing.
func (p *pendingWrite) transactItem(table string) (*types.TransactWriteItem, error) {
	if p.replace {
		if p.deleted() || (p.value == nil && len(p.order) == 0) {
			return &types.TransactWriteItem{Delete: &types.Delete{
				TableName: aws.String(table),
				Key:       itemKey(p.key),
			}}, nil
		}
		doc := map[string]any{attrKey: p.key, attrType: p.typ}
		if p.value != nil {
			doc[attrValue] = *p.value
		}
		if p.ttl != 0 {
			doc[attrTTL] = p.ttl
		}
		item, err := attributevalue.MarshalMap(doc)
		if err != nil {
			return nil, fmt.Errorf("kv: marshal %s: %w", p.key, err)
		}
		for _, name := range p.order {
			item[name] = p.attrs[name]
		}
		return &types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(table),
			Item:      item,
		}}, nil
	}

	expr := newUpdateExpr()
	if p.typ != "" {
		expr.set(attrType, str(p.typ))
	}
	for _, name := range p.order {
		if av := p.attrs[name]; av != nil {
			expr.set(name, av)
		} else {
			expr.remove(name)
		}
	}
	switch {
	case p.ttl != 0:
		expr.set(attrTTL, num(p.ttl))
	case p.clearTTL:
		expr.remove(attrTTL)
	}
	if expr.empty() {
		return nil, nil
	}
	// Removals on a missing key leave a typeless item, which reads as missing.
	return &types.TransactWriteItem{Update: &types.Update{
		TableName:                 aws.String(table),
		Key:                       itemKey(p.key),
		UpdateExpression:          aws.String(expr.String()),
		ExpressionAttributeNames:  expr.names,
		ExpressionAttributeValues: expr.valuesOrNil(),
	}}, nil
}

func removeString(ss []string, s string) []string {
	for i, v := range ss {
		if v == s {
			return append(ss[:i], ss[i+1:]...)
		}
	}
	return ss
}
