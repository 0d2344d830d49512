// Package stream provides DynamoDB Streams handlers that keep index and link
// entries consistent when records expire.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jacentio/ohm/internal/keys"
	"github.com/jacentio/ohm/kv"
	"github.com/jacentio/ohm/store"
)

// ttlPrincipal is the identity DynamoDB reports for TTL deletions.
const ttlPrincipal = "dynamodb.amazonaws.com"

// Handler processes DynamoDB stream events for expired records.
type Handler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(s *store.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:  s,
		logger: logger.Named("stream"),
	}
}

// HandleExpirations removes the index and link entries of records deleted by
// the DynamoDB TTL sweeper. It is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleExpirations(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				zap.String("eventID", record.EventID),
				zap.Error(err),
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	if record.EventName != string(events.DynamoDBOperationTypeRemove) || !isTTLDelete(record) {
		return nil
	}

	image := imageStrings(record.Change.OldImage)
	key, fields, ok := kv.ImageRecord(image)
	if !ok {
		return nil
	}
	if key == "" {
		key = getStringAttr(record.Change.Keys, "pk")
	}

	cfg := h.store.Config()
	schema, id, ok := keys.ParseRecord(cfg.Prefix, key, cfg.IdxPrefix, cfg.IDPrefix)
	if !ok {
		return nil
	}
	class, err := h.store.Class(schema)
	if errors.Is(err, store.ErrSchemaNotFound) {
		h.logger.Debug("skipping unregistered schema", zap.String("key", key))
		return nil
	}
	if err != nil {
		return err
	}

	e, err := class.Decode(id, fields)
	if err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	if err := e.LoadLinks(ctx); err != nil {
		return fmt.Errorf("load links of %s: %w", key, err)
	}

	m := h.store.Multi()
	if err := e.RemoveLinks(ctx, m); err != nil {
		return err
	}
	if err := e.RemoveIndexes(ctx, m); err != nil {
		return err
	}
	if m.Len() == 0 {
		return nil
	}
	if _, err := m.Exec(ctx); err != nil {
		return fmt.Errorf("sweep %s: %w", key, err)
	}

	h.logger.Info("expired entity swept",
		zap.String("type", schema),
		zap.String("id", id),
		zap.Int64("ttl", getNumberAttr(record.Change.OldImage, "ttl")),
		zap.Int("commands", m.Len()),
	)
	return nil
}

// isTTLDelete reports whether the removal was issued by the TTL sweeper
// rather than by a client.
func isTTLDelete(record events.DynamoDBEventRecord) bool {
	return record.UserIdentity != nil &&
		record.UserIdentity.Type == "Service" &&
		record.UserIdentity.PrincipalID == ttlPrincipal
}

// imageStrings flattens the string and number attributes of a stream image.
func imageStrings(image map[string]events.DynamoDBAttributeValue) map[string]string {
	out := make(map[string]string, len(image))
	for k, v := range image {
		switch v.DataType() {
		case events.DataTypeString:
			out[k] = v.String()
		case events.DataTypeNumber:
			out[k] = v.Number()
		}
	}
	return out
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}
