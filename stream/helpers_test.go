package stream

import (
	"context"
	"testing"

	"github.com/aws/aws-lambda-go/events"
)

// --- getStringAttr Tests ---

func TestGetStringAttr_ExistingString(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"pk": events.NewStringAttribute("ohm:contact:1"),
	}

	result := getStringAttr(image, "pk")
	if result != "ohm:contact:1" {
		t.Errorf("expected 'ohm:contact:1', got %q", result)
	}
}

func TestGetStringAttr_MissingKey(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"other": events.NewStringAttribute("value"),
	}

	result := getStringAttr(image, "pk")
	if result != "" {
		t.Errorf("expected empty string for missing key, got %q", result)
	}
}

func TestGetStringAttr_NilImage(t *testing.T) {
	var image map[string]events.DynamoDBAttributeValue

	result := getStringAttr(image, "pk")
	if result != "" {
		t.Errorf("expected empty string for nil image, got %q", result)
	}
}

func TestGetStringAttr_NumberAttribute(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"pk": events.NewNumberAttribute("42"),
	}

	result := getStringAttr(image, "pk")
	if result != "" {
		t.Errorf("expected empty string for number attribute, got %q", result)
	}
}

// --- getNumberAttr Tests ---

func TestGetNumberAttr_ValidNumber(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"ttl": events.NewNumberAttribute("1234567890"),
	}

	result := getNumberAttr(image, "ttl")
	if result != 1234567890 {
		t.Errorf("expected 1234567890, got %d", result)
	}
}

func TestGetNumberAttr_MissingKey(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"other": events.NewNumberAttribute("42"),
	}

	result := getNumberAttr(image, "ttl")
	if result != 0 {
		t.Errorf("expected 0 for missing key, got %d", result)
	}
}

func TestGetNumberAttr_StringAttribute(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"ttl": events.NewStringAttribute("not-a-number"),
	}

	result := getNumberAttr(image, "ttl")
	if result != 0 {
		t.Errorf("expected 0 for string attribute, got %d", result)
	}
}

// --- imageStrings Tests ---

func TestImageStrings(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"pk":      events.NewStringAttribute("ohm:contact:1"),
		"ttl":     events.NewNumberAttribute("100"),
		"f.email": events.NewStringAttribute("ann@example.com"),
		"bin":     events.NewBinaryAttribute([]byte{0x01}),
		"flag":    events.NewBooleanAttribute(true),
	}

	result := imageStrings(image)
	if len(result) != 3 {
		t.Fatalf("expected 3 attributes, got %d: %v", len(result), result)
	}
	if result["ttl"] != "100" {
		t.Errorf("expected ttl '100', got %q", result["ttl"])
	}
	if result["f.email"] != "ann@example.com" {
		t.Errorf("expected email field, got %q", result["f.email"])
	}
}

// --- isTTLDelete Tests ---

func TestIsTTLDelete(t *testing.T) {
	tests := []struct {
		name     string
		identity *events.DynamoDBUserIdentity
		want     bool
	}{
		{"ttl sweeper", &events.DynamoDBUserIdentity{Type: "Service", PrincipalID: "dynamodb.amazonaws.com"}, true},
		{"client delete", nil, false},
		{"other service", &events.DynamoDBUserIdentity{Type: "Service", PrincipalID: "lambda.amazonaws.com"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := events.DynamoDBEventRecord{UserIdentity: tt.identity}
			if got := isTTLDelete(record); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

// --- processRecord Tests ---

func TestProcessRecord_SkipsOtherEvents(t *testing.T) {
	tests := []struct {
		name      string
		eventName string
		identity  *events.DynamoDBUserIdentity
	}{
		{"INSERT", "INSERT", nil},
		{"MODIFY", "MODIFY", nil},
		{"client REMOVE", "REMOVE", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A nil store is never reached for skipped records.
			h := NewHandler(nil, nil)
			record := events.DynamoDBEventRecord{
				EventName:    tt.eventName,
				UserIdentity: tt.identity,
			}

			if err := h.processRecord(context.Background(), record); err != nil {
				t.Errorf("expected no error for %s event, got %v", tt.eventName, err)
			}
		})
	}
}

func TestProcessRecord_SkipsCountersAndSets(t *testing.T) {
	h := NewHandler(nil, nil)
	record := events.DynamoDBEventRecord{
		EventName:    "REMOVE",
		UserIdentity: &events.DynamoDBUserIdentity{Type: "Service", PrincipalID: ttlPrincipal},
		Change: events.DynamoDBStreamRecord{
			OldImage: map[string]events.DynamoDBAttributeValue{
				"pk": events.NewStringAttribute("ohm:idx:contact:lastname:Doe"),
				"t":  events.NewStringAttribute("set"),
			},
		},
	}

	if err := h.processRecord(context.Background(), record); err != nil {
		t.Errorf("expected no error for a set item, got %v", err)
	}
}
