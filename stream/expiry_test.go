package stream_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-lambda-go/events"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jacentio/ohm/kv"
	"github.com/jacentio/ohm/store"
	"github.com/jacentio/ohm/stream"
)

func schemas() map[string]*store.SchemaSpec {
	return map[string]*store.SchemaSpec{
		"team": {
			Type:       "object",
			Properties: map[string]store.Property{"value": {"type": "string"}},
			Meta: &store.Meta{
				Indexes: []store.IndexSpec{{Name: store.IndexName{"value"}, Unique: true}},
				Links: []store.LinkSpec{
					{Type: store.HasMany, Target: "member", As: "memberIds", ForeignKey: "teamIds"},
				},
			},
		},
		"member": {
			Type: "object",
			Properties: map[string]store.Property{
				"name":  {"type": "string"},
				"email": {"type": "string"},
			},
			Meta: &store.Meta{
				Indexes: []store.IndexSpec{
					{Name: store.IndexName{"email"}, Unique: true},
					{Name: store.IndexName{"name"}},
				},
				Links: []store.LinkSpec{
					{Type: store.HasMany, Target: "team", As: "teamIds", ForeignKey: "memberIds"},
				},
			},
		},
	}
}

func newStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t)
	s := store.New(kv.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()})), store.DefaultConfig(), logger)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Register(schemas()))
	return s, mr
}

func ttlIdentity() *events.DynamoDBUserIdentity {
	return &events.DynamoDBUserIdentity{Type: "Service", PrincipalID: "dynamodb.amazonaws.com"}
}

func expiredRecord(image map[string]events.DynamoDBAttributeValue) events.DynamoDBEventRecord {
	return events.DynamoDBEventRecord{
		EventID:      "1",
		EventName:    "REMOVE",
		UserIdentity: ttlIdentity(),
		Change: events.DynamoDBStreamRecord{
			Keys:     map[string]events.DynamoDBAttributeValue{"pk": image["pk"]},
			OldImage: image,
		},
	}
}

func TestHandleExpirations_Hash(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	teams, err := s.Class("team")
	require.NoError(t, err)
	members, err := s.Class("member")
	require.NoError(t, err)

	team := teams.Create(map[string]any{"value": "core"})
	require.NoError(t, team.Save(ctx, nil))
	m := members.Create(map[string]any{"name": "ann", "email": "ann@example.com", "teamIds": []any{team.ID()}})
	require.NoError(t, m.Save(ctx, nil))

	// The TTL sweeper has removed the record itself.
	mr.Del("ohm:member:" + m.ID())

	h := stream.NewHandler(s, zaptest.NewLogger(t))
	err = h.HandleExpirations(ctx, events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		expiredRecord(map[string]events.DynamoDBAttributeValue{
			"pk":      events.NewStringAttribute("ohm:member:" + m.ID()),
			"t":       events.NewStringAttribute("hash"),
			"ttl":     events.NewNumberAttribute("1700000000"),
			"f.id":    events.NewStringAttribute(m.ID()),
			"f.name":  events.NewStringAttribute("ann"),
			"f.email": events.NewStringAttribute("ann@example.com"),
		}),
	}})
	require.NoError(t, err)

	assert.False(t, mr.Exists("ohm:idx:member:email:ann@example.com"))
	assert.False(t, mr.Exists("ohm:idx:member:name:ann"))
	assert.False(t, mr.Exists("ohm:idx:member:teamIds:"+team.ID()))
	assert.False(t, mr.Exists("ohm:idx:team:memberIds:"+m.ID()))

	loaded, err := teams.Load(ctx, team.ID())
	require.NoError(t, err)
	assert.Equal(t, []any{}, loaded.Value["memberIds"])
}

func TestHandleExpirations_Scalar(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	teams, err := s.Class("team")
	require.NoError(t, err)
	team := teams.Create(map[string]any{"value": "core"})
	require.NoError(t, team.Save(ctx, nil))
	mr.Del("ohm:team:" + team.ID())

	h := stream.NewHandler(s, nil)
	err = h.HandleExpirations(ctx, events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		expiredRecord(map[string]events.DynamoDBAttributeValue{
			"pk": events.NewStringAttribute("ohm:team:" + team.ID()),
			"t":  events.NewStringAttribute("string"),
			"v":  events.NewStringAttribute("core"),
		}),
	}})
	require.NoError(t, err)
	assert.False(t, mr.Exists("ohm:idx:team:value:core"))

	// The name is free again.
	again := teams.Create(map[string]any{"value": "core"})
	assert.NoError(t, again.Save(ctx, nil))
}

func TestHandleExpirations_KeyFromStreamKeys(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	teams, err := s.Class("team")
	require.NoError(t, err)
	team := teams.Create(map[string]any{"value": "ops"})
	require.NoError(t, team.Save(ctx, nil))
	mr.Del("ohm:team:" + team.ID())

	record := expiredRecord(map[string]events.DynamoDBAttributeValue{
		"t": events.NewStringAttribute("string"),
		"v": events.NewStringAttribute("ops"),
	})
	record.Change.Keys = map[string]events.DynamoDBAttributeValue{
		"pk": events.NewStringAttribute("ohm:team:" + team.ID()),
	}

	h := stream.NewHandler(s, zaptest.NewLogger(t))
	require.NoError(t, h.HandleExpirations(ctx, events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{record}}))
	assert.False(t, mr.Exists("ohm:idx:team:value:ops"))
}

func TestHandleExpirations_SkipsUnknownKeys(t *testing.T) {
	s, _ := newStore(t)
	h := stream.NewHandler(s, nil)

	err := h.HandleExpirations(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		expiredRecord(map[string]events.DynamoDBAttributeValue{
			"pk": events.NewStringAttribute("ohm:idx:member:email:ann@example.com"),
			"t":  events.NewStringAttribute("string"),
			"v":  events.NewStringAttribute("1"),
		}),
		expiredRecord(map[string]events.DynamoDBAttributeValue{
			"pk": events.NewStringAttribute("ohm:unknown:1"),
			"t":  events.NewStringAttribute("hash"),
		}),
		expiredRecord(map[string]events.DynamoDBAttributeValue{
			"pk": events.NewStringAttribute("other:member:1"),
			"t":  events.NewStringAttribute("hash"),
		}),
	}})
	assert.NoError(t, err)
}
