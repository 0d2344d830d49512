//go:build e2e

// Package e2e contains end-to-end integration tests against a Redis container
// and a real DynamoDB table.
// Run with: go test -tags=e2e -v ./e2e/...
//
// The DynamoDB backend runs only when OHM_E2E_AWS_PROFILE names a shared
// config profile.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jacentio/ohm/kv"
	"github.com/jacentio/ohm/store"
)

const tablePrefix = "ohm-e2e-test"

var (
	testID    string
	table     string
	ddbClient *dynamodb.Client

	redisContainer testcontainers.Container
	redisAddr      string
)

func TestMain(m *testing.M) {
	testID = uuid.New().String()[:8]
	ctx := context.Background()

	if err := startRedis(ctx); err != nil {
		fmt.Printf("Failed to start redis: %v\n", err)
		os.Exit(1)
	}

	if profile := os.Getenv("OHM_E2E_AWS_PROFILE"); profile != "" {
		cfg, err := config.LoadDefaultConfig(ctx, config.WithSharedConfigProfile(profile))
		if err != nil {
			fmt.Printf("Failed to load AWS config: %v\n", err)
			stopRedis(ctx)
			os.Exit(1)
		}
		ddbClient = dynamodb.NewFromConfig(cfg)
		table = fmt.Sprintf("%s-%s", tablePrefix, testID)
		fmt.Printf("Test ID: %s, table: %s\n", testID, table)

		if err := createTable(ctx); err != nil {
			fmt.Printf("Failed to create table: %v\n", err)
			stopRedis(ctx)
			os.Exit(1)
		}
	}

	code := m.Run()

	if ddbClient != nil {
		if _, err := ddbClient.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(table)}); err != nil {
			fmt.Printf("Warning: failed to delete table %s: %v\n", table, err)
		}
	}
	stopRedis(ctx)
	os.Exit(code)
}

func startRedis(ctx context.Context) error {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		return err
	}
	addr, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(ctx)
		return err
	}
	redisContainer, redisAddr = c, addr
	return nil
}

func stopRedis(ctx context.Context) {
	if redisContainer != nil {
		_ = redisContainer.Terminate(ctx)
	}
}

func createTable(ctx context.Context) error {
	_, err := ddbClient.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(ddbClient)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, 2*time.Minute); err != nil {
		return fmt.Errorf("wait for table %s: %w", table, err)
	}

	_, err = ddbClient.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("ttl"),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("enable ttl on %s: %w", table, err)
	}
	return nil
}

// --- Backends ---

type backend struct {
	name   string
	client func(t *testing.T) kv.Client
}

func backends(t *testing.T) []backend {
	b := []backend{{
		name: "redis",
		client: func(t *testing.T) kv.Client {
			r := kv.DialRedis(kv.RedisConfig{Addr: redisAddr})
			if err := r.Ping(context.Background()); err != nil {
				t.Fatalf("ping redis: %v", err)
			}
			return r
		},
	}}
	if ddbClient != nil {
		b = append(b, backend{
			name:   "dynamodb",
			client: func(t *testing.T) kv.Client { return kv.NewDynamo(ddbClient, table) },
		})
	} else {
		t.Log("OHM_E2E_AWS_PROFILE not set, skipping dynamodb")
	}
	return b
}

// newStore returns a store with a prefix unique to the test, so runs never
// share keys.
func newStore(t *testing.T, client kv.Client) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Prefix = "e2e" + uuid.New().String()[:8]

	s := store.New(client, cfg, nil)
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Register(schemas()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return s
}

func schemas() map[string]*store.SchemaSpec {
	return map[string]*store.SchemaSpec{
		"studio": {
			Type: "object",
			Properties: map[string]store.Property{
				"name": {"type": "string"},
				"slug": {"type": "string"},
			},
			Meta: &store.Meta{
				IDGenerator: store.IDGeneratorIncrement,
				Indexes: []store.IndexSpec{
					{Name: store.IndexName{"slug"}, Unique: true},
					{Name: store.IndexName{"name"}},
				},
				Links: []store.LinkSpec{
					{Type: store.HasMany, Target: "title", As: "titleIds", ForeignKey: "studioId"},
				},
				Operations: map[string]map[string]*store.OperationSpec{
					store.NamespaceDB: {store.OpNew: {Required: []string{"name", "slug"}}},
				},
			},
		},
		"title": {
			Type: "object",
			Properties: map[string]store.Property{
				"name": {"type": "string"},
			},
			Meta: &store.Meta{
				Links: []store.LinkSpec{
					{Type: store.HasOne, Target: "studio", As: "studioId", ForeignKey: "titleIds"},
				},
			},
		},
		"tag": {
			Type:       "object",
			Properties: map[string]store.Property{"value": {"type": "string"}},
			Meta: &store.Meta{
				Indexes: []store.IndexSpec{{Name: store.IndexName{"value"}, Unique: true}},
			},
		},
	}
}

func class(t *testing.T, s *store.Store, name string) *store.EntityClass {
	t.Helper()
	c, err := s.Class(name)
	if err != nil {
		t.Fatalf("Class(%s) failed: %v", name, err)
	}
	return c
}

// --- Tests ---

func TestLifecycle(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, b.client(t))
			studios := class(t, s, "studio")

			studio := studios.Create(map[string]any{"name": "Acme", "slug": "acme"})
			if err := studio.Save(ctx, nil); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			if studio.ID() != "1" {
				t.Errorf("expected increment id 1, got %q", studio.ID())
			}

			loaded, err := studios.Load(ctx, studio.ID())
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Value["slug"] != "acme" {
				t.Errorf("expected slug 'acme', got %v", loaded.Value["slug"])
			}

			loaded.Value["slug"] = "acme-films"
			if err := loaded.Update(ctx, nil); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			id, err := studios.FindIDByIndex(ctx, "slug", "acme-films")
			if err != nil || id != studio.ID() {
				t.Errorf("expected new slug to resolve to %s, got %q (%v)", studio.ID(), id, err)
			}
			id, err = studios.FindIDByIndex(ctx, "slug", "acme")
			if err != nil || id != "" {
				t.Errorf("expected old slug to be released, got %q (%v)", id, err)
			}

			if err := studios.Delete(ctx, studio.ID(), nil); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, err := studios.Load(ctx, studio.ID()); !errors.Is(err, store.ErrEntityNotFound) {
				t.Errorf("expected ErrEntityNotFound after delete, got %v", err)
			}
		})
	}
}

func TestUniqueConflict(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, b.client(t))
			studios := class(t, s, "studio")

			if err := studios.Create(map[string]any{"name": "A", "slug": "dup"}).Save(ctx, nil); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			err := studios.Create(map[string]any{"name": "B", "slug": "dup"}).Save(ctx, nil)
			if !errors.Is(err, store.ErrEntityConflict) {
				t.Fatalf("expected ErrEntityConflict, got %v", err)
			}

			list, err := studios.List(ctx, "")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(list) != 1 {
				t.Errorf("expected 1 studio after conflict, got %d", len(list))
			}
		})
	}
}

func TestLinks(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, b.client(t))
			studios := class(t, s, "studio")
			titles := class(t, s, "title")

			studio := studios.Create(map[string]any{"name": "Acme", "slug": "acme"})
			if err := studio.Save(ctx, nil); err != nil {
				t.Fatalf("Save studio failed: %v", err)
			}

			m := s.Multi()
			for _, name := range []string{"One", "Two"} {
				title := titles.Create(map[string]any{"name": name, "studioId": studio.ID()})
				if err := title.Save(ctx, m); err != nil {
					t.Fatalf("queue title failed: %v", err)
				}
			}
			if _, err := m.Exec(ctx); err != nil {
				t.Fatalf("Exec failed: %v", err)
			}

			loaded, err := studios.Load(ctx, studio.ID())
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			ids, _ := loaded.Value["titleIds"].([]any)
			if len(ids) != 2 {
				t.Fatalf("expected 2 linked titles, got %v", loaded.Value["titleIds"])
			}

			found, err := titles.FindByIndex(ctx, "studioId", studio.ID(), "name")
			if err != nil {
				t.Fatalf("FindByIndex failed: %v", err)
			}
			if len(found) != 2 || found[0].Value["name"] != "One" {
				t.Errorf("expected titles One, Two; got %d entities", len(found))
			}
		})
	}
}

func TestScalarTTL(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, b.client(t))
			tags := class(t, s, "tag")

			tag := tags.Create(map[string]any{"value": "new"})
			tag.TTL = 1
			if err := tag.Save(ctx, nil); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			// DynamoDB expiry is second-granular; wait past the boundary.
			time.Sleep(2500 * time.Millisecond)

			if _, err := tags.Load(ctx, tag.ID()); !errors.Is(err, store.ErrEntityNotFound) {
				t.Errorf("expected expired tag to be gone, got %v", err)
			}
		})
	}
}
