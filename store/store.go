package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/jacentio/ohm/kv"
)

// Store manages entity schemas and their persistence in a key-value store.
type Store struct {
	client kv.Client
	config Config
	logger *zap.Logger

	mu      sync.RWMutex
	schemas map[string]*schemaSet
	classes map[string]*EntityClass
}

// New creates a new Store instance. A nil logger discards logs.
func New(client kv.Client, config Config, logger *zap.Logger) *Store {
	config.validate()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:  client,
		config:  config,
		logger:  logger.Named("store"),
		schemas: map[string]*schemaSet{},
		classes: map[string]*EntityClass{},
	}
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.config }

// Client returns the underlying key-value client.
func (s *Store) Client() kv.Client { return s.client }

// Register replaces the registered schemas with specs. Specs without a meta
// block are ignored. Entity classes built from previous schemas are dropped.
func (s *Store) Register(specs map[string]*SchemaSpec) error {
	sets, err := compileSchemas(specs, s.config)
	if err != nil {
		return err
	}
	classes := map[string]*EntityClass{}
	if s.config.EagerClasses {
		for name, set := range sets {
			c, err := newEntityClass(s, set, sets)
			if err != nil {
				return err
			}
			classes[name] = c
		}
	}

	s.mu.Lock()
	s.schemas = sets
	s.classes = classes
	s.mu.Unlock()

	s.logger.Info("schemas registered", zap.Strings("schemas", s.Names()))
	return nil
}

// Names returns the registered schema names in lexical order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.schemas))
	for name := range s.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Class returns the entity class of a schema, building it on first use.
func (s *Store) Class(name string) (*EntityClass, error) {
	s.mu.RLock()
	c, ok := s.classes[name]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.classes[name]; ok {
		return c, nil
	}
	set, ok := s.schemas[name]
	if !ok {
		return nil, schemaNotFound(name, "", "")
	}
	c, err := newEntityClass(s, set, s.schemas)
	if err != nil {
		return nil, err
	}
	s.classes[name] = c
	return c, nil
}

// Spec returns the main compiled schema of name.
func (s *Store) Spec(name string) (*SchemaSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.schemas[name]
	if !ok {
		return nil, schemaNotFound(name, "", "")
	}
	return set.spec, nil
}

// Schema returns the compiled schema of an operation.
func (s *Store) Schema(name, namespace, op string) (*CompiledSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.schemas[name]
	if !ok {
		return nil, schemaNotFound(name, namespace, op)
	}
	compiled, ok := set.operation(namespace, op)
	if !ok {
		return nil, schemaNotFound(name, namespace, op)
	}
	return compiled, nil
}

// Exec runs a single command outside any batch.
func (s *Store) Exec(ctx context.Context, cmd kv.Command) (any, error) {
	reply, err := s.client.Do(ctx, cmd)
	if err != nil {
		return nil, mapError(err)
	}
	return reply, nil
}

func (s *Store) exec(ctx context.Context, name, key string, args ...any) (any, error) {
	return s.Exec(ctx, kv.Cmd(name, key, args...))
}

// Publish sends a message on a channel.
func (s *Store) Publish(ctx context.Context, channel, message string) (int64, error) {
	n, err := s.client.Publish(ctx, channel, message)
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

// Subscribe delivers the messages of a channel to handler.
func (s *Store) Subscribe(ctx context.Context, channel string, handler kv.MessageHandler) (kv.Subscription, error) {
	sub, err := s.client.Subscribe(ctx, channel, handler)
	if err != nil {
		return nil, mapError(err)
	}
	return sub, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// mapError converts transport errors into domain errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var domain *Error
	if errors.As(err, &domain) {
		return err
	}
	var unsupported *kv.UnsupportedCommandError
	if errors.As(err, &unsupported) {
		return unsupportedError(unsupported.Cmd)
	}
	return storeError(err)
}
