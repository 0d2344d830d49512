package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/jacentio/ohm/kv"
)

// Multi is an atomic batch of store commands. Operations given a Multi queue
// their writes into it and leave Exec to the caller.
type Multi struct {
	store *Store
	batch kv.Batch
}

// Multi opens a new batch.
func (s *Store) Multi() *Multi {
	return &Multi{store: s, batch: s.client.Multi()}
}

// Queue appends a command to the batch.
func (m *Multi) Queue(cmd kv.Command) error {
	if err := m.batch.Queue(cmd); err != nil {
		return mapError(err)
	}
	return nil
}

func (m *Multi) queue(name, key string, args ...any) error {
	return m.Queue(kv.Cmd(name, key, args...))
}

// Len returns the number of queued commands.
func (m *Multi) Len() int { return m.batch.Len() }

// Commands returns the queued commands in order.
func (m *Multi) Commands() []kv.Command { return m.batch.Commands() }

// Exec applies the batch and returns one reply per queued command.
func (m *Multi) Exec(ctx context.Context) ([]any, error) {
	replies, err := m.batch.Exec(ctx)
	if err != nil {
		m.store.logger.Warn("batch failed", zap.Error(err), zap.Int("commands", m.batch.Len()))
		return nil, mapError(err)
	}
	return replies, nil
}

// createLocalMulti returns m when the caller supplied one, or a fresh batch
// owned by the current operation.
func (s *Store) createLocalMulti(m *Multi) (local *Multi, owned bool) {
	if m != nil {
		return m, false
	}
	return s.Multi(), true
}

// processLocalMulti executes local when the operation owns it and returns
// result. A supplied batch is left for its owner to execute.
func processLocalMulti[T any](ctx context.Context, local *Multi, owned bool, result T) (T, error) {
	if owned {
		if _, err := local.Exec(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
	return result, nil
}

func commitLocalMulti(ctx context.Context, local *Multi, owned bool) error {
	_, err := processLocalMulti(ctx, local, owned, struct{}{})
	return err
}
