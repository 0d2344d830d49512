package store

import (
	"context"
	"crypto/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/jacentio/ohm/internal/keys"
	"github.com/jacentio/ohm/kv"
)

// Id generator names accepted by Meta.IDGenerator.
const (
	IDGeneratorIncrement = "increment"
	IDGeneratorDate      = "date"
)

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// newDateID returns a lexically time-ordered id.
func newDateID(now time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), ulidEntropy).String()
}

// GenerateID assigns an id to the entity unless it already has one.
func (e *Entity) GenerateID(ctx context.Context) error {
	if e.ID() != "" {
		return nil
	}
	c := e.class
	meta := c.set.spec.Meta

	var id string
	switch {
	case meta.GenerateID != nil:
		generated, err := meta.GenerateID(ctx, e)
		if err != nil {
			return err
		}
		id = generated
	case meta.IDGenerator == IDGeneratorIncrement:
		cfg := c.store.config
		reply, err := c.store.Exec(ctx, kv.Cmd(kv.CmdIncr, keys.Counter(cfg.Prefix, cfg.IDPrefix, c.name)))
		if err != nil {
			return err
		}
		n, err := kv.Int(reply)
		if err != nil {
			return storeError(err)
		}
		id = strconv.FormatInt(n, 10)
	case meta.IDGenerator == IDGeneratorDate:
		id = newDateID(time.Now())
	default:
		id = uuid.NewString()
	}
	if id == "" {
		return entityInvalid(c.name, c.IDName(), nil)
	}
	e.Value[c.IDName()] = id
	return nil
}
