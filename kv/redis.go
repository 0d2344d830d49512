package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig describes how to reach a Redis deployment.
type RedisConfig struct {
	// Addr is the host:port of a standalone server.
	Addr string `yaml:"addr"`

	// Password authenticates against the server and the sentinels.
	Password string `yaml:"password"`

	// DB selects the logical database.
	DB int `yaml:"db"`

	// MasterName and SentinelAddrs switch to a sentinel-managed failover client.
	MasterName    string   `yaml:"masterName"`
	SentinelAddrs []string `yaml:"sentinelAddrs"`

	// ReplicaAddr optionally routes read-only commands to a replica.
	ReplicaAddr string `yaml:"replicaAddr"`
}

// Redis is a Client backed by go-redis.
type Redis struct {
	cli     redis.UniversalClient
	replica redis.UniversalClient
	logger  *zap.Logger

	mu   sync.Mutex
	subs map[string]*redisSubscription
}

// RedisOption configures a Redis client.
type RedisOption func(*Redis)

// WithReplica routes read-only commands to a replica client.
// Uniqueness checks then read from the replica too, so replication lag widens
// the check-then-write window.
func WithReplica(cli redis.UniversalClient) RedisOption {
	return func(r *Redis) { r.replica = cli }
}

// WithLogger sets the logger used for command tracing.
func WithLogger(logger *zap.Logger) RedisOption {
	return func(r *Redis) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRedis wraps an existing go-redis client.
func NewRedis(cli redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{cli: cli, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis creates a go-redis client from cfg.
func DialRedis(cfg RedisConfig, opts ...RedisOption) *Redis {
	var cli redis.UniversalClient
	if len(cfg.SentinelAddrs) > 0 {
		cli = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    cfg.SentinelAddrs,
			SentinelPassword: cfg.Password,
			Password:         cfg.Password,
			DB:               cfg.DB,
		})
	} else {
		cli = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	if cfg.ReplicaAddr != "" {
		opts = append([]RedisOption{WithReplica(redis.NewClient(&redis.Options{
			Addr:     cfg.ReplicaAddr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}))}, opts...)
	}
	return NewRedis(cli, opts...)
}

// Ping checks that the primary answers.
func (r *Redis) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

// Do executes a single command.
func (r *Redis) Do(ctx context.Context, cmd Command) (any, error) {
	var c redis.Cmdable = r.cli
	if r.replica != nil && IsReadOnly(cmd.Name) {
		c = r.replica
	}
	cmder, err := issue(ctx, c, cmd)
	if err != nil {
		return nil, err
	}
	result, err := redisReply(cmd, cmder)
	if ce := r.logger.Check(zap.DebugLevel, "redis command"); ce != nil {
		ce.Write(zap.Stringer("cmd", cmd), zap.Any("result", result), zap.Error(err))
	}
	return result, err
}

// Multi opens a MULTI/EXEC batch.
func (r *Redis) Multi() Batch {
	return &redisBatch{r: r}
}

// Publish sends a message on a channel.
func (r *Redis) Publish(ctx context.Context, channel, message string) (int64, error) {
	return r.cli.Publish(ctx, channel, message).Result()
}

// Subscribe opens a dedicated subscription for channel, replacing any previous
// subscription of this client on the same channel.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler MessageHandler) (Subscription, error) {
	ps := r.cli.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSubscription{r: r, ps: ps, channel: channel}

	r.mu.Lock()
	if r.subs == nil {
		r.subs = make(map[string]*redisSubscription)
	}
	prev := r.subs[channel]
	r.subs[channel] = sub
	r.mu.Unlock()

	if prev != nil {
		_ = prev.Unsubscribe(ctx)
	}

	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			handler(msg.Channel, msg.Payload)
		}
	}()

	r.logger.Debug("subscribed", zap.String("channel", channel))
	return sub, nil
}

// Close releases subscriptions and connections.
func (r *Redis) Close() error {
	r.mu.Lock()
	subs := make([]*redisSubscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range subs {
		_ = s.Unsubscribe(ctx)
	}

	err := r.cli.Close()
	if r.replica != nil {
		if rerr := r.replica.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

type redisSubscription struct {
	r       *Redis
	ps      *redis.PubSub
	channel string
	once    sync.Once
}

func (s *redisSubscription) Channel() string { return s.channel }

// Unsubscribe is idempotent.
func (s *redisSubscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.r.mu.Lock()
		if s.r.subs[s.channel] == s {
			delete(s.r.subs, s.channel)
		}
		s.r.mu.Unlock()

		err = s.ps.Unsubscribe(ctx, s.channel)
		if cerr := s.ps.Close(); err == nil {
			err = cerr
		}
		s.r.logger.Debug("unsubscribed", zap.String("channel", s.channel))
	})
	return err
}

type redisBatch struct {
	r    *Redis
	cmds []Command
}

func (b *redisBatch) Queue(cmd Command) error {
	if !redisCommands[cmd.Name] {
		return Unsupported(cmd.Name)
	}
	b.cmds = append(b.cmds, cmd)
	return nil
}

func (b *redisBatch) Len() int { return len(b.cmds) }

func (b *redisBatch) Commands() []Command { return b.cmds }

func (b *redisBatch) Exec(ctx context.Context) ([]any, error) {
	if len(b.cmds) == 0 {
		return nil, nil
	}
	pipe := b.r.cli.TxPipeline()
	cmders := make([]redis.Cmder, 0, len(b.cmds))
	for _, cmd := range b.cmds {
		cmder, err := issue(ctx, pipe, cmd)
		if err != nil {
			_ = pipe.Discard()
			return nil, err
		}
		cmders = append(cmders, cmder)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		b.r.logger.Debug("redis multi failed", zap.Int("commands", len(b.cmds)), zap.Error(err))
		return nil, err
	}

	results := make([]any, len(cmders))
	for i, cmder := range cmders {
		res, err := redisReply(b.cmds[i], cmder)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	if ce := b.r.logger.Check(zap.DebugLevel, "redis multi"); ce != nil {
		ce.Write(zap.Int("commands", len(b.cmds)), zap.Any("results", results))
	}
	b.cmds = nil
	return results, nil
}

var redisCommands = map[string]bool{
	CmdGet: true, CmdSet: true, CmdDel: true, CmdExists: true, CmdExpire: true,
	CmdPersist: true, CmdIncr: true, CmdKeys: true, CmdTTL: true, CmdHGetAll: true,
	CmdHMSet: true, CmdHDel: true, CmdSAdd: true, CmdSRem: true, CmdSIsMember: true,
	CmdSMembers: true, CmdPublish: true,
}

// issue sends cmd to c: a client executes it, a pipeliner queues it.
func issue(ctx context.Context, c redis.Cmdable, cmd Command) (redis.Cmder, error) {
	switch cmd.Name {
	case CmdGet:
		return c.Get(ctx, cmd.Key), nil
	case CmdSet:
		if len(cmd.Args) != 1 {
			return nil, fmt.Errorf("kv: wrong number of arguments for %s", cmd.Name)
		}
		return c.Set(ctx, cmd.Key, argString(cmd.Args[0]), 0), nil
	case CmdDel:
		return c.Del(ctx, append([]string{cmd.Key}, argStrings(cmd.Args)...)...), nil
	case CmdExists:
		return c.Exists(ctx, append([]string{cmd.Key}, argStrings(cmd.Args)...)...), nil
	case CmdExpire:
		d, err := argSeconds(cmd.Args)
		if err != nil {
			return nil, err
		}
		return c.Expire(ctx, cmd.Key, d), nil
	case CmdPersist:
		return c.Persist(ctx, cmd.Key), nil
	case CmdIncr:
		return c.Incr(ctx, cmd.Key), nil
	case CmdKeys:
		return c.Keys(ctx, cmd.Key), nil
	case CmdTTL:
		return c.TTL(ctx, cmd.Key), nil
	case CmdHGetAll:
		return c.HGetAll(ctx, cmd.Key), nil
	case CmdHMSet:
		fields, err := argFields(cmd.Args)
		if err != nil {
			return nil, err
		}
		values := make([]any, 0, len(fields)*2)
		for k, v := range fields {
			values = append(values, k, v)
		}
		return c.HSet(ctx, cmd.Key, values...), nil
	case CmdHDel:
		return c.HDel(ctx, cmd.Key, argStrings(cmd.Args)...), nil
	case CmdSAdd:
		return c.SAdd(ctx, cmd.Key, toAny(argStrings(cmd.Args))...), nil
	case CmdSRem:
		return c.SRem(ctx, cmd.Key, toAny(argStrings(cmd.Args))...), nil
	case CmdSIsMember:
		if len(cmd.Args) != 1 {
			return nil, fmt.Errorf("kv: wrong number of arguments for %s", cmd.Name)
		}
		return c.SIsMember(ctx, cmd.Key, argString(cmd.Args[0])), nil
	case CmdSMembers:
		return c.SMembers(ctx, cmd.Key), nil
	case CmdPublish:
		if len(cmd.Args) != 1 {
			return nil, fmt.Errorf("kv: wrong number of arguments for %s", cmd.Name)
		}
		return c.Publish(ctx, cmd.Key, argString(cmd.Args[0])), nil
	}
	return nil, Unsupported(cmd.Name)
}

// redisReply normalizes a go-redis result.
func redisReply(cmd Command, cmder redis.Cmder) (any, error) {
	switch c := cmder.(type) {
	case *redis.StringCmd:
		v, err := c.Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	case *redis.StatusCmd:
		return c.Result()
	case *redis.IntCmd:
		n, err := c.Result()
		if err != nil {
			return nil, err
		}
		if cmd.Name == CmdHMSet {
			return "OK", nil
		}
		return n, nil
	case *redis.BoolCmd:
		ok, err := c.Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return int64(1), nil
		}
		return int64(0), nil
	case *redis.DurationCmd:
		d, err := c.Result()
		if err != nil {
			return nil, err
		}
		// -1 (no expiry) and -2 (missing) come back as raw nanoseconds.
		if d < 0 {
			return int64(d), nil
		}
		return int64(d / time.Second), nil
	case *redis.StringSliceCmd:
		return c.Result()
	case *redis.StringStringMapCmd:
		return c.Result()
	}
	return nil, fmt.Errorf("kv: unexpected redis result %T", cmder)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
