// Package kv defines the key-value command transport consumed by the entity store
// and provides adapters for Redis and DynamoDB.
//
// Replies are normalized across adapters:
//
//   - get: string, or nil when the key is missing
//   - set, hmset: "OK"
//   - del, exists, expire, persist, incr, ttl, sadd, srem, hdel, publish: int64
//   - sismember: int64 (1 or 0)
//   - keys, smembers: []string
//   - hgetall: map[string]string (empty when the key is missing)
package kv

import (
	"context"
	"errors"
	"fmt"
)

// Command names understood by the adapters.
const (
	CmdGet       = "get"
	CmdSet       = "set"
	CmdDel       = "del"
	CmdExists    = "exists"
	CmdExpire    = "expire"
	CmdPersist   = "persist"
	CmdIncr      = "incr"
	CmdKeys      = "keys"
	CmdTTL       = "ttl"
	CmdHGetAll   = "hgetall"
	CmdHMSet     = "hmset"
	CmdHDel      = "hdel"
	CmdSAdd      = "sadd"
	CmdSRem      = "srem"
	CmdSIsMember = "sismember"
	CmdSMembers  = "smembers"
	CmdPublish   = "publish"
)

// Command is a single store command.
//
// Args carry the command arguments after the key: the value for set, the
// seconds for expire, a map[string]string for hmset, and members or fields for
// the set and hash commands.
type Command struct {
	Name string
	Key  string
	Args []any
}

// Cmd builds a Command.
func Cmd(name, key string, args ...any) Command {
	return Command{Name: name, Key: key, Args: args}
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return fmt.Sprintf("%s %s", c.Name, c.Key)
	}
	return fmt.Sprintf("%s %s %v", c.Name, c.Key, c.Args)
}

// Client executes commands against a store.
type Client interface {
	// Do executes a single command.
	Do(ctx context.Context, cmd Command) (any, error)

	// Multi opens an atomic batch.
	Multi() Batch

	// Publish sends a message on a channel and returns the number of receivers.
	Publish(ctx context.Context, channel, message string) (int64, error)

	// Subscribe starts delivering the messages of a channel to handler.
	Subscribe(ctx context.Context, channel string, handler MessageHandler) (Subscription, error)

	// Close releases the client and its subscriptions.
	Close() error
}

// Batch queues commands and applies them atomically on Exec.
type Batch interface {
	// Queue appends a command. Unsupported commands fail immediately.
	Queue(cmd Command) error

	// Len returns the number of queued commands.
	Len() int

	// Commands returns the queued commands in order.
	Commands() []Command

	// Exec applies every queued command, or none of them.
	Exec(ctx context.Context) ([]any, error)
}

// MessageHandler receives pub/sub messages.
type MessageHandler func(channel, payload string)

// Subscription is an active channel subscription.
type Subscription interface {
	Channel() string
	Unsubscribe(ctx context.Context) error
}

// ErrUnsupported is matched by every UnsupportedCommandError.
var ErrUnsupported = errors.New("kv: unsupported command")

// UnsupportedCommandError is returned when an adapter does not know a command.
type UnsupportedCommandError struct {
	Cmd string
}

func (e *UnsupportedCommandError) Error() string {
	return fmt.Sprintf("kv: unsupported command %q", e.Cmd)
}

func (e *UnsupportedCommandError) Is(target error) bool {
	return target == ErrUnsupported
}

// Unsupported returns an UnsupportedCommandError for cmd.
func Unsupported(cmd string) error {
	return &UnsupportedCommandError{Cmd: cmd}
}

// readOnly lists the commands safe to route to a replica.
var readOnly = map[string]bool{
	CmdGet:       true,
	CmdExists:    true,
	CmdKeys:      true,
	CmdTTL:       true,
	CmdHGetAll:   true,
	CmdSIsMember: true,
	CmdSMembers:  true,
}

// IsReadOnly reports whether a command never mutates the store.
func IsReadOnly(name string) bool {
	return readOnly[name]
}
