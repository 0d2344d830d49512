package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedOperation is returned when the store does not know a command.
	ErrUnsupportedOperation = errors.New("ohm: unsupported operation")

	// ErrStore wraps any failure of the underlying key-value store, including
	// an aborted batch.
	ErrStore = errors.New("ohm: store error")

	// ErrSchemaNotFound is returned when a schema, operation or entity class is not registered.
	ErrSchemaNotFound = errors.New("ohm: entity schema not found")

	// ErrEntityNotFound is returned when a record does not exist.
	ErrEntityNotFound = errors.New("ohm: entity not found")

	// ErrEntityConflict is returned when a unique index or link is already taken.
	ErrEntityConflict = errors.New("ohm: entity conflict")

	// ErrEntityValidation is returned when an entity does not match its schema.
	ErrEntityValidation = errors.New("ohm: entity validation failed")
)

// Kind classifies an Error.
type Kind int

const (
	KindUnsupportedOperation Kind = iota + 1
	KindStore
	KindSchemaNotFound
	KindEntityNotFound
	KindEntityConflict
	KindEntityValidation
)

var kindSentinels = map[Kind]error{
	KindUnsupportedOperation: ErrUnsupportedOperation,
	KindStore:                ErrStore,
	KindSchemaNotFound:       ErrSchemaNotFound,
	KindEntityNotFound:       ErrEntityNotFound,
	KindEntityConflict:       ErrEntityConflict,
	KindEntityValidation:     ErrEntityValidation,
}

func (k Kind) String() string {
	switch k {
	case KindUnsupportedOperation:
		return "UnsupportedOperation"
	case KindStore:
		return "StoreError"
	case KindSchemaNotFound:
		return "SchemaNotFound"
	case KindEntityNotFound:
		return "EntityNotFound"
	case KindEntityConflict:
		return "EntityConflict"
	case KindEntityValidation:
		return "EntityValidation"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Extra carries the structured details of an Error. Only the fields relevant
// to the kind are set.
type Extra struct {
	// Type is the schema name of the entity involved.
	Type string `json:"type,omitempty"`

	// AttrName and AttrValue identify the offending attribute.
	AttrName  string `json:"attrName,omitempty"`
	AttrValue any    `json:"attrValue,omitempty"`

	// SchemaErrors lists the violations of a failed schema validation.
	SchemaErrors []Violation `json:"schemaErrors,omitempty"`

	// Cmd is the unsupported command name.
	Cmd string `json:"cmd,omitempty"`

	// StoreError is the underlying store failure.
	StoreError error `json:"-"`

	// Namespace and Op complete Type for schema lookups.
	Namespace string `json:"namespace,omitempty"`
	Op        string `json:"op,omitempty"`
}

// Error is a structured domain error. Match it with errors.Is against the
// sentinels and inspect it with errors.As.
type Error struct {
	Kind  Kind
	Extra Extra
}

func (e *Error) Error() string {
	x := e.Extra
	switch e.Kind {
	case KindUnsupportedOperation:
		return fmt.Sprintf("ohm: unsupported operation %q", x.Cmd)
	case KindStore:
		return fmt.Sprintf("ohm: store error %q", errString(x.StoreError))
	case KindSchemaNotFound:
		return fmt.Sprintf("ohm: entity schema %q not found", strings.Join(nonEmpty(x.Type, x.Namespace, x.Op), "/"))
	case KindEntityNotFound:
		return fmt.Sprintf("ohm: entity %q not found for %q with value %q", x.Type, x.AttrName, attrString(x.AttrValue))
	case KindEntityConflict:
		return fmt.Sprintf("ohm: entity %q conflict for %q with value %q", x.Type, x.AttrName, attrString(x.AttrValue))
	case KindEntityValidation:
		if len(x.SchemaErrors) > 0 {
			return fmt.Sprintf("ohm: entity %q validation failed because of schema error %q", x.Type, x.SchemaErrors[0].String())
		}
		return fmt.Sprintf("ohm: entity %q validation failed for %q with value %q", x.Type, x.AttrName, attrString(x.AttrValue))
	}
	return "ohm: unknown error"
}

// Is matches the sentinel of the error kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Unwrap exposes the underlying store failure.
func (e *Error) Unwrap() error {
	return e.Extra.StoreError
}

// KindOf returns the kind of a domain error, or 0 when err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func unsupportedError(cmd string) error {
	return &Error{Kind: KindUnsupportedOperation, Extra: Extra{Cmd: cmd}}
}

func storeError(err error) error {
	return &Error{Kind: KindStore, Extra: Extra{StoreError: err}}
}

func schemaNotFound(schema, namespace, op string) error {
	return &Error{Kind: KindSchemaNotFound, Extra: Extra{Type: schema, Namespace: namespace, Op: op}}
}

func entityNotFound(schema, attrName string, attrValue any) error {
	return &Error{Kind: KindEntityNotFound, Extra: Extra{Type: schema, AttrName: attrName, AttrValue: attrValue}}
}

func entityConflict(schema, attrName string, attrValue any) error {
	return &Error{Kind: KindEntityConflict, Extra: Extra{Type: schema, AttrName: attrName, AttrValue: attrValue}}
}

func entityInvalid(schema, attrName string, attrValue any) error {
	return &Error{Kind: KindEntityValidation, Extra: Extra{Type: schema, AttrName: attrName, AttrValue: attrValue}}
}

func schemaInvalid(schema string, violations []Violation) error {
	return &Error{Kind: KindEntityValidation, Extra: Extra{Type: schema, SchemaErrors: violations}}
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

func attrString(v any) string {
	if v == nil {
		return "undefined"
	}
	return fmt.Sprint(v)
}

func nonEmpty(parts ...string) []string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
