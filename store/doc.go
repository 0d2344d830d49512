// Package store provides a schema-driven entity store on top of a key-value
// backend.
//
// Ohm is designed for applications that keep typed records in Redis, or a
// store speaking the same small command set, while maintaining secondary
// indexes, unique constraints, and bidirectional links between records.
//
// # Key Features
//
//   - JSON Schema validation per operation (new, save, get)
//   - Unique and non-unique indexes, including composite ones
//   - hasOne and hasMany links with both directions kept in sync
//   - Atomic writes through [Multi] batches that callers may share
//   - Per-entity and per-index expiry
//
// # Schemas
//
// A schema is a [SchemaSpec] with a [Meta] block:
//
//	specs := map[string]*store.SchemaSpec{
//	    "group": {
//	        Title: "Group %s %s",
//	        Type:  "object",
//	        Properties: map[string]store.Property{
//	            "value": {"type": "string"},
//	        },
//	        Meta: &store.Meta{
//	            Indexes: []store.IndexSpec{{Name: store.IndexName{"value"}, Unique: true}},
//	        },
//	    },
//	}
//	if err := s.Register(specs); err != nil { ... }
//
// Registration adds the id property, the link properties and the "db"
// operation schemas. A schema whose only stored property is "value" is kept
// as a plain string; every other schema is kept as a hash.
//
// # Keys
//
// With the default [Config]:
//
//	ohm:<schema>:<id>                       record
//	ohm:idx:<schema>:<name...>:<value...>   index entry
//	ohm:idx:<schema>:<as>:<target id>       link entry
//	ohm:id:<schema>                         "increment" id counter
//
// # Batches
//
// Every write operation accepts a *[Multi]. With nil the operation opens its
// own batch and executes it; otherwise it only queues its commands and the
// caller executes the batch.
//
// # Errors
//
// Failures are [*Error] values matched with errors.Is:
//
//   - [ErrEntityNotFound] - no record under the id
//   - [ErrEntityConflict] - unique index or link held by another entity
//   - [ErrEntityValidation] - schema validation failed
//   - [ErrSchemaNotFound] - schema or operation not registered
//   - [ErrUnsupportedOperation] - command unknown to the backend
//   - [ErrStore] - backend failure
package store
