// Package store provides the record store the relay runs on.
//
// # Architecture
//
// Store is the single interface the relay depends on. Three backends
// implement it:
//
//   - SQLiteStore: modernc.org/sqlite file or in-memory database; feeds are
//     published from an in-process Hub after each write
//   - RedisStore: JSON records with sorted-set indices; feeds use Redis
//     PUBLISH/SUBSCRIBE on a per-recipient channel
//   - PostgresStore: pgx pool with one schema per namespace; feeds use
//     LISTEN/NOTIFY issued inside the write transaction
//
// Open selects a backend from Options. MockStore is an in-memory
// implementation with call recording and fault injection for tests.
//
// # Data Models
//
//   - Agent: a named participant
//   - Mailbox: per-agent record that exists for the lifetime of its listener
//   - Message: a payload sent from one agent to another
//   - MessageHistory: archive entry keyed by a time-ordered ULID
//
// Payload is a closed set of variants (text, image, video) serialized as a
// {"type": ..., "data": {...}} envelope.
//
// # Live Feeds
//
// Subscribe returns a Feed of ChangeEvents for one recipient: Created,
// Updated and Deleted actions on messages addressed to it and on its own
// mailbox record. Subscribe returns only after the backend has confirmed
// the subscription, so writes committed afterwards are observed. A Feed
// has one owner; Close is idempotent and closes the Notifications channel.
//
// # Error Handling
//
//   - ErrNotFound: the requested record does not exist
//   - ErrClosed: the store has been closed
//   - ErrSubscriptionClosed: a feed ended while the consumer still wanted it
//   - ErrUnknownPayload: a stored payload carried an unrecognised type tag
package store
