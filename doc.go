// Package outbox implements the producing half of the transactional outbox pattern, with
// lease-based relaying of the stored records to a message broker.
//
// The pattern involves two operations:
//
//  1. Writing: an event Record is stored in the outbox as part of the same local
//     transaction that mutates the domain entity it announces. Either both commit or
//     neither does.
//
//  2. Relaying: a background Relay claims the oldest claimable record by setting a lease
//     (lockedAt), publishes it through a MessagePublisher and marks it SENT, or reschedules
//     it with capped exponential backoff when publishing fails. A lease older than the
//     configured TTL makes the record claimable again, so a relay that crashes mid-flight
//     never strands a record.
//
// Records are never deleted by this package. Multiple relay instances may run against the
// same store; they coordinate only through the stored lease, which means a record can be
// published more than once and consumers must be idempotent.
//
// This package provides:
//   - Record and Envelope, the stored and the wire representation of an event.
//   - Writer, which stores records atomically with user queries in a SQL transaction.
//   - SQLStore, the Store implementation for Postgres and MySQL/MariaDB.
//   - Relay, the scheduled claim, publish and mark loop.
//
// The MongoDB store lives in the mongostore package and broker bindings live under broker.
package outbox
