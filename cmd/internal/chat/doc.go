// Package chat implements the Parley message-mutation pipeline.
//
// It keeps three entities mutually consistent under concurrency:
//   - the message itself (soft delete, revisioned edits, history snapshots)
//   - the owning conversation (last_message pointer, participant unread counters)
//   - every participant's read pointer (last_read_message)
//
// Every multi-entity mutation executes inside one store transaction; partial
// application is never observable. Notification fan-out happens strictly after
// commit and is best-effort.
package chat
