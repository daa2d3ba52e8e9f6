// Package store persists agent session records and their state lock files.
//
// Invariants:
// - Session ids are strictly increasing and unique across concurrent callers.
// - The state lock file is the authoritative state; its entire content is
//   the state enum value so other tooling can poll it without parsing the
//   full record.
// - Record writes are atomic (temp file + rename).
package store
