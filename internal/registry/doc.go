// Package registry persists port allocations in a single CSV table shared
// by every portkeeper invocation on the host.
//
// The file is the only shared mutable state in the system:
//   - Readers load it without locking. Writers replace it atomically
//     (temp file, fsync, rename), so a reader always sees a complete table.
//   - Writers serialize on an advisory lock next to the table
//     (<registry>.lock) with bounded retry and exponential backoff.
//   - A table that cannot be parsed is reported as corrupt and is never
//     rewritten implicitly; Reset with explicit confirmation is the only
//     way to start over.
package registry
