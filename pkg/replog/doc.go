// Package replog implements the Raft replicated log's durable storage: a
// single bbolt database keyed by big-endian index, with a checksum on
// every entry so a partially-written tail record left by a crash mid-fsync
// is detected and discarded during recovery rather than replayed.
package replog
