/*
Package raft implements RaftCore: leader election, log
replication, and snapshotting, driven by a single control-loop goroutine
that owns all term/vote/log state. Every other goroutine — RPC handlers,
callers proposing entries, status readers — talks to that loop through
channels, and reads of the current term/role/commit index go through an
atomically published types.RaftStateSnapshot rather than a lock.
*/
package raft
