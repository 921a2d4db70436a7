/*
Package transport implements the wire protocol carrying RaftCore's RPCs
between nodes: a framed binary envelope (magic, version, frame kind,
length, gob payload) over TCP for production, and an in-process,
channel-based implementation for deterministic tests.
*/
package transport
