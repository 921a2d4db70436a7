/*
Package nodesync brings a new or lagging follower current: it pushes a
fresh state snapshot when the follower has fallen behind the leader's
retained log prefix, then streams the remaining log tail until the
follower's replication progress catches the leader's commit index.

It runs alongside RaftCore rather than inside it. RaftCore's own
AppendEntries heartbeat loop already re-converges a follower that is only
a little behind; nodesync exists for the case that loop cannot handle on
its own — a follower so far behind that the entries it needs have already
been truncated from the log (replog.ReplicationLog.TruncatePrefix, run
after every RaftCore snapshot): a ticker-driven loop that scans for work
and dispatches it, one goroutine per unit of work in flight at a time.
*/
package nodesync
