/*
Package metrics defines and registers the node's Prometheus metrics using
github.com/prometheus/client_golang, covering Raft (leader/term/commit
index), batch commit latency and size, admission outcomes, and worker pool
utilization. Metrics are registered at package init and exposed over HTTP
by whatever command wires promhttp.Handler() into its mux.

HealthChecker aggregates readiness across the node's components (raft,
store, sequencer) for /health and /ready style endpoints.
*/
package metrics
