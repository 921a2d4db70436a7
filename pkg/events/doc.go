// Package events provides a bounded, lossy-on-overload pub/sub bus used for
// component-to-component signaling made explicit rather than left as ad
// hoc callbacks: batch commit/failure, leadership changes, and cache
// invalidation notices all flow through a Broker instead of direct
// cross-component calls.
package events
