// Package workerpool runs batch transactions across a bounded set of
// goroutines, using golang.org/x/sync/errgroup to fan work out and collect
// the first error, with a semaphore enforcing the pool's size and
// backpressure admission kicking in once the queue exceeds its high
// watermark.
package workerpool
