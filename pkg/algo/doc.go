// Package algo provides the stateful helpers that pipelines use to pin
// sessions to upstream targets: a single-flight memoizing Cache, a
// reference-counted ResourcePool and a family of Balancer policies.
//
// The tutorial wiring looks like this: a per-session selection cache keyed by
// balancer picks one target for the session, a per-session cache keyed by
// target allocates a connection handle from a shared pool, and clearing both
// caches at session end deselects the target and frees the handle.
package algo
