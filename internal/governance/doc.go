// Package governance holds the runtime safety controls used by I/O filters:
// retry policies and circuit breakers for upstream connections, and token
// bucket quotas for throttling.
//
// The controls are plain values with their own locking so a single policy
// can be shared by every session of a program.
package governance
