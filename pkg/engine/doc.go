// Package engine runs sessions of compiled pipeline programs.
//
// Architecture:
//
// engine.go    - Engine: the current program revision, shared services, session registry
// session.go   - Session: one top-level instance bound to its own context and strand
// listener.go  - Listener: one session per accepted TCP connection
// tasks.go     - Tasks: cron scheduled sessions
// metrics.go   - Prometheus collectors for sessions, reloads, mux groups and pools
// simulator.go - Simulator: scripted event runs with a per-filter trace
//
// A reload compiles a new program and makes it current. Sessions keep the
// program they started with until they end.
package engine
