// Package filters implements the filter kinds layouts are built from.
//
// Composition filters (link, fork, demux, use, mux and merge) spawn
// sub-pipelines and decide which context they share. Handlers observe events
// and write session variables, replacers substitute events, and the flow
// filters buffer, batch, throttle or discard them. Connect is the byte
// stream boundary to upstream targets and balance pins sessions to targets
// chosen by the algo balancers.
//
// Every kind has a Go constructor returning a pipeline.Spec. The Registry
// builds the same specs from the option maps of layout documents, turning
// {expr: "..."} values into options computed per session.
package filters
