// Package mux shares one sub-pipeline instance between many sessions.
//
// A Hub keeps a Group per (layout, key). Sessions Join a group, Send whole
// messages through the Ref they get back and Release it when done. Requests
// run on the group's own strand in arrival order and each response is posted
// back to the strand of the session that sent the matching request.
//
// The shared instance is built by the first request that finds none. If
// that fails, the request gets the error and the next queued request tries
// again. A group whose last reference is released drains for its idle
// period; joining during that time reuses the instance, otherwise it is torn
// down exactly once.
package mux
