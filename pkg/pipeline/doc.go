// Package pipeline is the composition core: programs of modules, immutable
// layouts, session contexts and the live instances that route events
// through filters.
//
// A Program collects modules. Each module declares variables, exports some
// of them under a namespace, imports others, and defines named layouts.
// Program.Resolve binds imports and sub-pipeline references once; unresolved
// names fail there, never while events flow.
//
// NewInstance activates a layout against a Context. Filters receive events
// through a Stage and forward them with Stage.Output. Composition filters
// call Stage.Spawn to build child instances, either sharing the parent
// context or giving the child a clone.
//
// All work for one session runs on that session's Strand. Components that
// serve several sessions post results back to each session's strand instead
// of touching its instances directly.
package pipeline
