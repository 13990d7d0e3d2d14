// Package port provides the directional wrappers around a pipeline
// element's connection points.
//
// A SourcePort serializes outgoing buffers and events through the owning
// runtime Context, so units pushed by a single task loop arrive downstream
// in call order. A SinkPort serializes incoming deliveries through the same
// mechanism and additionally guards its handler with an exclusive
// asynchronous lock, so at most one handler callback body executes per port
// at any instant.
//
// Ports never own their Context: every operation upgrades a weak reference
// and fails gracefully once the Context was torn down.
package port
