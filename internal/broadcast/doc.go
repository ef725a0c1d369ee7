// Package broadcast fans station state out to WebSocket subscribers using the actor pattern.
//
// A single goroutine owns the subscriber registry and is driven through a command
// channel (no mutexes). A new subscriber first receives a snapshot and then every
// delta whose sequence number is newer than that snapshot. Per-connection write
// goroutines with bounded buffers keep one slow subscriber from stalling the rest.
package broadcast
