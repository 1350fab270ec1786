// Package synckit is the client-side data synchronization core for
// interactive reporting apps: a TTL query cache with single-flight
// deduplication and stale-while-revalidate, a durable offline mutation
// queue with probe-gated FIFO replay, an optimistic update engine with
// configurable rollback and bounded undo/redo, and a reconnecting
// realtime websocket channel — all sharing one conflict recorder.
//
// The subsystems compose through Client but each lives in its own
// package under pkg/ and can be used on its own.
package synckit
