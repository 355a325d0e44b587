// Package syncengine queues local writes while offline and reconciles them
// with the server when connectivity returns.
//
// # States
//
//	idle ──SyncNow──▶ pushing ──all acked──▶ pulling ──snapshot stored──▶ idle
//	                     │                      │
//	                     └──────── error ◀──────┘
//
// Pushing is skipped when nothing is queued. error is not terminal: the next
// SyncNow starts from it. A SyncNow while a sync is running, or while
// offline, returns false and does nothing.
//
// # Queue
//
// Enqueue appends a Change and persists the queue under pos.pending_changes,
// so a restart keeps it. Only a sync removes changes: accepted ones, and
// rejected or superseded ones, which are dropped in favour of the pulled
// value. A transport error leaves the unpushed remainder queued.
//
// # Conflicts
//
// Last write wins by server timestamp, per whole record. Merge overlays
// queued changes on the pulled working set and skips any change older than
// the server's copy.
package syncengine
