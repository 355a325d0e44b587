// Package cache is the namespaced, typed cache every outpost component reads
// and writes through.
//
// # Entries
//
// Each value is persisted in the substrate as:
//
//	{"v": <namespace version>, "data": <payload>, "timestamp": <epoch ms>}
//
// A Bucket[T] binds a Namespace (name, TTL, schema version) to a Go type.
// Corrupt JSON, a payload that does not decode into T, or a version tag that
// differs from the namespace's is read back as a miss and left in place for
// the next writer to overwrite.
//
// # Staleness
//
// TTL belongs to the namespace, never to an entry, and is enforced by callers:
//
//	entry, freshness := bucket.Read(ctx, "")
//	switch freshness {
//	case cache.Fresh:  // render
//	case cache.Stale:  // render and revalidate in the background
//	case cache.Miss:   // load
//	}
//
// The session vault ignores Freshness and applies its own hard expiry.
//
// # Failure Policy
//
// Writes are best effort. A full or unavailable substrate is logged and the
// write is dropped; callers never see the error.
package cache
