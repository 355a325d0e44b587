// Package leader elects one engine instance to run periodic background work
// among all instances sharing a substrate.
//
// The lease is a single {tabId, timestamp} record. An instance may take it
// when it is absent, stale, or its own. Reading and writing the lease are two
// separate substrate calls, so two instances can briefly both lead; anything
// run under the lease (version polling, cache revalidation) is idempotent.
package leader
