// Package changefeed keeps cached collections in step with server-side row
// changes.
//
// # Overview
//
// A Transport delivers Events (insert, update, delete) for a Channel, which
// names one resource filtered to one owner. The service's event stream
// (remote.Feed) is the production Transport. Hub is the in-process one, used
// to fan out locally published rows and in tests:
//
//	hub := changefeed.NewHub(logger)
//	events, err := hub.Subscribe(ctx, ch, onStatus)
//	hub.PublishRow(ch, changefeed.EventInsert, row, nil)
//
// # Registry
//
// Each engine instance owns one Registry. It holds at most one subscription
// per channel; registering the same channel again stops the old one first.
// Events for a channel are handled on one goroutine in delivery order.
//
// # Reconciler
//
// A Reconciler[T] mirrors one collection:
//
//   - insert appends unless the id is already present
//   - update replaces by id; an unknown id marks the collection dirty and
//     schedules a full Refetch
//   - delete removes by id
//
// Every applied change is written through to the cache and schedules a
// debounced reload of registered aggregates. Aggregates (counts, summaries)
// are never patched from events.
//
// Refetch loads the authoritative list. Feed events that arrive while it is
// in flight are replayed on top of the result, so an insert, update, delete
// sequence ends with the record absent however it interleaves with the load.
//
// A subscription that reports CHANNEL_ERROR or TIMED_OUT marks the collection
// dirty; reporting SUBSCRIBED again triggers a Refetch, since events may have
// been missed while it was down.
package changefeed
