// Package dashboard mirrors a user's notifications, automations and connected
// accounts, plus the summary stats derived from them.
//
// Each list has its own change-feed Reconciler and cache namespace. Stats are
// cached under cache.dashboard.unified and reloaded from the server whenever
// any list changes; they are never recomputed locally.
//
// Revalidate is the background-task entry point: it reloads only what is
// stale or dirty and spaces reloads of the same list by RevalidateGap.
package dashboard
