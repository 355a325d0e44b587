// Package engine wires outpost together.
//
// # Components
//
// New builds, in order:
//
//   - the SQLite substrate (or an injected one) and the namespaced cache
//   - the offline session vault, rehydrating from an optional token file
//   - the service client, authenticated with the vault's token
//   - the liveness probe (HTTP or gRPC health) and connectivity monitor
//   - the leader lease, fetch cache, sync engine and POS cart
//   - the background scheduler and version checker
//   - the change-feed registry, fed by the service's event stream
//
// Connectivity transitions fan out to the vault (slide the window), the sync
// engine (auto-sync on reconnect) and the scheduler (online trigger).
//
// # Background tasks
//
//   - connectivity: probe the service (interval, visibility)
//   - sync: flush queued changes when any are pending (interval, visibility)
//   - foreground: reload every dashboard list (visibility)
//   - dashboard: revalidate stale mirrors (interval, online, leader only)
//   - version: compare builds with the server (interval, visibility, leader only)
//
// Foreground fires the visibility trigger. The CLI calls it on SIGUSR1 and
// SIGCONT.
//
// Run also renews the leader lease every half window so a quiet scheduler
// does not let it lapse.
//
// The dashboard mirrors start once a session exists, either at Run or after
// Login.
package engine
