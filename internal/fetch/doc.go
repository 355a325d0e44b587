// Package fetch provides the in-memory request cache used in front of every
// network load, plus the Debouncer and Throttle that bound refetch frequency.
//
// # Keys
//
// An entry is addressed by a namespace and arbitrary JSON-encodable args,
// hashed with xxhash. Invalidate drops one key; InvalidateNamespace drops all
// keys in a namespace and discards any in-flight load for it.
//
// # Coalescing
//
// Concurrent misses for the same key share one loader call through
// singleflight. A failed load is returned to every waiter and nothing is
// cached, so the next call retries.
//
//	accounts, err := fetch.Get(ctx, c, "accounts", map[string]string{"owner": id}, 0,
//	    func(ctx context.Context) ([]Account, error) { return api.Accounts(ctx, id) })
package fetch
