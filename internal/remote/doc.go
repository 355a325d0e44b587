// Package remote is the HTTP client for the managed data service.
//
// A single Client serves three consumers: the sync engine (Push and Pull),
// the version checker (ServerVersion) and the dashboard mirrors (list and
// stats loaders, plus the notification write). Requests carry a bearer token
// from a TokenFunc, normally the offline session vault.
//
// Push maps conflict replies onto acks: 409 is superseded, 422 is rejected.
// Any other non-2xx reply is a *StatusError, and 401 or 403 unwrap to
// ErrUnauthorized.
//
// # Change feed
//
// Client.Feed returns a changefeed.Transport over server-sent events at
// GET /v1/users/{owner}/{resource}/changes. Each event's data is one JSON
// changefeed.Event. A dropped stream reports CHANNEL_ERROR, a stream that does
// not open within the connect timeout reports TIMED_OUT, and both reconnect
// with doubling backoff, sending Last-Event-ID so the service can resume.
package remote
