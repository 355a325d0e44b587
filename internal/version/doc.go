// Package version polls the server for its deployed build.
//
// The check is cheap and idempotent, so it is the one piece of work gated by
// the leader lease: if two instances briefly both lead, the server is asked
// twice. The time of the last check is stored at version.last_check_at and
// honoured by every instance.
package version
