// Package probe checks whether the sync service is reachable.
//
// A probe answers one question: did a server respond? An HTTP 401 or 500, or
// a gRPC NOT_SERVING, proves the network path works and is reported as
// Reachable. Only a transport failure (refused connection, DNS failure,
// timeout) is unreachable. Each probe is bounded by a timeout, 10s by default.
package probe
