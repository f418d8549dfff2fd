// Package relay is the request/response engine of a networking node.
//
// Ownership boundary:
// - per-action registry of parsers, handlers and forwarding filters
// - Outbound: sign, encode, transmit and await correlation
// - Inbound: decode, verify, dispatch and correlate
// - Forwarder: filter, rewrite or reject transiting requests
// - Events: failure-isolated observability broadcast
package relay
