// Package relay mirrors messages across the channels of a network.
//
// For each inbound message the Broadcaster looks up the origin's network,
// resolves the author's identity and attachment payloads once, and posts a
// copy to every other member channel through that channel's proxy endpoint.
// Destinations are independent: a failure on one never blocks the others,
// and the per-destination results come back as an Outcome.
//
// Service wraps the Broadcaster with a bounded queue and worker pool so the
// gateway reader never waits on outbound HTTP.
package relay
