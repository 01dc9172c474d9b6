// Package monitor periodically samples sandbox metrics and publishes them
// over a small HTTP status endpoint.
//
// A Reporter polls its sources on a fixed interval and swaps the collected
// snapshots in atomically, so readers always observe a complete, consistent
// sampling round and never block a poll in progress. A source that fails to
// answer produces an error-flagged snapshot instead of poisoning the round.
package monitor
