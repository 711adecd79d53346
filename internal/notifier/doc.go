// Package notifier delivers outbound chat messages asynchronously.
//
// Messages are queued and sent by a small worker pool through a
// transport.Adapter, paced by a token bucket and retried with exponential
// backoff. Identical messages to the same target can be suppressed for a
// configurable window.
//
// When the pipeline is disabled, Notify sends synchronously instead.
package notifier
