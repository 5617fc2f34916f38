// Package notifier delivers chat messages to owners outside a request/reply
// cycle: scheduled clock-in results and session-expiry notices.
//
// Notify never blocks on the chat API and never returns an error to the
// caller. Messages go through a bounded queue, a small worker pool, a shared
// rate limit and bounded retries. Messages with a dedup key are suppressed
// while an identical key is inside its window; the window can survive
// restarts through the storage backend.
package notifier
