// Package notifier delivers engine notifications out of band.
//
// The engine hands over a model.Notification after commit and moves on.
// Notifications are queued, deduplicated, rate limited and sent by a small
// worker pool through a Sender (the mail transport). Failed sends are retried
// with jittered exponential backoff and never roll back engine state.
//
// Dedup keys are remembered in memory and, when enabled, in the storage
// dedup table so a restart does not resend the same mail.
package notifier
