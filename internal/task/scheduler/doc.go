// Package scheduler triggers periodic jobs from cron expressions or fixed
// intervals. Jobs run on the cron goroutine pool; a run that is still in
// flight when the next tick fires is skipped.
package scheduler
