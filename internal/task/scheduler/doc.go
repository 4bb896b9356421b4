// Package scheduler is the timer core: an ordered store of timers, a single
// loop goroutine woken by a monotonic alarm, and a dispatcher that hands due
// work either to a worker pool or runs it inline.
//
// The loop only ever re-arms the alarm to the earliest pending expiration.
// Occurrences processed later than the overtime threshold are flagged overdue
// and skipped; repeating timers advance from their previous expiration, so a
// late wake never shifts the cadence.
package scheduler
