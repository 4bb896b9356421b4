// Package storage keeps the firing journal: an append-only operator record
// of timer firings, overdue skips and dispatch drops. The scheduler never
// reads it back.
package storage
