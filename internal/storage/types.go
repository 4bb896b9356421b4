package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, compacted by rewrite
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain bounds the number of kept records; 0 means DefaultRetain.
	Retain int
}

const DefaultRetain = 10000

// Firing outcomes.
const (
	OutcomeFired   = "fired"
	OutcomeOverdue = "overdue"
	OutcomeDropped = "dropped"
)

// Firing records what happened to one timer occurrence.
type Firing struct {
	At         time.Time     `json:"at"`
	TimerID    string        `json:"timer_id"`
	Name       string        `json:"name"`
	Kind       string        `json:"kind"`
	Outcome    string        `json:"outcome"`
	Expiration time.Time     `json:"expiration"`
	Lateness   time.Duration `json:"lateness"`
	Error      string        `json:"error,omitempty"`
}
