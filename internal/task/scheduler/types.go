package scheduler

import (
	"context"
	"time"

	"reminderd/internal/rules"
	"reminderd/internal/task/engine"
)

// State is the lifecycle of one rule's timers.
type State string

const (
	Unarmed   State = "unarmed"
	Armed     State = "armed"
	Fired     State = "fired"
	Cancelled State = "cancelled"
)

// Executor is the serial queue timer callbacks are handed to.
type Executor interface {
	Submit(name string, fn engine.Func) error
}

// NextFunc computes the next occurrence of a rule strictly after now.
type NextFunc func(r rules.Rule, now time.Time) (time.Time, bool)

// Fire describes one timer that came due.
type Fire struct {
	Rule       rules.Rule
	Offset     int       // minutes before the occurrence
	Occurrence time.Time // the rule's trigger instant
	Due        time.Time // Occurrence minus Offset
	At         time.Time // when the callback ran
}

// Late reports how far behind schedule the callback ran.
func (f Fire) Late() time.Duration { return f.At.Sub(f.Due) }

// FireFunc handles a fire on the executor.
type FireFunc func(ctx context.Context, f Fire)

// EntryInfo is the diagnostic view of one rule.
type EntryInfo struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	State    State     `json:"state"`
	Next     time.Time `json:"next,omitempty"`
	Gen      uint64    `json:"gen"`
	Live     int       `json:"live"`
	Offsets  []int     `json:"offsets"`
	LastFire time.Time `json:"last_fire,omitempty"`
}
