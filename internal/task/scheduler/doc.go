// Package scheduler owns the live wall-clock timers of the reminder engine.
//
// Service keeps at most one timer generation per rule id: arming a rule
// cancels the previous generation, and a callback from an older generation
// is dropped when it reaches the executor. IntervalGate is the periodic,
// day- and window-gated check used by the water interval notification.
package scheduler
