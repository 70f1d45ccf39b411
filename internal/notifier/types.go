package notifier

import (
	"context"
	"time"

	kit "reminderd/internal/transport"
)

type Message struct {
	Title  string
	Body   string
	RuleID string
}

type Outcome string

const (
	Delivered  Outcome = "delivered"
	Suppressed Outcome = "suppressed"
	Failed     Outcome = "failed"
)

const (
	ReasonPermissionDenied = "permission_denied"
	ReasonDisabled         = "disabled"
	ReasonDuplicate        = "duplicate"
)

type Result struct {
	Outcome  Outcome
	Reason   string
	Attempts int
	Err      error
}

func (r Result) Delivered() bool { return r.Outcome == Delivered }

// PermissionDenied reports whether the channel refused the message.
func (r Result) PermissionDenied() bool {
	return r.Outcome == Suppressed && r.Reason == ReasonPermissionDenied
}

type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionUnknown Permission = "unknown"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, m Message) Result
	Permission(ctx context.Context) Permission
}

// Config controls chat delivery.
type Config struct {
	Target          kit.ChatTarget
	Silent          bool
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// DispatchEvent is the bus payload for notifier.* events.
type DispatchEvent struct {
	RuleID   string    `json:"rule_id,omitempty"`
	Title    string    `json:"title"`
	ChatID   int64     `json:"chat_id"`
	Outcome  Outcome   `json:"outcome"`
	Reason   string    `json:"reason,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Granted adapts a Dispatcher to a yes/no permission check. Unknown counts
// as granted; the first forbidden send corrects it.
func Granted(ctx context.Context, d Dispatcher) bool {
	return d.Permission(ctx) != PermissionDenied
}

// PermissionCheck wraps a Dispatcher as a boolean permission source.
type PermissionCheck struct{ D Dispatcher }

func (p PermissionCheck) Granted(ctx context.Context) bool { return Granted(ctx, p.D) }
