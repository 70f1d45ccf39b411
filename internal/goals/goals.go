// Package goals answers "is today's intake goal met" for the goal-gated
// system notifications. Progress lives in storage as one small JSON
// document per metric and is read fresh on every query.
package goals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reminderd/internal/storage"
)

type Metric string

const (
	Water   Metric = "water"
	Protein Metric = "protein"
)

func ParseMetric(s string) (Metric, bool) {
	switch Metric(s) {
	case Water, Protein:
		return Metric(s), true
	default:
		return "", false
	}
}

// Unit is the display unit of m.
func (m Metric) Unit() string {
	switch m {
	case Water:
		return "ml"
	case Protein:
		return "g"
	default:
		return ""
	}
}

type Status struct {
	Met       bool
	Remaining float64
	Goal      float64
	Total     float64
}

// Checker is the goal collaborator consulted at fire time.
type Checker interface {
	Status(ctx context.Context, m Metric) (Status, error)
}

// Progress is the stored document.
type Progress struct {
	Goal  float64 `json:"goal"`
	Total float64 `json:"total"`
	Day   string  `json:"day"`
}

const DefaultKeyPrefix = "goal_"

// StoreChecker reads and writes Progress documents under <prefix><metric>.
type StoreChecker struct {
	kv     storage.Store
	prefix string
	now    func() time.Time
}

func NewStoreChecker(kv storage.Store, prefix string, now func() time.Time) *StoreChecker {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if now == nil {
		now = time.Now
	}
	return &StoreChecker{kv: kv, prefix: prefix, now: now}
}

func (c *StoreChecker) key(m Metric) string { return c.prefix + string(m) }

func (c *StoreChecker) today() string { return c.now().Format("2006-01-02") }

// Read returns today's progress. A document from an earlier day reports a
// zero total; a missing one is all zeros.
func (c *StoreChecker) Read(ctx context.Context, m Metric) (Progress, error) {
	raw, err := c.kv.Get(ctx, c.key(m))
	if errors.Is(err, storage.ErrNotFound) {
		return Progress{Day: c.today()}, nil
	}
	if err != nil {
		return Progress{}, err
	}
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return Progress{}, fmt.Errorf("decode %s progress: %w", m, err)
	}
	if today := c.today(); p.Day != today {
		p.Total = 0
		p.Day = today
	}
	return p, nil
}

func (c *StoreChecker) Status(ctx context.Context, m Metric) (Status, error) {
	p, err := c.Read(ctx, m)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Met:       p.Goal > 0 && p.Total >= p.Goal,
		Remaining: max(p.Goal-p.Total, 0),
		Goal:      p.Goal,
		Total:     p.Total,
	}, nil
}

// SetGoal stores a new daily goal, keeping today's total.
func (c *StoreChecker) SetGoal(ctx context.Context, m Metric, goal float64) (Progress, error) {
	if goal < 0 {
		return Progress{}, fmt.Errorf("goal must not be negative")
	}
	return c.update(ctx, m, func(p *Progress) { p.Goal = goal })
}

// Log adds amount to today's total.
func (c *StoreChecker) Log(ctx context.Context, m Metric, amount float64) (Progress, error) {
	if amount <= 0 {
		return Progress{}, fmt.Errorf("amount must be positive")
	}
	return c.update(ctx, m, func(p *Progress) { p.Total += amount })
}

func (c *StoreChecker) update(ctx context.Context, m Metric, fn func(*Progress)) (Progress, error) {
	p, err := c.Read(ctx, m)
	if err != nil {
		return Progress{}, err
	}
	fn(&p)
	b, err := json.Marshal(p)
	if err != nil {
		return Progress{}, err
	}
	if err := c.kv.Put(ctx, c.key(m), b); err != nil {
		return Progress{}, err
	}
	return p, nil
}
