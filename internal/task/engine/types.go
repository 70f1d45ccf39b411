package engine

import "time"

// Config sizes the executor. Zero values take defaults.
type Config struct {
	QueueSize   int
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

type HistoryItem struct {
	ID         uint64        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published on the bus after every task.
type TaskEvent struct {
	ID       uint64        `json:"id"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Snapshot struct {
	Running  bool          `json:"running"`
	Inline   bool          `json:"inline"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	Executed uint64        `json:"executed"`
	Failed   uint64        `json:"failed"`
	Dropped  uint64        `json:"dropped"`
	History  []HistoryItem `json:"history"`
}
