package engine

import "errors"

var (
	ErrStopped   = errors.New("executor stopped")
	ErrQueueFull = errors.New("executor queue full")
)
