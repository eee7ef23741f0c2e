// Package queueerr holds the sentinel errors shared by the queue, hub,
// dispatcher, and task service packages.
package queueerr

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicate      = errors.New("duplicate pending task")
	ErrQueueFull      = errors.New("queue full")
	ErrAuthRequired   = errors.New("auth required")
	ErrAuthInvalid    = errors.New("auth invalid")
	ErrNoWorker       = errors.New("no available worker")
	ErrWorkerBusy     = errors.New("worker busy")
	ErrTimeout        = errors.New("task timed out")
	ErrShuttingDown   = errors.New("shutting down")
	ErrInvalidPayload = errors.New("invalid task payload")
)
