// Package client defines the types shared by the task dispatcher, the context
// executors and the operations of the client engine.
//
// A caller starts a task and receives a background task: the identifier to
// poll its status and the future of its result. The future resolves exactly
// once, either when the operation reaches a terminal state or when the
// dispatcher shuts down.
package client

import (
	"time"

	"github.com/wiesiekpap/opentxs-sub020/core/future"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
)

// TaskID identifies a task of a dispatcher. Identifiers are strictly
// increasing and 0 is never assigned: it denotes a task rejected before it was
// accepted.
type TaskID uint64

// ThreadStatus is the status of a task.
type ThreadStatus byte

const (
	// Error is the status of an unknown task, or a task whose terminal status
	// was already consumed.
	Error ThreadStatus = iota
	// Running means the task is queued or being executed.
	Running
	// FinishedSuccess means the task succeeded.
	FinishedSuccess
	// FinishedFailed means the task failed.
	FinishedFailed
	// Shutdown means the dispatcher stopped before the task finished.
	Shutdown
)

func (s ThreadStatus) String() string {
	switch s {
	case Running:
		return "Running"
	case FinishedSuccess:
		return "FinishedSuccess"
	case FinishedFailed:
		return "FinishedFailed"
	case Shutdown:
		return "Shutdown"
	default:
		return "Error"
	}
}

// Terminal returns true if the status is final.
func (s ThreadStatus) Terminal() bool {
	return s == FinishedSuccess || s == FinishedFailed || s == Shutdown
}

// Result is the outcome of a task.
type Result struct {
	Status message.ReplyStatus
	// Reply is the last reply of the notary, if any.
	Reply *message.Reply
	Err   error
}

// Success returns true if the task succeeded.
func (r Result) Success() bool {
	return r.Status == message.MessageSuccess && r.Err == nil
}

// BackgroundTask is the handle of a started task.
type BackgroundTask struct {
	ID     TaskID
	Future *future.Future[Result]
}

// Config is the configuration of the client engine.
type Config struct {
	// IdleInterval is how long an executor sleeps when it has nothing to do.
	IdleInterval time.Duration `yaml:"idle_interval"`
	// TickInterval is how long an operation waits before it retries a failed
	// step.
	TickInterval time.Duration `yaml:"tick_interval"`
	// RequestTimeout bounds the wait for a reply.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RetryBudget is the number of failures after which an operation gives up.
	RetryBudget int `yaml:"retry_budget"`
	// QueueSize is the capacity of the queue of an executor.
	QueueSize int `yaml:"queue_size"`
	// NumbersPerRequest is how many transaction numbers are requested at once.
	NumbersPerRequest int `yaml:"numbers_per_request"`
	// ShutdownTimeout bounds the wait for an executor to stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// StatusHistory is how many terminal task statuses are kept until they
	// are read.
	StatusHistory int `yaml:"status_history"`
	// IntroductionServer is the notary on which new nyms are registered.
	IntroductionServer identifier.Notary `yaml:"introduction_server"`
}

// WithDefaults returns the configuration where every unset value is replaced
// by its default.
func (c Config) WithDefaults() Config {
	if c.IdleInterval <= 0 {
		c.IdleInterval = 200 * time.Millisecond
	}

	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}

	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}

	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}

	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}

	if c.NumbersPerRequest <= 0 {
		c.NumbersPerRequest = 5
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}

	if c.StatusHistory <= 0 {
		c.StatusHistory = 1024
	}

	return c
}
