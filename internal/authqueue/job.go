package authqueue

import (
	"context"
	"encoding/json"
	"time"
)

// Kind tags the operation a queue job performs. The set is closed: the
// processor's dispatch switch handles every kind and rejects anything else.
type Kind string

const (
	// KindRedeemCookies exchanges stored login cookies for fresh tokens.
	KindRedeemCookies Kind = "cookies"
	// KindNoop waits for a caller-chosen duration and reports success.
	// It exists to soak-test the queue without touching upstream.
	KindNoop Kind = "noop"
)

// Job is the payload of one queue entry. UserID/Cookies are set for
// KindRedeemCookies, Wait for KindNoop.
type Job struct {
	Kind    Kind          `json:"kind"`
	UserID  string        `json:"user_id,omitempty"`
	Cookies string        `json:"cookies,omitempty"`
	Wait    time.Duration `json:"wait,omitempty"`
}

// Result is the outcome of a processed job. Failures are values, never
// panics: an upstream error lands here and the queue keeps going.
type Result struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// Enqueued is the immediate answer to an enqueue call. When the queue is
// disabled (or resolved the job synchronously before returning) InQueue is
// false and Result carries the outcome directly.
type Enqueued struct {
	InQueue bool
	Counter uint64
	Result  *Result
}

// Status is one poll of a queued job. Remaining and ETAUnix are only
// meaningful while Processed is false.
type Status struct {
	Processed bool    `json:"processed"`
	Result    *Result `json:"result,omitempty"`
	Remaining int64   `json:"remaining"`
	ETAUnix   int64   `json:"eta,omitempty"`
}

// Redeemer performs the actual credential exchange. It is the external
// collaborator the queue serializes access to.
type Redeemer interface {
	RedeemCookies(ctx context.Context, userID, cookies string) (Result, error)
}

// RedeemerFunc adapts a function to the Redeemer interface.
type RedeemerFunc func(ctx context.Context, userID, cookies string) (Result, error)

func (f RedeemerFunc) RedeemCookies(ctx context.Context, userID, cookies string) (Result, error) {
	return f(ctx, userID, cookies)
}
