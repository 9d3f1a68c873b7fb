// Package settlement hands completed contests to the on-chain settlement
// relayer, at most once per contest.
package settlement

import (
	"context"
	"errors"
	"fmt"
)

// Request is the outcome submitted for a completed contest.
type Request struct {
	ContestID        string `json:"contestId"`
	Winner           string `json:"winner"`
	ParticipantCount int    `json:"participantCount"`
}

// Receipt identifies the settlement transaction.
type Receipt struct {
	TxRef string `json:"txRef"`
}

// Bridge submits outcomes to the settlement contract. Implementations report
// failures as *Failure so the caller never has to inspect error text.
type Bridge interface {
	Submit(ctx context.Context, req Request) (Receipt, error)
}

// Class separates failures worth retrying from final rejections.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// Failure is a structured settlement error.
type Failure struct {
	Class  Class
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("settlement %s failure (%s): %v", f.Class, f.Reason, f.Err)
	}
	return fmt.Sprintf("settlement %s failure (%s)", f.Class, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// TransientFailure wraps err as retryable.
func TransientFailure(reason string, err error) *Failure {
	return &Failure{Class: Transient, Reason: reason, Err: err}
}

// PermanentFailure wraps err as final.
func PermanentFailure(reason string, err error) *Failure {
	return &Failure{Class: Permanent, Reason: reason, Err: err}
}

// Classify reports the class and reason of err. Errors that are not a
// *Failure are treated as transient.
func Classify(err error) (Class, string) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Class, f.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return Transient, "cancelled"
	}
	return Transient, "unclassified"
}

// LocalBridge settles instantly with a synthetic reference. It backs
// development servers that run without a relayer.
type LocalBridge struct{}

func (LocalBridge) Submit(ctx context.Context, req Request) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, TransientFailure("cancelled", err)
	}
	if req.Winner == "" {
		return Receipt{}, PermanentFailure("missing_winner", nil)
	}
	return Receipt{TxRef: "local-" + req.ContestID}, nil
}
