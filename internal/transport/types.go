package transport

import (
	"context"
	"strconv"
)

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	// OutcomeSuccess: the destination accepted the message.
	OutcomeSuccess Outcome = iota
	// OutcomeUnreachable: the destination rejected, blocked or removed the
	// sender. The destination stays configured and is retried on the next
	// cycle, never within the current one.
	OutcomeUnreachable
	// OutcomeTransportError: any other delivery failure (network, API,
	// malformed payload).
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return "outcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// Delivery is the classified result of one attempt.
//
// Expected failures travel as data, not as errors: callers branch on
// Outcome instead of unwrapping adapter-specific error chains.
type Delivery struct {
	Outcome Outcome
	Reason  string
}

func Success() Delivery { return Delivery{Outcome: OutcomeSuccess} }

func Unreachable(reason string) Delivery {
	return Delivery{Outcome: OutcomeUnreachable, Reason: reason}
}

func Failure(reason string) Delivery {
	return Delivery{Outcome: OutcomeTransportError, Reason: reason}
}

func (d Delivery) OK() bool { return d.Outcome == OutcomeSuccess }

// Sender is the single capability the delivery pipeline depends on:
// deliver one message to one destination.
type Sender interface {
	Deliver(ctx context.Context, destination int64, text string) Delivery
}

// DirectoryEntry describes a destination the transport can currently reach.
type DirectoryEntry struct {
	ID    int64
	Title string
}

// DirectoryLister is an optional interface adapters can implement when the
// underlying platform lets them enumerate or probe reachable destinations.
// known carries the ids already recorded in the directory; adapters that
// enumerate on their own (session-style clients) may ignore it.
type DirectoryLister interface {
	ListReachable(ctx context.Context, known []int64) ([]DirectoryEntry, error)
}

// DirectoryUpdate is a pushed membership change: the transport gained or lost
// access to a destination.
type DirectoryUpdate struct {
	ID        int64
	Title     string
	Reachable bool
}

// Runner is an optional interface for adapters that own a long-running
// receive loop. Start must not block; pushed membership changes go to out.
// Sends to out must never block the adapter (drop instead).
type Runner interface {
	Start(ctx context.Context, out chan<- DirectoryUpdate) error
	Stop(ctx context.Context) error
}
