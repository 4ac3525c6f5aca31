package scheduler

import (
	"context"
	"fmt"
	"time"

	"herald/internal/transport"
	logx "herald/pkg/logx"
)

// Result aggregates one cycle's delivery outcomes.
type Result struct {
	Successes int
	Errors    []string
}

// fanOut attempts delivery to every destination in order. A failing
// destination never short-circuits the remaining ones; it becomes one entry
// in the error list. Failed destinations are retried on the next cycle, not
// within this one.
func fanOut(ctx context.Context, sender transport.Sender, destinations []int64, text string, perAttempt time.Duration, log logx.Logger) Result {
	var res Result
	for _, dest := range destinations {
		d := deliverOne(ctx, sender, dest, text, perAttempt)
		switch d.Outcome {
		case transport.OutcomeSuccess:
			res.Successes++
			continue
		case transport.OutcomeUnreachable:
			res.Errors = append(res.Errors, fmt.Sprintf("destination %d unreachable: %s", dest, d.Reason))
		default:
			res.Errors = append(res.Errors, fmt.Sprintf("delivery to destination %d failed: %s", dest, d.Reason))
		}
		log.Debug("delivery failed",
			logx.Int64("destination", dest),
			logx.String("outcome", d.Outcome.String()),
			logx.String("reason", d.Reason))
	}
	return res
}

// deliverOne shields the cycle from a misbehaving transport: a panic or a
// missing sender classifies as a transport error for this destination only.
func deliverOne(ctx context.Context, sender transport.Sender, destination int64, text string, timeout time.Duration) (d transport.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			d = transport.Failure(fmt.Sprintf("transport panic: %v", r))
		}
	}()
	if sender == nil {
		return transport.Failure("no transport configured")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return sender.Deliver(ctx, destination, text)
}
