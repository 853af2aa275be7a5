package broadcast

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"rolecast/internal/transport"
	logx "rolecast/pkg/logx"
)

// DefaultInterval is the pause between consecutive direct messages.
const DefaultInterval = 100 * time.Millisecond

// DeliveryTally summarizes one delivery pass.
type DeliveryTally struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

func (t DeliveryTally) Total() int { return t.Delivered + t.Failed }

// GroupResolver resolves a group to recipients.
type GroupResolver interface {
	ResolveGroup(ctx context.Context, g RoleGroup) ([]transport.Recipient, error)
}

// DeliveryEngine sends one body to many recipients strictly sequentially.
// The fixed pause between sends is the only rate control.
type DeliveryEngine struct {
	sender   transport.DirectSender
	groups   GroupResolver
	clock    clockwork.Clock
	log      logx.Logger
	interval atomic.Int64
}

func NewDeliveryEngine(sender transport.DirectSender, groups GroupResolver, interval time.Duration, clock clockwork.Clock, log logx.Logger) *DeliveryEngine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	e := &DeliveryEngine{sender: sender, groups: groups, clock: clock, log: log}
	e.SetInterval(interval)
	return e
}

// SetInterval changes the pause for subsequent passes. Non-positive values reset the default.
func (e *DeliveryEngine) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	e.interval.Store(int64(d))
}

func (e *DeliveryEngine) Interval() time.Duration { return time.Duration(e.interval.Load()) }

// Broadcast resolves g now and delivers body to the result.
func (e *DeliveryEngine) Broadcast(ctx context.Context, g RoleGroup, body string) (DeliveryTally, error) {
	recipients, err := e.groups.ResolveGroup(ctx, g)
	if err != nil {
		return DeliveryTally{}, err
	}
	return e.Deliver(ctx, recipients, body), nil
}

// Deliver sends body to every recipient once, in slice order.
//
// A failed send is counted and the pass continues. If ctx ends mid-pass the remaining
// recipients are counted as failed, so Delivered+Failed always equals the number of
// distinct recipients.
func (e *DeliveryEngine) Deliver(ctx context.Context, recipients []transport.Recipient, body string) DeliveryTally {
	interval := e.Interval()
	start := e.clock.Now()

	var tally DeliveryTally
	seen := make(map[string]struct{}, len(recipients))
	attempts := 0
	for i, r := range recipients {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}

		if attempts > 0 {
			select {
			case <-ctx.Done():
				left := countDistinct(recipients[i:], seen) + 1
				tally.Failed += left
				e.log.Warn("delivery interrupted", logx.Int("remaining", left), logx.Err(ctx.Err()))
				return e.finish(tally, start)
			case <-e.clock.After(interval):
			}
		}
		attempts++

		if err := e.sender.SendDirect(ctx, r, body); err != nil {
			tally.Failed++
			e.log.Warn("direct message failed",
				logx.String("recipient", r.ID),
				logx.String("username", r.Username),
				logx.Err(err),
			)
			continue
		}
		tally.Delivered++
	}
	return e.finish(tally, start)
}

func (e *DeliveryEngine) finish(t DeliveryTally, start time.Time) DeliveryTally {
	e.log.Info("delivery pass finished",
		logx.Int("delivered", t.Delivered),
		logx.Int("failed", t.Failed),
		logx.Duration("took", e.clock.Since(start)),
	)
	return t
}

// countDistinct counts recipients in rest not yet present in seen.
// seen is not modified.
func countDistinct(rest []transport.Recipient, seen map[string]struct{}) int {
	extra := map[string]struct{}{}
	for _, r := range rest {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		extra[r.ID] = struct{}{}
	}
	return len(extra)
}
