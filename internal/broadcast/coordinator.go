package broadcast

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"rolecast/internal/eventbus"
	logx "rolecast/pkg/logx"
)

// MessageFinder resolves a message reference to its body.
type MessageFinder interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Broadcaster resolves a group and runs one delivery pass.
type Broadcaster interface {
	Broadcast(ctx context.Context, g RoleGroup, body string) (DeliveryTally, error)
}

// JobScheduler holds deferred broadcasts.
type JobScheduler interface {
	Schedule(g RoleGroup, ref, body string, fireAt time.Time) (Job, error)
	Cancel(id string) bool
	ListPending() iter.Seq[Job]
}

// Coordinator is the entry point used by commands and the HTTP API.
//
// BroadcastAt validates fireAt before resolving the message, so a bad time never costs a
// channel search.
type Coordinator struct {
	messages MessageFinder
	engine   Broadcaster
	sched    JobScheduler
	clock    clockwork.Clock
	bus      eventbus.Bus
	log      logx.Logger

	loc atomic.Pointer[time.Location]
}

func NewCoordinator(messages MessageFinder, engine Broadcaster, sched JobScheduler, clock clockwork.Clock, bus eventbus.Bus, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Coordinator{messages: messages, engine: engine, sched: sched, clock: clock, bus: bus, log: log}
	c.loc.Store(time.Local)
	return c
}

// SetLocation sets the zone used for offset-less input times and for rendering.
func (c *Coordinator) SetLocation(loc *time.Location) {
	if loc != nil {
		c.loc.Store(loc)
	}
}

func (c *Coordinator) Location() *time.Location { return c.loc.Load() }

// BroadcastNow resolves ref and delivers it to g immediately.
func (c *Coordinator) BroadcastNow(ctx context.Context, g RoleGroup, ref string) (DeliveryTally, error) {
	start := c.clock.Now()
	body, err := c.messages.Resolve(ctx, ref)
	if err != nil {
		c.publishFailure(g, ref, "", err, start)
		return DeliveryTally{}, err
	}
	tally, err := c.engine.Broadcast(ctx, g, body)
	if err != nil {
		c.publishFailure(g, ref, "", err, start)
		return DeliveryTally{}, err
	}
	c.publish(EventDelivered, Outcome{
		Group:      g,
		MessageRef: ref,
		Tally:      tally,
		At:         c.clock.Now(),
		Took:       c.clock.Since(start),
	})
	return tally, nil
}

// BroadcastAt parses fireAt as ISO-8601 and schedules ref for g.
func (c *Coordinator) BroadcastAt(ctx context.Context, g RoleGroup, ref, fireAt string) (Job, error) {
	at, err := ParseInstant(fireAt, c.Location())
	if err != nil {
		return Job{}, err
	}
	return c.BroadcastAtTime(ctx, g, ref, at)
}

// BroadcastAtTime schedules ref for g at an already parsed instant.
func (c *Coordinator) BroadcastAtTime(ctx context.Context, g RoleGroup, ref string, at time.Time) (Job, error) {
	start := c.clock.Now()
	if err := ValidateFireAt(at, start); err != nil {
		return Job{}, err
	}
	body, err := c.messages.Resolve(ctx, ref)
	if err != nil {
		c.publishFailure(g, ref, "", err, start)
		return Job{}, err
	}
	job, err := c.sched.Schedule(g, ref, body, at)
	if err != nil {
		c.publishFailure(g, ref, "", err, start)
		return Job{}, err
	}
	c.log.Info("broadcast scheduled",
		logx.String("id", job.ID),
		logx.String("group", g.String()),
		logx.String("fire_at", FormatInstant(job.FireAt, c.Location())),
	)
	return job, nil
}

// Cancel cancels a pending job. It is advisory: a job already firing still delivers.
func (c *Coordinator) Cancel(id string) bool { return c.sched.Cancel(id) }

func (c *Coordinator) ListPending() iter.Seq[Job] { return c.sched.ListPending() }

func (c *Coordinator) publishFailure(g RoleGroup, ref, scheduleID string, err error, start time.Time) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.log.Warn("broadcast failed", logx.String("group", g.String()), logx.String("ref", ref), logx.Err(err))
	c.publish(EventFailed, Outcome{
		Group:      g,
		MessageRef: ref,
		ScheduleID: scheduleID,
		Err:        err.Error(),
		At:         c.clock.Now(),
		Took:       c.clock.Since(start),
	})
}

func (c *Coordinator) publish(typ string, o Outcome) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: o.At, Data: o})
}
