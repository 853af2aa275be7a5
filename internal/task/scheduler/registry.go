package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"rolecast/internal/broadcast"
	"rolecast/internal/eventbus"
	logx "rolecast/pkg/logx"
)

var ErrStopped = errors.New("scheduler stopped")

// Deliverer runs one broadcast pass. Recipients are resolved when it is called.
type Deliverer interface {
	Broadcast(ctx context.Context, g broadcast.RoleGroup, body string) (broadcast.DeliveryTally, error)
}

type pending struct {
	job   broadcast.Job
	timer clockwork.Timer
}

// Registry keeps deferred broadcast jobs keyed by schedule id.
//
// A job is Pending until its timer fires or it is cancelled; both remove it from the
// map under mu before anything else happens, so ListPending never shows a fired job.
type Registry struct {
	clock   clockwork.Clock
	deliver Deliverer
	bus     eventbus.Bus
	log     logx.Logger

	mu        sync.Mutex
	jobs      map[string]*pending
	lastNanos int64
	runCtx    context.Context
	cancelRun context.CancelFunc
	stopped   bool

	inflight sync.WaitGroup
}

func NewRegistry(deliver Deliverer, clock clockwork.Clock, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		clock:     clock,
		deliver:   deliver,
		bus:       bus,
		log:       log,
		jobs:      map[string]*pending{},
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// Start binds fired passes to ctx. Jobs scheduled earlier keep their timers.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.cancelRun()
	r.runCtx, r.cancelRun = context.WithCancel(ctx)
	r.log.Info("registry started", logx.Int("pending", len(r.jobs)))
}

// Stop disarms every pending timer, cancels running passes and waits for them until ctx ends.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	dropped := len(r.jobs)
	for id, p := range r.jobs {
		p.timer.Stop()
		delete(r.jobs, id)
	}
	cancel := r.cancelRun
	r.mu.Unlock()

	if dropped > 0 {
		r.log.Warn("pending broadcasts dropped on stop", logx.Int("count", dropped))
	}
	cancel()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("stop timed out waiting for running broadcasts", logx.Err(ctx.Err()))
	}
}

// Schedule registers a job firing at fireAt. It returns immediately.
func (r *Registry) Schedule(g broadcast.RoleGroup, ref, body string, fireAt time.Time) (broadcast.Job, error) {
	if !g.Valid() {
		return broadcast.Job{}, fmt.Errorf("%w: %s", broadcast.ErrGroupNotFound, g)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return broadcast.Job{}, ErrStopped
	}
	now := r.clock.Now()
	if err := broadcast.ValidateFireAt(fireAt, now); err != nil {
		return broadcast.Job{}, err
	}

	// ids embed creation nanos; bump on collision so an id is never issued twice
	nanos := now.UnixNano()
	if nanos <= r.lastNanos {
		nanos = r.lastNanos + 1
	}
	r.lastNanos = nanos

	job := broadcast.Job{
		ID:         fmt.Sprintf("%s-%s-%d", g, ref, nanos),
		Group:      g,
		MessageRef: ref,
		Body:       body,
		FireAt:     fireAt,
		CreatedAt:  now,
	}
	p := &pending{job: job}
	// the callback takes mu, so it cannot observe p before it is stored
	p.timer = r.clock.AfterFunc(fireAt.Sub(now), func() { r.fire(job.ID, p) })
	r.jobs[job.ID] = p

	r.log.Debug("job armed",
		logx.String("id", job.ID),
		logx.Duration("delay", fireAt.Sub(now)),
		logx.Int("pending", len(r.jobs)),
	)
	r.publish(broadcast.EventScheduled, job)
	return job, nil
}

// Cancel removes a pending job. It returns false for unknown, fired or cancelled ids.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	p, ok := r.jobs[id]
	if ok {
		p.timer.Stop()
		delete(r.jobs, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.log.Info("broadcast cancelled", logx.String("id", id))
	r.publish(broadcast.EventCancelled, p.job)
	return true
}

// ListPending returns a snapshot of pending jobs ordered by fire time.
func (r *Registry) ListPending() iter.Seq[broadcast.Job] {
	r.mu.Lock()
	snap := make([]broadcast.Job, 0, len(r.jobs))
	for _, p := range r.jobs {
		snap = append(snap, p.job)
	}
	r.mu.Unlock()

	sort.Slice(snap, func(i, j int) bool {
		if !snap[i].FireAt.Equal(snap[j].FireAt) {
			return snap[i].FireAt.Before(snap[j].FireAt)
		}
		return snap[i].ID < snap[j].ID
	})
	return func(yield func(broadcast.Job) bool) {
		for _, j := range snap {
			if !yield(j) {
				return
			}
		}
	}
}

// Len returns the number of pending jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *Registry) fire(id string, p *pending) {
	r.mu.Lock()
	if cur, ok := r.jobs[id]; !ok || cur != p {
		// cancelled or stopped after the timer was already running
		r.mu.Unlock()
		return
	}
	delete(r.jobs, id)
	ctx := r.runCtx
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()

	job := p.job
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in scheduled broadcast",
				logx.String("id", id),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()

	start := r.clock.Now()
	r.log.Info("broadcast fired", logx.String("id", id), logx.String("group", job.Group.String()))
	r.publish(broadcast.EventFired, job)

	tally, err := r.deliver.Broadcast(ctx, job.Group, job.Body)
	out := broadcast.Outcome{
		Group:      job.Group,
		MessageRef: job.MessageRef,
		ScheduleID: id,
		Tally:      tally,
		At:         r.clock.Now(),
		Took:       r.clock.Since(start),
	}
	if err != nil {
		out.Err = err.Error()
		r.log.Warn("scheduled broadcast failed", logx.String("id", id), logx.Err(err))
		r.publishOutcome(broadcast.EventFailed, out)
		return
	}
	r.publishOutcome(broadcast.EventDelivered, out)
}

func (r *Registry) publish(typ string, job broadcast.Job) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.clock.Now(), Data: job})
}

func (r *Registry) publishOutcome(typ string, o broadcast.Outcome) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: o.At, Data: o})
}
