package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rolecast/internal/broadcast"
	logx "rolecast/pkg/logx"
)

// RecurringDef is a broadcast repeated on a schedule. The message is resolved on every run.
type RecurringDef struct {
	Name       string
	Group      broadcast.RoleGroup
	MessageRef string
	Schedule   string
}

// Trigger starts an immediate broadcast.
type Trigger interface {
	BroadcastNow(ctx context.Context, g broadcast.RoleGroup, ref string) (broadcast.DeliveryTally, error)
}

// EntryInfo describes a registered recurring broadcast.
type EntryInfo struct {
	Name     string
	Group    broadcast.RoleGroup
	Schedule string
	Next     time.Time
	Prev     time.Time
}

// Recurring runs RecurringDefs on a robfig/cron scheduler. A run is skipped while the
// previous run of the same entry is still delivering.
type Recurring struct {
	mu sync.Mutex

	trigger Trigger
	log     logx.Logger
	parser  cron.Parser

	c       *cron.Cron
	loc     *time.Location
	defs    []RecurringDef
	entries map[string]cron.EntryID
	runCtx  context.Context
}

func NewRecurring(trigger Trigger, log logx.Logger) *Recurring {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recurring{
		trigger: trigger,
		log:     log,
		parser:  newParser(),
		loc:     time.Local,
		entries: map[string]cron.EntryID{},
		runCtx:  context.Background(),
	}
}

// newParser accepts 5-field and 6-field (with seconds) specs plus descriptors.
func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ValidateRecurring checks names, groups, references and schedules without registering anything.
func ValidateRecurring(defs []RecurringDef) error {
	p := newParser()
	seen := map[string]bool{}
	for i, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return fmt.Errorf("recurring[%d]: name required", i)
		}
		if seen[name] {
			return fmt.Errorf("recurring[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if !d.Group.Valid() {
			return fmt.Errorf("recurring %q: invalid group", name)
		}
		if strings.TrimSpace(d.MessageRef) == "" {
			return fmt.Errorf("recurring %q: message_id required", name)
		}
		ps, err := ParseSchedule(d.Schedule)
		if err != nil {
			return fmt.Errorf("recurring %q: %w", name, err)
		}
		if ps.Kind == SpecCron {
			if _, err := p.Parse(ps.Cron); err != nil {
				return fmt.Errorf("recurring %q: cron %q: %w", name, ps.Cron, err)
			}
		}
	}
	return nil
}

// Apply replaces all definitions and the trigger location. Invalid input changes nothing.
func (r *Recurring) Apply(defs []RecurringDef, loc *time.Location) error {
	if err := ValidateRecurring(defs); err != nil {
		return err
	}
	if loc == nil {
		loc = time.Local
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = append([]RecurringDef(nil), defs...)
	r.loc = loc
	if r.c != nil {
		r.restartLocked()
	}
	return nil
}

func (r *Recurring) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return
	}
	r.runCtx = ctx
	r.restartLocked()
	r.log.Info("recurring broadcasts started", logx.String("tz", r.loc.String()), logx.Int("entries", len(r.entries)))
}

// Stop halts triggering. Runs already in progress finish under the Start context.
func (r *Recurring) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.entries = map[string]cron.EntryID{}
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	r.log.Info("recurring broadcasts stopped")
}

// Entries lists registered broadcasts with their next and previous run times.
func (r *Recurring) Entries() []EntryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EntryInfo, 0, len(r.defs))
	for _, d := range r.defs {
		info := EntryInfo{Name: d.Name, Group: d.Group, Schedule: d.Schedule}
		if id, ok := r.entries[d.Name]; ok && r.c != nil {
			e := r.c.Entry(id)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}

func (r *Recurring) restartLocked() {
	if r.c != nil {
		// do not wait here; a running pass keeps going on its own context
		r.c.Stop()
	}
	cl := cronLogger{log: r.log}
	r.c = cron.New(
		cron.WithParser(r.parser),
		cron.WithLocation(r.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	r.entries = map[string]cron.EntryID{}
	for _, d := range r.defs {
		id, err := r.addLocked(d)
		if err != nil {
			r.log.Error("recurring register failed", logx.String("name", d.Name), logx.String("schedule", d.Schedule), logx.Err(err))
			continue
		}
		r.entries[d.Name] = id
	}
	r.c.Start()
}

func (r *Recurring) addLocked(d RecurringDef) (cron.EntryID, error) {
	ps, err := ParseSchedule(d.Schedule)
	if err != nil {
		return 0, err
	}
	ctx := r.runCtx
	job := cron.FuncJob(func() {
		tally, err := r.trigger.BroadcastNow(ctx, d.Group, d.MessageRef)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				r.log.Warn("recurring broadcast failed", logx.String("name", d.Name), logx.Err(err))
			}
			return
		}
		r.log.Info("recurring broadcast sent",
			logx.String("name", d.Name),
			logx.Int("delivered", tally.Delivered),
			logx.Int("failed", tally.Failed),
		)
	})
	switch ps.Kind {
	case SpecInterval:
		return r.c.Schedule(cron.Every(ps.Every), job), nil
	default:
		return r.c.AddJob(ps.Cron, job)
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
