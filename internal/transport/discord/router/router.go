package router

import (
	"context"
	"iter"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rolecast/internal/broadcast"
	rtsup "rolecast/internal/runtime/supervisor"
	"rolecast/internal/storage"
	kit "rolecast/internal/transport"
	logx "rolecast/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOperator
)

// Route binds a slash command to its handler.
type Route struct {
	Spec    kit.CommandSpec
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

// TextRoute handles a "!word" channel message.
type TextRoute struct {
	Word   string
	Handle HandlerFunc
}

type Request struct {
	Update    kit.Update
	Command   *kit.Command // nil for text messages
	Message   *kit.Message // nil for slash commands
	Name      string
	ChannelID string
	FromID    string
	FromName  string
	ReqID     string
	Logger    logx.Logger

	// base is the dispatcher context: it ends at shutdown and has no per-command deadline.
	base context.Context
}

// Detached returns a context for work that must outlive the command deadline, such as a
// delivery pass. It still ends when the dispatcher stops.
func (r *Request) Detached(ctx context.Context) context.Context {
	if r.base != nil {
		return r.base
	}
	return context.WithoutCancel(ctx)
}

// Option returns a trimmed slash command option.
func (r *Request) Option(name string) string {
	if r.Command == nil {
		return ""
	}
	return strings.TrimSpace(r.Command.Options[name])
}

// Broadcasts is the part of the broadcast coordinator the commands drive.
type Broadcasts interface {
	BroadcastNow(ctx context.Context, g broadcast.RoleGroup, ref string) (broadcast.DeliveryTally, error)
	BroadcastAtTime(ctx context.Context, g broadcast.RoleGroup, ref string, at time.Time) (broadcast.Job, error)
	Cancel(id string) bool
	ListPending() iter.Seq[broadcast.Job]
	Location() *time.Location
}

// Subscriptions is the subscriber service.
type Subscriptions interface {
	Subscribe(ctx context.Context, userID, username string) (storage.Subscriber, error)
	Unsubscribe(ctx context.Context, userID string) (bool, error)
}

// RoleNamer reports the current role names (they change on config reload).
type RoleNamer interface {
	RoleNames() broadcast.RoleNames
}

type Deps struct {
	Replier     kit.Replier
	Broadcasts  Broadcasts
	Subscribers Subscriptions // optional; disables !subscribe / !unsubscribe when nil
	Roles       RoleNamer
	Log         logx.Logger

	Workers        int
	CommandTimeout time.Duration
	Supervisors    *rtsup.Registry
}

// Router dispatches inbound updates to handlers on a bounded worker pool.
type Router struct {
	replier kit.Replier
	bc      Broadcasts
	subs    Subscriptions
	roles   RoleNamer
	log     logx.Logger
	regs    *rtsup.Registry

	workers int
	timeout time.Duration

	mu      sync.RWMutex
	routes  map[string]Route
	text    map[string]TextRoute
	opUsers []string
	opRoles []string

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(d Deps) *Router {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	workers := d.Workers
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 2)
	}
	r := &Router{
		replier: d.Replier,
		bc:      d.Broadcasts,
		subs:    d.Subscribers,
		roles:   d.Roles,
		log:     d.Log,
		regs:    d.Supervisors,
		workers: workers,
		timeout: d.CommandTimeout,
		jobs:    make(chan func(), 256),
	}
	r.install(r.commands(), r.textCommands())
	return r
}

func (r *Router) install(cmds []Route, text []TextRoute) {
	routes := make(map[string]Route, len(cmds))
	for _, c := range cmds {
		if c.Spec.Name == "" || c.Handle == nil {
			continue
		}
		routes[c.Spec.Name] = c
	}
	words := make(map[string]TextRoute, len(text))
	for _, t := range text {
		words[strings.ToLower(t.Word)] = t
	}
	r.mu.Lock()
	r.routes = routes
	r.text = words
	r.mu.Unlock()
}

// Specs lists the slash commands to register, sorted by name.
func (r *Router) Specs() []kit.CommandSpec {
	r.mu.RLock()
	out := make([]kit.CommandSpec, 0, len(r.routes))
	for _, c := range r.routes {
		out = append(out, c.Spec)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b kit.CommandSpec) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// SetOperators restricts operator commands to the given users or role holders.
// With both lists empty every member may run them. Safe during hot reload.
func (r *Router) SetOperators(userIDs, roleIDs []string) {
	u := slices.Clone(userIDs)
	ro := slices.Clone(roleIDs)
	r.mu.Lock()
	r.opUsers, r.opRoles = u, ro
	r.mu.Unlock()
}

func (r *Router) isOperator(cmd *kit.Command) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.opUsers) == 0 && len(r.opRoles) == 0 {
		return true
	}
	if slices.Contains(r.opUsers, cmd.FromID) {
		return true
	}
	for _, role := range cmd.FromRoleIDs {
		if slices.Contains(r.opRoles, role) {
			return true
		}
	}
	return false
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	// jobs may already be closed by a stopping Run
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Run consumes updates until ctx ends or updates is closed. It may be called once.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log.With(logx.String("comp", "discord.router"))))
	r.setSupervisor(sup, true)
	r.regs.Set("discord.router", sup)
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					r.runJob(idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		r.setSupervisor(sup, false)
		close(r.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.regs.Delete("discord.router")
		r.setSupervisor(nil, false)
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(sup.Context(), up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateCommand:
		r.routeCommand(ctx, up)
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	}
}

func (r *Router) routeCommand(ctx context.Context, up kit.Update) {
	cmd := up.Command
	if cmd == nil {
		return
	}
	r.mu.RLock()
	rt, ok := r.routes[cmd.Name]
	r.mu.RUnlock()
	if !ok {
		r.log.Debug("unknown command", logx.String("cmd", cmd.Name))
		return
	}

	req := r.newRequest(up, cmd.Name, cmd.ChannelID, cmd.FromID, cmd.FromUsername)
	req.Command = cmd
	req.base = ctx

	timeout := rt.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	h := rt.Handle
	if rt.Access == AccessOperator && !r.isOperator(cmd) {
		h = func(ctx context.Context, req *Request) error {
			return r.replier.Respond(ctx, req.Command, replyForbidden)
		}
	}
	final := Chain(h, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(timeout))

	// interactions must be acknowledged within seconds, so defer before queueing
	if err := r.replier.Defer(ctx, cmd); err != nil {
		req.Logger.Warn("defer reply failed", logx.Err(err))
		return
	}
	if !r.tryEnqueue(func() {
		if err := final(ctx, req); err != nil {
			_ = r.replier.Respond(ctx, cmd, replyFailed)
		}
	}) {
		_ = r.replier.Respond(ctx, cmd, replyBusy)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "!") {
		return
	}
	word := strings.ToLower(strings.Fields(text)[0])

	r.mu.RLock()
	tr, ok := r.text[word]
	r.mu.RUnlock()
	if !ok {
		return
	}
	req := r.newRequest(up, word, msg.ChannelID, msg.FromID, msg.FromUsername)
	req.Message = msg
	req.base = ctx
	final := Chain(tr.Handle, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(r.timeout))
	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		_ = r.replier.Reply(ctx, msg.ChannelID, replyBusy)
	}
}

func (r *Router) newRequest(up kit.Update, name, channelID, fromID, fromName string) *Request {
	rid := newReqID()
	return &Request{
		Update:    up,
		Name:      name,
		ChannelID: channelID,
		FromID:    fromID,
		FromName:  fromName,
		ReqID:     rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.String("channel_id", channelID),
			logx.String("from_id", fromID),
			logx.String("cmd", name),
		),
	}
}

func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
