package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rolecast/internal/broadcast"
	kit "rolecast/internal/transport"
	logx "rolecast/pkg/logx"
)

const (
	replyMessageNotFound = "Message not found"
	replyInvalidTime     = "Invalid time format. Use ISO format (e.g., 2025-05-07T14:30:00)"
	replyPastTime        = "Scheduled time must be in the future"
	replyGroupNotFound   = "Group not found"
	replyFailed          = "Failed to send message"
	replyForbidden       = "You are not allowed to use this command"
	replyBusy            = "Busy, try again"
	replyNoPending       = "No pending broadcasts"
)

// replyTimeout bounds a reply sent after the command deadline has passed.
const replyTimeout = 10 * time.Second

const (
	optMessageID    = "message_id"
	optScheduleTime = "schedule_time"
	optID           = "id"
)

var sendCommands = []struct {
	name  string
	group broadcast.RoleGroup
	desc  string
}{
	{"sendkrein", broadcast.GroupKrein, "Send a message to the Krein militia"},
	{"sendgadyav", broadcast.GroupGadyav, "Send a message to the Gadyav militia"},
	{"sendbozevin", broadcast.GroupBozevin, "Send a message to the Bozevin militia"},
	{"sendall", broadcast.GroupAll, "Send a message to all militia"},
}

func (r *Router) commands() []Route {
	out := make([]Route, 0, len(sendCommands)+2)
	for _, sc := range sendCommands {
		g := sc.group
		out = append(out, Route{
			Spec: kit.CommandSpec{
				Name:        sc.name,
				Description: sc.desc,
				Options: []kit.CommandOption{
					{Name: optMessageID, Description: "ID of the message to broadcast", Required: true},
					{Name: optScheduleTime, Description: "Send time (ISO format, e.g. 2025-05-07T14:30:00)"},
				},
			},
			Access: AccessOperator,
			Handle: func(ctx context.Context, req *Request) error { return r.handleSend(ctx, req, g) },
		})
	}
	out = append(out,
		Route{
			Spec:   kit.CommandSpec{Name: "broadcasts", Description: "List pending scheduled broadcasts"},
			Access: AccessOperator,
			Handle: r.handleList,
		},
		Route{
			Spec: kit.CommandSpec{
				Name:        "cancelbroadcast",
				Description: "Cancel a pending scheduled broadcast",
				Options:     []kit.CommandOption{{Name: optID, Description: "Schedule id", Required: true}},
			},
			Access: AccessOperator,
			Handle: r.handleCancel,
		},
	)
	return out
}

func (r *Router) textCommands() []TextRoute {
	if r.subs == nil {
		return nil
	}
	return []TextRoute{
		{Word: "!subscribe", Handle: r.handleSubscribe},
		{Word: "!unsubscribe", Handle: r.handleUnsubscribe},
	}
}

func (r *Router) roleNames() broadcast.RoleNames {
	if r.roles == nil {
		return broadcast.DefaultRoleNames()
	}
	return r.roles.RoleNames()
}

func (r *Router) handleSend(ctx context.Context, req *Request, g broadcast.RoleGroup) error {
	ref := req.Option(optMessageID)
	if ref == "" {
		return r.replier.Respond(ctx, req.Command, replyMessageNotFound)
	}

	if raw := req.Option(optScheduleTime); raw != "" {
		loc := r.bc.Location()
		at, err := broadcast.ParseInstant(raw, loc)
		if err != nil {
			return r.replier.Respond(ctx, req.Command, replyInvalidTime)
		}
		job, err := r.bc.BroadcastAtTime(ctx, g, ref, at)
		if err != nil {
			return r.replier.Respond(ctx, req.Command, r.sendErrorText(req, err))
		}
		return r.replier.Respond(ctx, req.Command,
			fmt.Sprintf("Message scheduled for %s (id: %s)", broadcast.FormatInstant(job.FireAt, loc), job.ID))
	}

	// the command deadline bounds the reply, never the delivery pass
	tally, err := r.bc.BroadcastNow(req.Detached(ctx), g, ref)
	if err != nil {
		return r.respondLate(ctx, req, r.sendErrorText(req, err))
	}
	return r.respondLate(ctx, req,
		fmt.Sprintf("Message sent to %s. Success: %d, Failed: %d", r.roleNames().Display(g), tally.Delivered, tally.Failed))
}

// respondLate responds on ctx, or on a short detached context when ctx has already ended.
func (r *Router) respondLate(ctx context.Context, req *Request, text string) error {
	if ctx.Err() != nil {
		rctx, cancel := context.WithTimeout(req.Detached(ctx), replyTimeout)
		defer cancel()
		ctx = rctx
	}
	return r.replier.Respond(ctx, req.Command, text)
}

func (r *Router) sendErrorText(req *Request, err error) string {
	switch {
	case errors.Is(err, broadcast.ErrMessageNotFound):
		return replyMessageNotFound
	case errors.Is(err, broadcast.ErrInvalidSchedule):
		return replyPastTime
	case errors.Is(err, broadcast.ErrGroupNotFound):
		return replyGroupNotFound
	}
	req.Logger.Warn("broadcast command failed", logx.Err(err))
	return replyFailed
}

func (r *Router) handleList(ctx context.Context, req *Request) error {
	loc := r.bc.Location()
	names := r.roleNames()
	var b strings.Builder
	n := 0
	for job := range r.bc.ListPending() {
		n++
		fmt.Fprintf(&b, "%s  %s  %s  message %s\n",
			job.ID, names.Display(job.Group), broadcast.FormatInstant(job.FireAt, loc), job.MessageRef)
	}
	if n == 0 {
		return r.replier.Respond(ctx, req.Command, replyNoPending)
	}
	return r.replier.Respond(ctx, req.Command, fmt.Sprintf("Pending broadcasts (%d):\n%s", n, strings.TrimRight(b.String(), "\n")))
}

func (r *Router) handleCancel(ctx context.Context, req *Request) error {
	id := req.Option(optID)
	if id != "" && r.bc.Cancel(id) {
		return r.replier.Respond(ctx, req.Command, fmt.Sprintf("Broadcast %s cancelled", id))
	}
	return r.replier.Respond(ctx, req.Command, fmt.Sprintf("No pending broadcast with id %s", id))
}

func (r *Router) handleSubscribe(ctx context.Context, req *Request) error {
	if _, err := r.subs.Subscribe(ctx, req.FromID, req.FromName); err != nil {
		req.Logger.Warn("subscribe failed", logx.Err(err))
		return r.replier.Reply(ctx, req.ChannelID, "Could not subscribe, try again later.")
	}
	return r.replier.Reply(ctx, req.ChannelID, fmt.Sprintf("%s subscribed to the mailing list.", req.FromName))
}

func (r *Router) handleUnsubscribe(ctx context.Context, req *Request) error {
	ok, err := r.subs.Unsubscribe(ctx, req.FromID)
	if err != nil {
		req.Logger.Warn("unsubscribe failed", logx.Err(err))
		return r.replier.Reply(ctx, req.ChannelID, "Could not unsubscribe, try again later.")
	}
	if !ok {
		return r.replier.Reply(ctx, req.ChannelID, fmt.Sprintf("%s was not subscribed.", req.FromName))
	}
	return r.replier.Reply(ctx, req.ChannelID, fmt.Sprintf("%s unsubscribed from the mailing list.", req.FromName))
}
