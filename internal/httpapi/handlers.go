package httpapi

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"rolecast/internal/broadcast"
	rtsup "rolecast/internal/runtime/supervisor"
	"rolecast/internal/storage"
	"rolecast/internal/subscriber"
	logx "rolecast/pkg/logx"
)

// Broadcasts is the coordinator surface driven by the API.
type Broadcasts interface {
	BroadcastNow(ctx context.Context, g broadcast.RoleGroup, ref string) (broadcast.DeliveryTally, error)
	BroadcastAtTime(ctx context.Context, g broadcast.RoleGroup, ref string, at time.Time) (broadcast.Job, error)
	Cancel(id string) bool
	ListPending() iter.Seq[broadcast.Job]
	Location() *time.Location
}

// Subscribers is the subscriber service surface.
type Subscribers interface {
	Subscribe(ctx context.Context, userID, username string) (storage.Subscriber, error)
	Unsubscribe(ctx context.Context, userID string) (bool, error)
	List(ctx context.Context) ([]storage.Subscriber, error)
	SendToActive(ctx context.Context, body string) (broadcast.DeliveryTally, error)
}

// AuditLog lists recent audit entries.
type AuditLog interface {
	ListAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
}

// Deps are the services behind the routes. Nil optional members disable their routes
// with 503.
type Deps struct {
	Broadcasts  Broadcasts
	Subscribers Subscribers
	Audit       AuditLog
	Health      *rtsup.Registry
	Metrics     http.Handler
}

type handler struct {
	d   Deps
	log logx.Logger
}

type broadcastRequest struct {
	Group        string `json:"group" binding:"required"`
	MessageID    string `json:"message_id" binding:"required"`
	ScheduleTime string `json:"schedule_time"`
}

type jobView struct {
	ID        string `json:"id"`
	Group     string `json:"group"`
	MessageID string `json:"message_id"`
	FireAt    string `json:"fire_at"`
	CreatedAt string `json:"created_at"`
}

func (h *handler) createBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	g, err := broadcast.ParseRoleGroup(req.Group)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	ref := strings.TrimSpace(req.MessageID)
	ctx := c.Request.Context()

	if raw := strings.TrimSpace(req.ScheduleTime); raw != "" {
		loc := h.d.Broadcasts.Location()
		at, err := broadcast.ParseInstant(raw, loc)
		if err != nil {
			badRequest(c, "invalid time format, use ISO 8601 (e.g. 2025-05-07T14:30:00)")
			return
		}
		job, err := h.d.Broadcasts.BroadcastAtTime(ctx, g, ref, at)
		if err != nil {
			h.broadcastError(c, err)
			return
		}
		accepted(c, h.view(job, loc))
		return
	}

	// delivery is paced, so a large group keeps this request open for a while; a client
	// that goes away must not cut the pass short
	tally, err := h.d.Broadcasts.BroadcastNow(context.WithoutCancel(ctx), g, ref)
	if err != nil {
		h.broadcastError(c, err)
		return
	}
	success(c, tally)
}

func (h *handler) broadcastError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, broadcast.ErrInvalidSchedule):
		badRequest(c, "scheduled time must be in the future")
	case errors.Is(err, broadcast.ErrMessageNotFound):
		fail(c, http.StatusNotFound, "message not found")
	case errors.Is(err, broadcast.ErrGroupNotFound):
		fail(c, http.StatusNotFound, "group not found")
	case errors.Is(err, broadcast.ErrDirectoryUnavailable), errors.Is(err, broadcast.ErrTransportUnavailable):
		fail(c, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusServiceUnavailable, "request cancelled")
	default:
		h.log.Warn("broadcast request failed", logx.String("rid", c.GetString("rid")), logx.Err(err))
		fail(c, http.StatusInternalServerError, "broadcast failed")
	}
}

func (h *handler) view(j broadcast.Job, loc *time.Location) jobView {
	return jobView{
		ID:        j.ID,
		Group:     j.Group.String(),
		MessageID: j.MessageRef,
		FireAt:    broadcast.FormatInstant(j.FireAt, loc),
		CreatedAt: broadcast.FormatInstant(j.CreatedAt, loc),
	}
}

func (h *handler) listPending(c *gin.Context) {
	loc := h.d.Broadcasts.Location()
	out := make([]jobView, 0)
	for j := range h.d.Broadcasts.ListPending() {
		out = append(out, h.view(j, loc))
	}
	success(c, out)
}

func (h *handler) cancelBroadcast(c *gin.Context) {
	success(c, gin.H{"cancelled": h.d.Broadcasts.Cancel(c.Param("id"))})
}

func (h *handler) listAudit(c *gin.Context) {
	if h.d.Audit == nil {
		fail(c, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		badRequest(c, "limit must be a non-negative integer")
		return
	}
	entries, err := h.d.Audit.ListAudit(c.Request.Context(), limit)
	if err != nil {
		h.log.Warn("audit list failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "audit unavailable")
		return
	}
	success(c, entries)
}

type subscribeRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Username string `json:"username"`
}

type messageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (h *handler) requireSubscribers(c *gin.Context) bool {
	if h.d.Subscribers == nil {
		fail(c, http.StatusServiceUnavailable, "storage disabled")
		return false
	}
	return true
}

func (h *handler) subscribe(c *gin.Context) {
	if !h.requireSubscribers(c) {
		return
	}
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	sub, err := h.d.Subscribers.Subscribe(c.Request.Context(), req.UserID, req.Username)
	if errors.Is(err, subscriber.ErrInvalidUser) {
		badRequest(c, err.Error())
		return
	}
	if err != nil {
		h.log.Warn("subscribe failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "subscribe failed")
		return
	}
	success(c, sub)
}

func (h *handler) unsubscribe(c *gin.Context) {
	if !h.requireSubscribers(c) {
		return
	}
	ok, err := h.d.Subscribers.Unsubscribe(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.log.Warn("unsubscribe failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "unsubscribe failed")
		return
	}
	success(c, gin.H{"unsubscribed": ok})
}

func (h *handler) listSubscribers(c *gin.Context) {
	if !h.requireSubscribers(c) {
		return
	}
	subs, err := h.d.Subscribers.List(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, "list failed")
		return
	}
	success(c, subs)
}

func (h *handler) sendMessage(c *gin.Context) {
	if !h.requireSubscribers(c) {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	tally, err := h.d.Subscribers.SendToActive(context.WithoutCancel(c.Request.Context()), req.Content)
	if err != nil {
		h.log.Warn("send to subscribers failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "send failed")
		return
	}
	success(c, gin.H{"success": true, "delivered": tally.Delivered, "failed": tally.Failed})
}

func (h *handler) healthz(c *gin.Context) {
	reports := h.d.Health.Snapshot()
	status := "ok"
	for _, r := range reports {
		if r.Err != "" {
			status = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "supervisors": reports})
}
