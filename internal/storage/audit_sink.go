package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"rolecast/internal/broadcast"
	"rolecast/internal/eventbus"
	logx "rolecast/pkg/logx"
)

// AuditTypes are the bus events recorded by RunAuditSink.
var AuditTypes = []string{
	broadcast.EventDelivered,
	broadcast.EventFailed,
	broadcast.EventScheduled,
	broadcast.EventFired,
	broadcast.EventCancelled,
}

// RunAuditSink appends every broadcast lifecycle event to st until ctx ends.
func RunAuditSink(ctx context.Context, bus eventbus.Bus, st Store, log logx.Logger) {
	ch, unsub := bus.Subscribe(256, AuditTypes...)
	defer unsub()
	eventbus.Consume(ctx, ch, func(e eventbus.Event) {
		entry, ok := AuditFromEvent(e)
		if !ok {
			return
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := st.AppendAudit(wctx, entry); err != nil {
			log.Warn("audit append failed", logx.String("kind", entry.Kind), logx.Err(err))
		}
	})
}

// AuditFromEvent converts a broadcast event. Unknown payloads are rejected.
func AuditFromEvent(e eventbus.Event) (AuditEntry, bool) {
	entry := AuditEntry{ID: uuid.NewString(), At: e.Time, Kind: e.Type}
	switch d := e.Data.(type) {
	case broadcast.Outcome:
		entry.Group = d.Group.String()
		entry.MessageRef = d.MessageRef
		entry.ScheduleID = d.ScheduleID
		entry.OK = d.Tally.Delivered
		entry.Fail = d.Tally.Failed
		entry.Error = d.Err
		entry.TookMS = d.Took.Milliseconds()
	case broadcast.Job:
		entry.Group = d.Group.String()
		entry.MessageRef = d.MessageRef
		entry.ScheduleID = d.ID
	default:
		return AuditEntry{}, false
	}
	return entry, true
}
