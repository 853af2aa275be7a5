package app

import (
	"context"
	"slices"
	"strings"

	"rolecast/internal/broadcast"
	"rolecast/internal/config"
	logx "rolecast/pkg/logx"
)

// restartOnly are sections read once at startup.
var restartOnly = []string{"storage", "http", "events"}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts; only the newest config matters
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(last, next)
			last = next
		}
	}
}

// apply pushes the live-reloadable parts of next into running components. next has
// already passed validate.
func (a *App) apply(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if token := strings.TrimSpace(next.Telegram.Token); token != a.alertToken {
		sender, err := newAlertSender(token)
		if err != nil {
			a.log.Warn("alert sender not replaced", logx.Err(err))
		} else {
			a.logs.SetSender(sender)
			a.alertToken = token
		}
	}
	a.logs.Apply(mapLogConfig(next))

	a.engine.SetInterval(next.Broadcast.DeliveryInterval(broadcast.DefaultInterval))
	loc, err := next.Broadcast.Location()
	if err == nil {
		a.coord.SetLocation(loc)
	}
	if names, err := mapRoleNames(next); err == nil {
		a.dir.SetRoleNames(names)
	}
	if defs, err := mapRecurring(next); err == nil {
		if err := a.recurring.Apply(defs, loc); err != nil {
			a.log.Warn("recurring broadcasts not updated", logx.Err(err))
		}
	}
	a.router.SetOperators(next.Discord.OperatorUserIDs, next.Discord.OperatorRoleIDs)

	if prev != nil && (prev.Discord.GuildID != next.Discord.GuildID || prev.Discord.Token != next.Discord.Token) {
		a.log.Warn("discord connection settings changed; restart required")
	}
	for _, s := range restartOnly {
		if slices.Contains(sections, s) {
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
