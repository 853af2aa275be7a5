package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"rolecast/internal/transport"
	logx "rolecast/pkg/logx"
)

// MessageResolver finds a message body by reference with a linear search over every
// text channel the bot can see. Communities are visited by id, channels by position.
type MessageResolver struct {
	store transport.ContentStore
	log   logx.Logger
}

func NewMessageResolver(store transport.ContentStore, log logx.Logger) *MessageResolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &MessageResolver{store: store, log: log}
}

// Resolve returns the first matching body.
//
// Missing or inaccessible channels are skipped. Other fetch errors are remembered and
// reported as ErrTransportUnavailable if the search ends without a match; they are not retried.
func (r *MessageResolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrMessageNotFound
	}

	communities, err := r.store.Communities(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: list communities: %v", ErrTransportUnavailable, err)
	}
	communities = append([]string(nil), communities...)
	sort.Strings(communities)

	var transient error
	searched := 0
	for _, community := range communities {
		channels, err := r.store.SearchChannels(ctx, community)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			r.log.Warn("list channels failed", logx.String("community", community), logx.Err(err))
			transient = err
			continue
		}
		sortChannels(channels)

		for _, ch := range channels {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			searched++
			body, err := r.store.FetchMessage(ctx, ch.ID, ref)
			if err == nil {
				r.log.Debug("message resolved",
					logx.String("ref", ref),
					logx.String("community", community),
					logx.String("channel", ch.ID),
					logx.Int("searched", searched),
				)
				return body, nil
			}
			if errors.Is(err, transport.ErrNotFound) || errors.Is(err, transport.ErrForbidden) {
				continue
			}
			r.log.Debug("fetch message failed", logx.String("channel", ch.ID), logx.Err(err))
			transient = err
		}
	}

	if transient != nil {
		return "", fmt.Errorf("%w: %v", ErrTransportUnavailable, transient)
	}
	return "", fmt.Errorf("%w: %s", ErrMessageNotFound, ref)
}

func sortChannels(chs []transport.Channel) {
	sort.SliceStable(chs, func(i, j int) bool {
		if chs[i].Position != chs[j].Position {
			return chs[i].Position < chs[j].Position
		}
		return chs[i].ID < chs[j].ID
	})
}
