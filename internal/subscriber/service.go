// Package subscriber manages users who opted in to direct announcements with the
// !subscribe text command or the HTTP API.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	"rolecast/internal/broadcast"
	"rolecast/internal/storage"
	"rolecast/internal/transport"
	logx "rolecast/pkg/logx"
)

var ErrInvalidUser = errors.New("user id required")

// Deliverer sends one body to a pre-resolved recipient set.
type Deliverer interface {
	Deliver(ctx context.Context, recipients []transport.Recipient, body string) broadcast.DeliveryTally
}

type Service struct {
	store  storage.Store
	sender Deliverer
	clock  clockwork.Clock
	log    logx.Logger
}

func New(store storage.Store, sender Deliverer, clock clockwork.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{store: store, sender: sender, clock: clock, log: log}
}

// Subscribe activates userID. An existing subscriber keeps its original subscription time.
func (s *Service) Subscribe(ctx context.Context, userID, username string) (storage.Subscriber, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.Subscriber{}, ErrInvalidUser
	}
	now := s.clock.Now()

	sub, err := s.store.GetSubscriber(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		sub = storage.Subscriber{UserID: userID, SubscribedAt: now}
	case err != nil:
		return storage.Subscriber{}, fmt.Errorf("get subscriber: %w", err)
	case sub.Active && (username == "" || sub.Username == username):
		return sub, nil
	}

	if username != "" {
		sub.Username = username
	}
	sub.Active = true
	sub.UpdatedAt = now
	if err := s.store.PutSubscriber(ctx, sub); err != nil {
		return storage.Subscriber{}, fmt.Errorf("put subscriber: %w", err)
	}
	s.log.Info("subscribed", logx.String("user_id", userID), logx.String("username", sub.Username))
	return sub, nil
}

// Unsubscribe deactivates userID. It returns false if the user was not an active subscriber.
func (s *Service) Unsubscribe(ctx context.Context, userID string) (bool, error) {
	sub, err := s.store.GetSubscriber(ctx, strings.TrimSpace(userID))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get subscriber: %w", err)
	}
	if !sub.Active {
		return false, nil
	}
	sub.Active = false
	sub.UpdatedAt = s.clock.Now()
	if err := s.store.PutSubscriber(ctx, sub); err != nil {
		return false, fmt.Errorf("put subscriber: %w", err)
	}
	s.log.Info("unsubscribed", logx.String("user_id", sub.UserID))
	return true, nil
}

// List returns every known subscriber, active or not.
func (s *Service) List(ctx context.Context) ([]storage.Subscriber, error) {
	return s.store.ListSubscribers(ctx)
}

// Active returns active subscribers as delivery recipients.
func (s *Service) Active(ctx context.Context) ([]transport.Recipient, error) {
	subs, err := s.store.ListSubscribers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]transport.Recipient, 0, len(subs))
	for _, sub := range subs {
		if sub.Active {
			out = append(out, transport.Recipient{ID: sub.UserID, Username: sub.Username})
		}
	}
	return out, nil
}

// SendToActive delivers body to every active subscriber.
func (s *Service) SendToActive(ctx context.Context, body string) (broadcast.DeliveryTally, error) {
	if strings.TrimSpace(body) == "" {
		return broadcast.DeliveryTally{}, errors.New("message required")
	}
	recipients, err := s.Active(ctx)
	if err != nil {
		return broadcast.DeliveryTally{}, err
	}
	tally := s.sender.Deliver(ctx, recipients, body)
	s.log.Info("subscriber announcement sent",
		logx.Int("delivered", tally.Delivered),
		logx.Int("failed", tally.Failed),
	)
	return tally, nil
}
