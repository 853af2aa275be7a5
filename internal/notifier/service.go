package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"rolecast/internal/broadcast"
	"rolecast/internal/eventbus"
	rtsup "rolecast/internal/runtime/supervisor"
	logx "rolecast/pkg/logx"
)

var ErrQueueFull = errors.New("notifier queue full")

// EventTypes are the bus events forwarded to the broker.
var EventTypes = []string{
	broadcast.EventDelivered,
	broadcast.EventFailed,
	broadcast.EventScheduled,
	broadcast.EventFired,
	broadcast.EventCancelled,
}

// Service is a queue plus a single publishing worker with rate limit and retry.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	pub     Publisher
	cfg     Config
	limiter *rate.Limiter

	queue    chan Message
	sup      *rtsup.Supervisor
	stopOnce sync.Once

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Stats counts messages since start.
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

func New(cfg Config, pub Publisher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	return &Service{
		log:     log,
		pub:     pub,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan Message, cfg.QueueSize),
	}
}

// Supervisor returns the internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Stats() Stats {
	return Stats{Published: s.published.Load(), Failed: s.failed.Load(), Dropped: s.dropped.Load()}
}

// Start subscribes to bus and publishes until Stop or ctx ends.
func (s *Service) Start(ctx context.Context, bus eventbus.Bus) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))))
	s.sup = sup
	s.mu.Unlock()

	ch, unsub := bus.Subscribe(256, EventTypes...)
	sup.Go0("bus.consume", func(c context.Context) {
		defer unsub()
		eventbus.Consume(c, ch, func(e eventbus.Event) {
			if err := s.Enqueue(e); err != nil {
				s.log.Debug("event not queued", logx.String("type", e.Type), logx.Err(err))
			}
		})
	})
	sup.Go0("publish.worker", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case m := <-s.queue:
				s.sendWithRetry(c, m)
			}
		}
	})
}

// Enqueue converts e to a Message and queues it without blocking.
func (s *Service) Enqueue(e eventbus.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	m := Message{ID: uuid.NewString(), Type: e.Type, Time: e.Time, Data: data}
	select {
	case s.queue <- m:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stop drains queued messages until ctx ends, then closes the publisher.
func (s *Service) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.drain(ctx)
		s.mu.Lock()
		sup := s.sup
		s.mu.Unlock()
		if sup != nil {
			_ = sup.Stop(ctx)
		}
		if s.pub != nil {
			_ = s.pub.Close()
		}
		st := s.Stats()
		s.log.Info("notifier stopped",
			logx.Uint64("published", st.Published),
			logx.Uint64("failed", st.Failed),
			logx.Uint64("dropped", st.Dropped),
		)
	})
}

func (s *Service) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if len(s.queue) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *Service) sendWithRetry(ctx context.Context, m Message) {
	body, err := json.Marshal(m)
	if err != nil {
		s.failed.Add(1)
		return
	}
	attempts := 1 + s.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		lastErr = s.pub.Publish(cctx, m.Type, m.ID, body)
		cancel()
		if lastErr == nil {
			s.published.Add(1)
			return
		}
		s.log.Debug("event publish failed", logx.String("type", m.Type), logx.Int("attempt", attempt), logx.Err(lastErr))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(s.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.failed.Add(1)
	s.log.Warn("event dropped after retries", logx.String("type", m.Type), logx.Err(lastErr))
}

// retryDelay doubles RetryBase per attempt up to RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			return cfg.RetryMaxDelay
		}
	}
	return d
}
