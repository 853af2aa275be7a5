package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolecast/internal/transport"
	"rolecast/internal/transport/transporttest"
	logx "rolecast/pkg/logx"
)

func recipients(idList ...string) []transport.Recipient {
	out := make([]transport.Recipient, 0, len(idList))
	for _, id := range idList {
		out = append(out, transport.Recipient{ID: id})
	}
	return out
}

func TestDeliverCountsFailuresAndContinues(t *testing.T) {
	t.Parallel()

	p := &transporttest.Platform{Failing: map[string]bool{"b": true, "d": true}}
	e := NewDeliveryEngine(p, nil, time.Microsecond, clockwork.NewRealClock(), logx.Nop())

	tally := e.Deliver(context.Background(), recipients("a", "b", "c", "d", "e"), "hi")

	assert.Equal(t, DeliveryTally{Delivered: 3, Failed: 2}, tally)
	assert.Equal(t, 5, tally.Total())
	assert.Equal(t, []string{"a", "c", "e"}, p.SentTo())
	assert.Equal(t, 5, p.SendCalls)
}

func TestDeliverEmptyAndDuplicates(t *testing.T) {
	t.Parallel()

	p := &transporttest.Platform{}
	e := NewDeliveryEngine(p, nil, time.Microsecond, clockwork.NewRealClock(), logx.Nop())

	assert.Equal(t, DeliveryTally{}, e.Deliver(context.Background(), nil, "x"))

	tally := e.Deliver(context.Background(), recipients("a", "b", "a"), "x")
	assert.Equal(t, DeliveryTally{Delivered: 2}, tally)
	assert.Equal(t, []string{"a", "b"}, p.SentTo())
}

func TestDeliverWaitsIntervalBetweenSends(t *testing.T) {
	t.Parallel()

	const interval = 100 * time.Millisecond
	fc := clockwork.NewFakeClock()
	p := &transporttest.Platform{}
	e := NewDeliveryEngine(p, nil, interval, fc, logx.Nop())
	start := fc.Now()

	done := make(chan DeliveryTally, 1)
	go func() { done <- e.Deliver(context.Background(), recipients("a", "b", "c", "d"), "x") }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, fc.BlockUntilContext(ctx, 1))
		assert.Len(t, p.SentTo(), i+1)
		fc.Advance(interval)
	}

	select {
	case tally := <-done:
		assert.Equal(t, DeliveryTally{Delivered: 4}, tally)
	case <-ctx.Done():
		t.Fatal("delivery did not finish")
	}
	assert.Equal(t, 3*interval, fc.Since(start))
}

func TestDeliverPausesAfterFailures(t *testing.T) {
	t.Parallel()

	const interval = 100 * time.Millisecond
	fc := clockwork.NewFakeClock()
	p := &transporttest.Platform{Failing: map[string]bool{"a": true, "b": true, "d": true}}
	e := NewDeliveryEngine(p, nil, interval, fc, logx.Nop())
	start := fc.Now()

	done := make(chan DeliveryTally, 1)
	go func() { done <- e.Deliver(context.Background(), recipients("a", "b", "c", "d", "e"), "x") }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 4; i++ {
		require.NoError(t, fc.BlockUntilContext(ctx, 1))
		_, _, sends := p.Calls()
		assert.Equal(t, i+1, sends, "next send waits for the pause")
		fc.Advance(interval)
	}

	select {
	case tally := <-done:
		assert.Equal(t, DeliveryTally{Delivered: 2, Failed: 3}, tally)
	case <-ctx.Done():
		t.Fatal("delivery did not finish")
	}
	assert.Equal(t, 4*interval, fc.Since(start))
	assert.Equal(t, []string{"c", "e"}, p.SentTo())
}

func TestDeliverCancelCountsRemainingAsFailed(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &transporttest.Platform{}
	p.OnSend = func(to transport.Recipient) {
		if to.ID == "b" {
			cancel()
		}
	}
	e := NewDeliveryEngine(p, nil, time.Second, fc, logx.Nop())

	done := make(chan DeliveryTally, 1)
	go func() { done <- e.Deliver(ctx, recipients("a", "b", "c", "c", "d"), "x") }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, fc.BlockUntilContext(waitCtx, 1))
	fc.Advance(time.Second)

	select {
	case tally := <-done:
		assert.Equal(t, DeliveryTally{Delivered: 2, Failed: 2}, tally)
	case <-waitCtx.Done():
		t.Fatal("delivery did not stop")
	}
	assert.Equal(t, []string{"a", "b"}, p.SentTo())
}

func TestBroadcastResolvesThenDelivers(t *testing.T) {
	t.Parallel()

	p := militia()
	d := NewRecipientDirectory(p, guild, nil, logx.Nop())
	e := NewDeliveryEngine(p, d, time.Microsecond, clockwork.NewRealClock(), logx.Nop())

	tally, err := e.Broadcast(context.Background(), GroupAll, "rally")
	require.NoError(t, err)
	assert.Equal(t, DeliveryTally{Delivered: 3}, tally)
	assert.Equal(t, []string{"u1", "u3", "u2"}, p.SentTo())

	p.Roles[guild] = nil
	_, err = e.Broadcast(context.Background(), GroupKrein, "rally")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestSetIntervalDefaults(t *testing.T) {
	t.Parallel()

	e := NewDeliveryEngine(&transporttest.Platform{}, nil, 0, nil, logx.Nop())
	assert.Equal(t, DefaultInterval, e.Interval())
	e.SetInterval(time.Second)
	assert.Equal(t, time.Second, e.Interval())
	e.SetInterval(-1)
	assert.Equal(t, DefaultInterval, e.Interval())
}
