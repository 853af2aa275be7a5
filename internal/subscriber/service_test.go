package subscriber

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolecast/internal/broadcast"
	"rolecast/internal/storage"
	"rolecast/internal/transport/transporttest"
	logx "rolecast/pkg/logx"
)

func newService(t *testing.T) (*Service, *transporttest.Platform, *clockwork.FakeClock) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p := &transporttest.Platform{}
	engine := broadcast.NewDeliveryEngine(p, nil, time.Microsecond, clockwork.NewRealClock(), logx.Nop())
	fc := clockwork.NewFakeClockAt(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	return New(st, engine, fc, logx.Nop()), p, fc
}

func TestSubscribeLifecycle(t *testing.T) {
	t.Parallel()

	svc, _, fc := newService(t)
	ctx := context.Background()

	sub, err := svc.Subscribe(ctx, "10", "alice")
	require.NoError(t, err)
	assert.True(t, sub.Active)
	first := sub.SubscribedAt

	fc.Advance(time.Hour)
	again, err := svc.Subscribe(ctx, "10", "alice")
	require.NoError(t, err)
	assert.True(t, again.SubscribedAt.Equal(first))

	ok, err := svc.Unsubscribe(ctx, "10")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Unsubscribe(ctx, "10")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.Unsubscribe(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	back, err := svc.Subscribe(ctx, "10", "alice_renamed")
	require.NoError(t, err)
	assert.True(t, back.Active)
	assert.Equal(t, "alice_renamed", back.Username)
	assert.True(t, back.SubscribedAt.Equal(first))

	_, err = svc.Subscribe(ctx, " ", "x")
	assert.ErrorIs(t, err, ErrInvalidUser)
}

func TestSendToActiveSkipsInactive(t *testing.T) {
	t.Parallel()

	svc, p, fc := newService(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		_, err := svc.Subscribe(ctx, id, "user"+id)
		require.NoError(t, err)
		fc.Advance(time.Second)
	}
	_, err := svc.Unsubscribe(ctx, "2")
	require.NoError(t, err)
	p.Failing = map[string]bool{"3": true}

	list, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	tally, err := svc.SendToActive(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, broadcast.DeliveryTally{Delivered: 1, Failed: 1}, tally)
	assert.Equal(t, []string{"1"}, p.SentTo())

	_, err = svc.SendToActive(ctx, "  ")
	assert.Error(t, err)
}
