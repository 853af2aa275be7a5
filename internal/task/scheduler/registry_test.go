package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolecast/internal/broadcast"
	"rolecast/internal/eventbus"
	"rolecast/internal/transport"
	"rolecast/internal/transport/transporttest"
)

type call struct {
	group broadcast.RoleGroup
	body  string
}

type fakeDeliverer struct {
	mu    sync.Mutex
	calls []call
	fired chan call
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{fired: make(chan call, 8)}
}

func (f *fakeDeliverer) Broadcast(_ context.Context, g broadcast.RoleGroup, body string) (broadcast.DeliveryTally, error) {
	c := call{group: g, body: body}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	f.fired <- c
	return broadcast.DeliveryTally{Delivered: 1}, nil
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitCall(t *testing.T, f *fakeDeliverer) call {
	t.Helper()
	select {
	case c := <-f.fired:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("deliverer not invoked")
		return call{}
	}
}

func TestScheduledBroadcastFiresOnce(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	del := newFakeDeliverer()
	reg := NewRegistry(del, fc, nil, nopLog())

	job, err := reg.Schedule(broadcast.GroupKrein, "m1", "hello militia", fc.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	fc.Advance(time.Second)
	got := waitCall(t, del)

	assert.Equal(t, call{group: broadcast.GroupKrein, body: "hello militia"}, got)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, slices.Collect(reg.ListPending()))
	for _, j := range slices.Collect(reg.ListPending()) {
		assert.NotEqual(t, job.ID, j.ID)
	}

	fc.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, del.count())
}

func TestScheduleRejectsPastOrZeroTime(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	reg := NewRegistry(newFakeDeliverer(), fc, nil, nopLog())
	before := slices.Collect(reg.ListPending())

	cases := []time.Time{
		{},
		fc.Now(),
		fc.Now().Add(-time.Minute),
	}
	for _, at := range cases {
		_, err := reg.Schedule(broadcast.GroupAll, "m1", "body", at)
		require.ErrorIs(t, err, broadcast.ErrInvalidSchedule)
	}
	assert.Equal(t, before, slices.Collect(reg.ListPending()))
	assert.Equal(t, 0, reg.Len())
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	del := newFakeDeliverer()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, broadcast.EventCancelled)
	defer unsub()
	reg := NewRegistry(del, fc, bus, nopLog())

	job, err := reg.Schedule(broadcast.GroupGadyav, "m2", "body", fc.Now().Add(time.Minute))
	require.NoError(t, err)

	assert.True(t, reg.Cancel(job.ID))
	assert.Empty(t, slices.Collect(reg.ListPending()))
	assert.False(t, reg.Cancel(job.ID))
	assert.False(t, reg.Cancel("unknown"))

	fc.Advance(2 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, del.count())
	assert.Len(t, events, 1)
}

func TestListPendingSnapshotsAreStable(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	reg := NewRegistry(newFakeDeliverer(), fc, nil, nopLog())
	_, err := reg.Schedule(broadcast.GroupBozevin, "b", "two", fc.Now().Add(2*time.Minute))
	require.NoError(t, err)
	_, err = reg.Schedule(broadcast.GroupKrein, "a", "one", fc.Now().Add(time.Minute))
	require.NoError(t, err)

	first := slices.Collect(reg.ListPending())
	second := slices.Collect(reg.ListPending())
	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, "a", first[0].MessageRef)
}

func TestScheduleIDsAreUnique(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	reg := NewRegistry(newFakeDeliverer(), fc, nil, nopLog())
	at := fc.Now().Add(time.Minute)

	a, err := reg.Schedule(broadcast.GroupKrein, "42", "x", at)
	require.NoError(t, err)
	b, err := reg.Schedule(broadcast.GroupKrein, "42", "x", at)
	require.NoError(t, err)

	assert.Equal(t, fmt.Sprintf("krein-42-%d", fc.Now().UnixNano()), a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, reg.Cancel(a.ID))

	c, err := reg.Schedule(broadcast.GroupKrein, "42", "x", at)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, 2, reg.Len())
}

func TestStopDropsPendingJobs(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	del := newFakeDeliverer()
	reg := NewRegistry(del, fc, nil, nopLog())
	reg.Start(context.Background())

	_, err := reg.Schedule(broadcast.GroupAll, "m", "x", fc.Now().Add(time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reg.Stop(ctx)
	assert.Equal(t, 0, reg.Len())

	fc.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, del.count())

	_, err = reg.Schedule(broadcast.GroupAll, "m", "x", fc.Now().Add(time.Second))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRecipientsResolvedAtFireTime(t *testing.T) {
	t.Parallel()

	const guild = "g1"
	p := &transporttest.Platform{
		Roles: map[string][]transport.Role{guild: {{ID: "r-krein", Name: "Ополченец Крейна"}}},
		Members: map[string][]transport.Member{guild: {
			{Recipient: transport.Recipient{ID: "u1"}, RoleIDs: []string{"r-krein"}},
		}},
	}
	dir := broadcast.NewRecipientDirectory(p, guild, nil, nopLog())
	engine := broadcast.NewDeliveryEngine(p, dir, time.Millisecond, clockwork.NewRealClock(), nopLog())

	fc := clockwork.NewFakeClock()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, broadcast.EventDelivered)
	defer unsub()
	reg := NewRegistry(engine, fc, bus, nopLog())

	_, err := reg.Schedule(broadcast.GroupKrein, "m", "muster at dawn", fc.Now().Add(time.Minute))
	require.NoError(t, err)

	// membership changes between scheduling and firing
	p.Members[guild] = append(p.Members[guild], transport.Member{
		Recipient: transport.Recipient{ID: "u2"}, RoleIDs: []string{"r-krein"},
	})
	fc.Advance(time.Minute)

	select {
	case e := <-events:
		out := e.Data.(broadcast.Outcome)
		assert.Equal(t, broadcast.DeliveryTally{Delivered: 2}, out.Tally)
		assert.NotEmpty(t, out.ScheduleID)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery outcome")
	}
	assert.Equal(t, []string{"u1", "u2"}, p.SentTo())
}
