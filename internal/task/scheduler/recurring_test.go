package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolecast/internal/broadcast"
)

type countingTrigger struct {
	runs atomic.Int32
	ref  atomic.Value
}

func (c *countingTrigger) BroadcastNow(_ context.Context, _ broadcast.RoleGroup, ref string) (broadcast.DeliveryTally, error) {
	c.ref.Store(ref)
	c.runs.Add(1)
	return broadcast.DeliveryTally{Delivered: 1}, nil
}

func TestValidateRecurring(t *testing.T) {
	t.Parallel()
	ok := broadcast.GroupKrein

	tests := []struct {
		name    string
		defs    []RecurringDef
		wantErr bool
	}{
		{name: "empty", defs: nil},
		{name: "cron and interval", defs: []RecurringDef{
			{Name: "weekly", Group: ok, MessageRef: "1", Schedule: "0 9 * * 1"},
			{Name: "daily", Group: broadcast.GroupAll, MessageRef: "2", Schedule: "24h"},
		}},
		{name: "missing name", defs: []RecurringDef{{Group: ok, MessageRef: "1", Schedule: "1h"}}, wantErr: true},
		{name: "duplicate", defs: []RecurringDef{
			{Name: "x", Group: ok, MessageRef: "1", Schedule: "1h"},
			{Name: "x", Group: ok, MessageRef: "2", Schedule: "2h"},
		}, wantErr: true},
		{name: "bad group", defs: []RecurringDef{{Name: "x", MessageRef: "1", Schedule: "1h"}}, wantErr: true},
		{name: "missing ref", defs: []RecurringDef{{Name: "x", Group: ok, Schedule: "1h"}}, wantErr: true},
		{name: "bad cron", defs: []RecurringDef{{Name: "x", Group: ok, MessageRef: "1", Schedule: "61 * * * *"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateRecurring(tt.defs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRecurringApplyInvalidKeepsPrevious(t *testing.T) {
	t.Parallel()

	r := NewRecurring(&countingTrigger{}, nopLog())
	require.NoError(t, r.Apply([]RecurringDef{
		{Name: "weekly", Group: broadcast.GroupGadyav, MessageRef: "7", Schedule: "0 9 * * 1"},
	}, time.UTC))

	err := r.Apply([]RecurringDef{{Name: "broken", Group: broadcast.GroupGadyav, MessageRef: "7", Schedule: "nope"}}, time.UTC)
	require.Error(t, err)

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "weekly", entries[0].Name)
	assert.True(t, entries[0].Next.IsZero(), "not started yet")
}

func TestRecurringRunsAndStops(t *testing.T) {
	t.Parallel()

	trig := &countingTrigger{}
	r := NewRecurring(trig, nopLog())
	require.NoError(t, r.Apply([]RecurringDef{
		{Name: "tick", Group: broadcast.GroupKrein, MessageRef: "99", Schedule: "every:1s"},
		{Name: "monday", Group: broadcast.GroupBozevin, MessageRef: "5", Schedule: "cron:0 9 * * 1"},
	}, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	entries := r.Entries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.False(t, e.Next.IsZero(), e.Name)
	}

	require.Eventually(t, func() bool { return trig.runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "99", trig.ref.Load())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	r.Stop(stopCtx)

	after := trig.runs.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, trig.runs.Load())
}
