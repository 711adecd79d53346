package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "seatwatch/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in       string
		wantKind SpecKind
		wantExpr string
		wantErr  bool
	}{
		{in: "@every 1m", wantKind: SpecCron, wantExpr: "@every 1m"},
		{in: "*/5 * * * *", wantKind: SpecCron, wantExpr: "*/5 * * * *"},
		{in: "cron:@hourly", wantKind: SpecCron, wantExpr: "@hourly"},
		{in: "55m", wantKind: SpecInterval, wantExpr: "@every 55m0s"},
		{in: "02:30", wantKind: SpecInterval, wantExpr: "@every 2h30m0s"},
		{in: "every: 90s", wantKind: SpecInterval, wantExpr: "@every 1m30s"},
		{in: "interval:00:05", wantKind: SpecInterval, wantExpr: "@every 5m0s"},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "01:75", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ps, err := ParseSchedule(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, ps.Kind)
			assert.Equal(t, tt.wantExpr, ps.Expr())
		})
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	s := New(Config{}, logx.Nop())
	err := s.Add("bad", "61 * * * *", 0, func(context.Context) error { return nil })
	assert.Error(t, err)
	assert.Empty(t, s.Entries())

	assert.Error(t, s.Add("", "1m", 0, func(context.Context) error { return nil }))
	assert.Error(t, s.Add("nil", "1m", 0, nil))
}

func TestAddReplacesByName(t *testing.T) {
	s := New(Config{Timezone: "Asia/Taipei"}, logx.Nop())
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Add("reminder", "1m", 0, noop))
	require.NoError(t, s.Add("reminder", "@every 2m", 0, noop))
	require.NoError(t, s.Add("checkpoint", "5m", 0, noop))

	s.Start(context.Background())
	defer s.Stop(context.Background())

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "checkpoint", entries[0].Name)
	assert.Equal(t, "reminder", entries[1].Name)
	assert.Equal(t, "@every 2m", entries[1].Spec)
	assert.False(t, entries[1].Next.IsZero())

	assert.True(t, s.Remove("checkpoint"))
	assert.False(t, s.Remove("checkpoint"))
	assert.Len(t, s.Entries(), 1)
}

func TestJobsRunAndRecordFailures(t *testing.T) {
	s := New(Config{}, logx.Nop())
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("store offline")
	}))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		e := s.Entries()
		return len(e) == 1 && e[0].Failures >= 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "store offline", s.Entries()[0].LastErr)
}
