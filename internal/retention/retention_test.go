package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePurger struct {
	cutoffs []time.Time
	err     error
}

func (f *fakePurger) PurgeReadNotifications(_ context.Context, readBefore time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, readBefore)
	return 3, f.err
}

func TestNewValidates(t *testing.T) {
	_, err := New("not a cron", time.Hour, &fakePurger{}, nil)
	assert.Error(t, err)
	_, err = New("0 3 * * *", 0, &fakePurger{}, nil)
	assert.Error(t, err)
}

func TestRunOnceUsesRetentionCutoff(t *testing.T) {
	p := &fakePurger{}
	job, err := New("0 3 * * *", 48*time.Hour, p, nil)
	require.NoError(t, err)
	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return fixed }

	n, err := job.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, fixed.Add(-48*time.Hour), p.cutoffs[0])
}

func TestRunOnceWrapsErrors(t *testing.T) {
	boom := errors.New("boom")
	job, err := New("0 3 * * *", time.Hour, &fakePurger{err: boom}, nil)
	require.NoError(t, err)
	_, err = job.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestNextTick(t *testing.T) {
	job, err := New("0 3 * * *", time.Hour, &fakePurger{}, nil)
	require.NoError(t, err)
	next, err := job.Next(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC), next)
}

func TestRunStopsOnCancel(t *testing.T) {
	job, err := New("0 3 * * *", time.Hour, &fakePurger{}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
