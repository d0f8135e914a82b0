package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/incapacidades/config"
	"github.com/warp/incapacidades/lifecycle"
)

type fakeRunner struct {
	calls   atomic.Int32
	after   time.Duration
	release chan struct{}
	err     error
}

func (f *fakeRunner) SendReminders(_ context.Context, olderThan time.Duration) (*lifecycle.ReminderReport, error) {
	f.calls.Add(1)
	f.after = olderThan
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &lifecycle.ReminderReport{Sent: []string{"1085043374 01 01 2026 10 01 2026"}}, nil
}

func TestNewReminderScheduler_InvalidSchedule(t *testing.T) {
	_, err := NewReminderScheduler(&fakeRunner{}, config.RemindersConfig{Schedule: "cada lunes"}, quietLogger())
	assert.Error(t, err)
}

func TestReminderScheduler_RunOnce(t *testing.T) {
	// GIVEN: A scheduler with a 48h age
	// WHEN: A run is triggered manually
	// THEN: The runner gets the age and the report is kept as last run

	runner := &fakeRunner{}
	s, err := NewReminderScheduler(runner, config.RemindersConfig{Schedule: "0 9 * * 1-5", After: 48 * time.Hour}, quietLogger())
	require.NoError(t, err)

	report := s.RunOnce(context.Background())
	require.NotNil(t, report)
	assert.Len(t, report.Sent, 1)
	assert.Equal(t, 48*time.Hour, runner.after)

	at, last := s.LastRun()
	assert.False(t, at.IsZero())
	assert.Same(t, report, last)
}

func TestReminderScheduler_SkipsOverlappingRuns(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s, err := NewReminderScheduler(runner, config.RemindersConfig{Schedule: "@every 1h"}, quietLogger())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.RunOnce(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.Nil(t, s.RunOnce(context.Background()), "second run skipped while the first holds the lock")
	close(runner.release)
	<-done
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestReminderScheduler_RunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("db down")}
	s, err := NewReminderScheduler(runner, config.RemindersConfig{Schedule: "@daily"}, quietLogger())
	require.NoError(t, err)
	assert.Nil(t, s.RunOnce(context.Background()))
	at, _ := s.LastRun()
	assert.True(t, at.IsZero())
}

func TestReminderScheduler_StartStop(t *testing.T) {
	s, err := NewReminderScheduler(&fakeRunner{}, config.RemindersConfig{Enabled: true, Schedule: "@every 1h"}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()

	disabled, err := NewReminderScheduler(&fakeRunner{}, config.RemindersConfig{Schedule: "@daily"}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, disabled.Start())
	disabled.Stop()
}
