package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/inferlink/internal/logger"
)

func newTestSupervisor(connect ConnectFunc, delay time.Duration) *Supervisor {
	return New(connect, Options{
		Logger:         logger.Discard(),
		Policy:         backoff.NewConstantBackOff(delay),
		ConnectTimeout: time.Second,
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "scheduled", StateScheduled.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "stopped", StateStopped.String())
}

func TestRepeatedLossSchedulesOneAttempt(t *testing.T) {
	var calls atomic.Int32
	s := newTestSupervisor(func(context.Context) error {
		calls.Add(1)
		return nil
	}, 30*time.Millisecond)
	defer s.Stop()

	for i := 0; i < 5; i++ {
		s.ConnectionLost(errors.New("closed"))
	}
	assert.Equal(t, StateScheduled, s.State())

	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, s.Attempts())
}

func TestFailedAttemptIsRescheduled(t *testing.T) {
	var calls atomic.Int32
	s := newTestSupervisor(func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("refused")
		}
		return nil
	}, 10*time.Millisecond)
	defer s.Stop()

	s.ConnectionLost(errors.New("closed"))

	require.Eventually(t, func() bool {
		return calls.Load() == 3 && s.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestLossDuringConnectingIsNoOp(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	s := newTestSupervisor(func(context.Context) error {
		calls.Add(1)
		<-release
		return errors.New("refused")
	}, 10*time.Millisecond)
	defer s.Stop()

	s.ConnectionLost(errors.New("closed"))
	require.Eventually(t, func() bool { return s.State() == StateConnecting }, time.Second, 2*time.Millisecond)

	s.ConnectionLost(errors.New("closed again"))
	assert.Equal(t, StateConnecting, s.State())
	assert.Equal(t, 1, s.Attempts())

	close(release)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestConnectedCancelsPendingAttempt(t *testing.T) {
	var calls atomic.Int32
	s := newTestSupervisor(func(context.Context) error {
		calls.Add(1)
		return nil
	}, 50*time.Millisecond)
	defer s.Stop()

	s.ConnectionLost(errors.New("closed"))
	s.Connected()
	assert.Equal(t, StateIdle, s.State())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestStopIsFinal(t *testing.T) {
	var calls atomic.Int32
	s := newTestSupervisor(func(context.Context) error {
		calls.Add(1)
		return nil
	}, 20*time.Millisecond)

	s.ConnectionLost(errors.New("closed"))
	s.Stop()
	s.Stop()
	assert.Equal(t, StateStopped, s.State())

	s.ConnectionLost(errors.New("closed"))
	s.Connected()
	assert.Equal(t, StateStopped, s.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestStopCancelsRunningAttempt(t *testing.T) {
	started := make(chan struct{})
	s := newTestSupervisor(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, time.Millisecond)

	s.ConnectionLost(errors.New("closed"))
	<-started
	s.Stop()
	assert.Equal(t, StateStopped, s.State())
}

func TestPolicyStopGivesUp(t *testing.T) {
	var calls atomic.Int32
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 2)
	s := New(func(context.Context) error {
		calls.Add(1)
		return errors.New("refused")
	}, Options{Logger: logger.Discard(), Policy: policy})
	defer s.Stop()

	s.ConnectionLost(errors.New("closed"))

	require.Eventually(t, func() bool {
		return calls.Load() == 2 && s.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOnAttemptReportsCount(t *testing.T) {
	var seen []int
	done := make(chan struct{})
	var calls atomic.Int32
	s := New(func(context.Context) error {
		if calls.Add(1) < 2 {
			return errors.New("refused")
		}
		close(done)
		return nil
	}, Options{
		Logger:    logger.Discard(),
		Policy:    backoff.NewConstantBackOff(5 * time.Millisecond),
		OnAttempt: func(n int) { seen = append(seen, n) },
	})
	defer s.Stop()

	s.ConnectionLost(errors.New("closed"))
	<-done
	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2}, seen)
}
