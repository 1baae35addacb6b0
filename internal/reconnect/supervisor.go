// Package reconnect schedules reconnection attempts after a connection loss.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codefionn/inferlink/internal/consts"
	"github.com/codefionn/inferlink/internal/logger"
)

// State of the supervisor.
type State int

const (
	// StateIdle means no attempt is pending.
	StateIdle State = iota
	// StateScheduled means a timer is armed for the next attempt.
	StateScheduled
	// StateConnecting means an attempt is running.
	StateConnecting
	// StateStopped is final.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateConnecting:
		return "connecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ConnectFunc performs one connection attempt.
type ConnectFunc func(ctx context.Context) error

// Options configure a Supervisor.
type Options struct {
	Logger *logger.Logger
	// Policy yields the delay before each attempt. Nil selects a constant
	// delay of consts.ReconnectDelay.
	Policy         backoff.BackOff
	ConnectTimeout time.Duration
	// OnAttempt is called before every attempt.
	OnAttempt func(attempt int)
}

// Supervisor keeps at most one reconnection attempt pending at any time.
type Supervisor struct {
	connect        ConnectFunc
	policy         backoff.BackOff
	connectTimeout time.Duration
	onAttempt      func(int)
	log            *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	timer    *time.Timer
	gen      uint64
	attempts int
	// lost records a closure reported while an attempt was running.
	lost bool
}

// New creates an idle supervisor that reconnects with connect.
func New(connect ConnectFunc, opts Options) *Supervisor {
	if opts.Policy == nil {
		opts.Policy = backoff.NewConstantBackOff(consts.ReconnectDelay)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = consts.ConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		connect:        connect,
		policy:         opts.Policy,
		connectTimeout: opts.ConnectTimeout,
		onAttempt:      opts.OnAttempt,
		log:            logger.OrGlobal(opts.Logger).WithPrefix("reconnect"),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// ConnectionLost schedules an attempt unless one is already pending.
func (s *Supervisor) ConnectionLost(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		s.log.Info("Connection lost: %v", err)
		s.scheduleLocked()
	case StateConnecting:
		s.lost = true
	}
}

// Connected reports a connection established outside the supervisor. Any
// pending attempt is cancelled and the policy is reset.
func (s *Supervisor) Connected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return
	}
	s.stopTimerLocked()
	s.state = StateIdle
	s.attempts = 0
	s.lost = false
	s.policy.Reset()
}

// Stop cancels any pending or running attempt. The supervisor can not be
// restarted.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return
	}
	s.stopTimerLocked()
	s.state = StateStopped
	s.cancel()
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the number of attempts since the last success.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Supervisor) scheduleLocked() {
	delay := s.policy.NextBackOff()
	if delay == backoff.Stop {
		s.log.Warn("Giving up reconnecting after %d attempts", s.attempts)
		s.state = StateIdle
		return
	}

	s.gen++
	gen := s.gen
	s.state = StateScheduled
	s.timer = time.AfterFunc(delay, func() { s.attempt(gen) })
	s.log.Debug("Reconnecting in %s", delay)
}

func (s *Supervisor) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Supervisor) attempt(gen uint64) {
	s.mu.Lock()
	if s.state != StateScheduled || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.timer = nil
	s.lost = false
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if s.onAttempt != nil {
		s.onAttempt(attempt)
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.connectTimeout)
	err := s.connect(ctx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnecting || s.gen != gen {
		return
	}
	if err != nil {
		s.log.Warn("Reconnect attempt %d failed: %v", attempt, err)
		s.state = StateIdle
		s.scheduleLocked()
		return
	}

	s.log.Info("Reconnected after %d attempt(s)", attempt)
	s.state = StateIdle
	s.attempts = 0
	s.policy.Reset()
	if s.lost {
		s.lost = false
		s.scheduleLocked()
	}
}
