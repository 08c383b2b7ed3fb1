package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"msgate/internal/message"
)

// Session is one provider connection addressed by a caller-chosen id.
//
// The provider handle is owned exclusively by the session and released by the
// registry. Sends go through the session only while it is ready.
type Session struct {
	id        string
	createdAt time.Time

	mu          sync.Mutex
	state       State
	provider    Provider
	lastReadyAt time.Time
	lastErr     error
	challenge   string
	changed     chan struct{} // closed and replaced on every state change
	grace       *time.Timer
	cancelInit  context.CancelFunc

	sendSem chan struct{}

	pacerMu sync.Mutex
	pacer   *rate.Limiter
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		id:        id,
		createdAt: now,
		state:     StateUninitialized,
		changed:   make(chan struct{}),
		sendSem:   make(chan struct{}, 1),
		pacer:     rate.NewLimiter(rate.Inf, 1),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LinkChallenge returns the latest challenge emitted while linking.
func (s *Session) LinkChallenge() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenge
}

func (s *Session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:            s.id,
		State:         string(s.state),
		LinkChallenge: s.challenge,
	}
	created := s.createdAt
	st.CreatedAt = &created
	if !s.lastReadyAt.IsZero() {
		ready := s.lastReadyAt
		st.LastReadyAt = &ready
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// apply runs the transition and reports the states around it.
func (s *Session) apply(e Event, now time.Time) (from, to State) {
	return s.applyErr(e, now, nil)
}

// applyErr is apply with the error recorded when the session enters the
// error state.
func (s *Session) applyErr(e Event, now time.Time, cause error) (from, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from = s.state
	to = Transition(from, e.Kind)

	if e.Kind == EventLinkChallenge && !from.Terminal() {
		s.challenge = e.Data
	}
	if from == to {
		return from, to
	}
	s.state = to
	switch {
	case to == StateReady:
		s.lastReadyAt = now
		s.challenge = ""
		s.stopGraceLocked()
	case to == StateError:
		s.lastErr = cause
		if cause == nil {
			s.lastErr = eventError(e)
		}
		s.stopGraceLocked()
	case to.Terminal():
		s.stopGraceLocked()
	}
	close(s.changed)
	s.changed = make(chan struct{})
	return from, to
}

func eventError(e Event) error {
	if e.Data == "" {
		return fmt.Errorf("%s", e.Kind)
	}
	return fmt.Errorf("%s: %s", e.Kind, e.Data)
}

// attach hands p to the session unless it already reached a terminal state.
func (s *Session) attach(p Provider, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.provider = p
	s.cancelInit = cancel
	return true
}

// detach takes the provider out of the session and stops pending init work.
func (s *Session) detach() Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.provider
	s.provider = nil
	if s.cancelInit != nil {
		s.cancelInit()
		s.cancelInit = nil
	}
	s.stopGraceLocked()
	return p
}

func (s *Session) startGrace(d time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopGraceLocked()
	if d <= 0 || s.state != StateAuthenticated {
		return
	}
	s.grace = time.AfterFunc(d, fire)
}

func (s *Session) stopGraceLocked() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
}

// WaitReady blocks until the session is ready, reaches a terminal state, or
// the timeout (when > 0) or ctx expires.
func (s *Session) WaitReady(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		s.mu.Lock()
		st, lastErr, ch := s.state, s.lastErr, s.changed
		s.mu.Unlock()

		switch {
		case st == StateReady:
			return nil
		case st.Terminal() && lastErr != nil:
			return fmt.Errorf("%w: session %q is %s: %w", ErrNotReady, s.id, st, lastErr)
		case st.Terminal():
			return fmt.Errorf("%w: session %q is %s", ErrNotReady, s.id, st)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: session %q still %s: %w", ErrNotReady, s.id, st, ctx.Err())
		}
	}
}

// settle waits for ready or a terminal state.
func (s *Session) settle(ctx context.Context) (State, error) {
	for {
		s.mu.Lock()
		st, ch := s.state, s.changed
		s.mu.Unlock()
		if st == StateReady || st.Terminal() {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// AcquireSend serializes batches on this session. The returned func releases
// the lock and is safe to call more than once.
func (s *Session) AcquireSend(ctx context.Context) (func(), error) {
	select {
	case s.sendSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-s.sendSem }) }, nil
}

// Pace blocks until the cooldown set by the previous send has elapsed.
func (s *Session) Pace(ctx context.Context) error {
	s.pacerMu.Lock()
	l := s.pacer
	s.pacerMu.Unlock()
	return l.Wait(ctx)
}

// Cooldown holds the next send back for d, measured from now.
func (s *Session) Cooldown(d time.Duration) {
	l := rate.NewLimiter(rate.Inf, 1)
	if d > 0 {
		now := time.Now()
		l = rate.NewLimiter(rate.Every(d), 1)
		l.AllowN(now, 1)
	}
	s.pacerMu.Lock()
	s.pacer = l
	s.pacerMu.Unlock()
}

func (s *Session) readyProvider() (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.provider == nil {
		return nil, fmt.Errorf("%w: session %q is %s", ErrNotReady, s.id, s.state)
	}
	return s.provider, nil
}

// Send delivers p to a canonical address. Provider panics become errors.
func (s *Session) Send(ctx context.Context, address string, p message.Payload) (id string, err error) {
	prov, err := s.readyProvider()
	if err != nil {
		return "", err
	}
	defer recoverInto(&err, "send")
	return prov.Send(ctx, address, p)
}

// CheckAddress asks the provider whether address can receive messages.
func (s *Session) CheckAddress(ctx context.Context, address string) (ok bool, err error) {
	prov, err := s.readyProvider()
	if err != nil {
		return false, err
	}
	defer recoverInto(&err, "check address")
	return prov.CheckAddress(ctx, address)
}

func recoverInto(err *error, op string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("provider panic during %s: %v", op, r)
	}
}
