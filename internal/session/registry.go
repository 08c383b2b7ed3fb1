package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"msgate/internal/eventbus"
	"msgate/internal/runtime/supervisor"
	"msgate/pkg/logx"
)

const (
	DefaultID          = "default"
	DefaultInitTimeout = 120 * time.Second
	DefaultReadyGrace  = 2 * time.Second

	destroyTimeout = 10 * time.Second
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidID reports whether id is usable as a session id.
func ValidID(id string) bool { return validID.MatchString(id) }

type Options struct {
	Factory ProviderFactory
	Store   CredentialStore // nil keeps nothing
	Bus     eventbus.Bus
	Log     logx.Logger

	DefaultID   string
	InitTimeout time.Duration
	ReadyGrace  time.Duration // 0 disables the fallback
}

// Registry owns every live session of the process.
type Registry struct {
	factory   ProviderFactory
	store     CredentialStore
	bus       eventbus.Bus
	log       logx.Logger
	sup       *supervisor.Supervisor
	defaultID string

	initTimeout atomic.Int64
	readyGrace  atomic.Int64

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewRegistry(ctx context.Context, opts Options) *Registry {
	if opts.Store == nil {
		opts.Store = NopStore{}
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if strings.TrimSpace(opts.DefaultID) == "" {
		opts.DefaultID = DefaultID
	}
	log := opts.Log.With(logx.String("comp", "session"))
	r := &Registry{
		factory:   opts.Factory,
		store:     opts.Store,
		bus:       opts.Bus,
		log:       log,
		sup:       supervisor.New(ctx, supervisor.WithLogger(log)),
		defaultID: opts.DefaultID,
		sessions:  map[string]*Session{},
	}
	r.SetTimeouts(opts.InitTimeout, opts.ReadyGrace)
	return r
}

// SetTimeouts applies new init timeout and ready grace values to sessions
// created afterwards. initTimeout <= 0 selects the default.
func (r *Registry) SetTimeouts(initTimeout, readyGrace time.Duration) {
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}
	if readyGrace < 0 {
		readyGrace = 0
	}
	r.initTimeout.Store(int64(initTimeout))
	r.readyGrace.Store(int64(readyGrace))
}

func (r *Registry) Supervisor() *supervisor.Supervisor { return r.sup }

func (r *Registry) resolve(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = r.defaultID
	}
	if !ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return id, nil
}

// Get returns the live session for id without creating one.
func (r *Registry) Get(id string) (*Session, error) {
	id, err := r.resolve(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSession, id)
	}
	return s, nil
}

// GetOrCreate returns the live session for id or starts a new one.
// Concurrent callers for one id share a single session and a single
// provider initialization.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	id, err := r.resolve(id)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: registry closed", ErrNoSession)
	}
	if s, ok := r.sessions[id]; ok && !s.State().Terminal() {
		r.mu.Unlock()
		return s, nil
	}
	s := newSession(id, time.Now())
	r.sessions[id] = s
	r.mu.Unlock()

	s.apply(Event{Kind: EventInitStarted}, time.Now())
	r.publish(eventbus.SessionCreated, s, nil)
	r.log.Info("session created", logx.Session(id))

	r.sup.Go("session.init."+id, func(ctx context.Context) error {
		r.initialize(ctx, s)
		return nil
	})
	return s, nil
}

func (r *Registry) initialize(parent context.Context, s *Session) {
	timeout := time.Duration(r.initTimeout.Load())
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	if r.factory == nil {
		r.fail(s, fmt.Errorf("%w: no provider configured", ErrInitFailed))
		return
	}
	p, err := r.factory(s.id, r.store)
	if err != nil {
		r.fail(s, fmt.Errorf("%w: %w", ErrInitFailed, err))
		return
	}
	if !s.attach(p, cancel) {
		r.destroy(context.Background(), s.id, p)
		return
	}

	started := time.Now()
	if err := callInitialize(ctx, p, func(e Event) { r.handle(s, e) }); err != nil {
		if parent.Err() != nil {
			return
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			err = fmt.Errorf("timed out after %s", timeout)
		}
		r.fail(s, fmt.Errorf("%w: %w", ErrInitFailed, err))
		return
	}

	st, err := s.settle(ctx)
	switch {
	case err == nil && st == StateReady:
		r.log.Info("session initialized", logx.Session(s.id), logx.Duration("took", time.Since(started)))
	case err == nil:
		// terminal state handled by its event
	case parent.Err() != nil:
	default:
		r.fail(s, fmt.Errorf("%w: not ready after %s", ErrInitFailed, timeout))
	}
}

func callInitialize(ctx context.Context, p Provider, emit func(Event)) (err error) {
	defer recoverInto(&err, "initialize")
	return p.Initialize(ctx, emit)
}

// fail moves s to error and releases its provider in the background.
func (r *Registry) fail(s *Session, err error) {
	from, to := s.applyErr(Event{Kind: EventInitFailed, Data: err.Error()}, time.Now(), err)
	if from == to {
		return
	}
	r.log.Warn("session failed", logx.Session(s.id), logx.Err(err))
	r.publish(eventbus.SessionFailed, s, err.Error())
	r.releaseAsync(s)
}

// handle applies a provider event.
func (r *Registry) handle(s *Session, e Event) {
	from, to := s.apply(e, time.Now())

	if e.Kind == EventLinkChallenge && !from.Terminal() {
		r.log.Info("session link challenge", logx.Session(s.id), logx.String("challenge", e.Data))
		r.publish(eventbus.SessionLinking, s, e.Data)
	}
	if from == to {
		return
	}
	switch to {
	case StateAuthenticated:
		r.log.Info("session authenticated", logx.Session(s.id))
		r.publish(eventbus.SessionAuthenticated, s, nil)
		grace := time.Duration(r.readyGrace.Load())
		s.startGrace(grace, func() {
			if s.State() == StateAuthenticated {
				r.log.Debug("no ready signal, assuming ready", logx.Session(s.id), logx.Duration("grace", grace))
				r.handle(s, Ready())
			}
		})
	case StateReady:
		r.log.Info("session ready", logx.Session(s.id))
		r.publish(eventbus.SessionReady, s, nil)
	case StateDisconnected:
		r.log.Warn("session disconnected", logx.Session(s.id), logx.String("reason", e.Data))
		r.publish(eventbus.SessionDisconnected, s, e.Data)
		r.forget(s)
		r.releaseAsync(s)
	case StateError:
		r.log.Warn("session failed", logx.Session(s.id), logx.String("reason", e.Data))
		r.publish(eventbus.SessionFailed, s, e.Data)
		r.releaseAsync(s)
	}
}

// forget removes s from the map if it is still the entry for its id.
func (r *Registry) forget(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

func (r *Registry) releaseAsync(s *Session) {
	p := s.detach()
	if p == nil {
		return
	}
	r.sup.Go0("session.release."+s.id, func(context.Context) { r.destroy(context.Background(), s.id, p) })
}

func (r *Registry) release(ctx context.Context, s *Session) {
	if p := s.detach(); p != nil {
		r.destroy(ctx, s.id, p)
	}
}

// destroy runs Destroy bounded by destroyTimeout. Panics are logged, not raised.
func (r *Registry) destroy(ctx context.Context, id string, p Provider) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
	defer cancel()
	err := func() (err error) {
		defer recoverInto(&err, "destroy")
		return p.Destroy(ctx)
	}()
	if err != nil {
		r.log.Warn("provider destroy failed", logx.Session(id), logx.Err(err))
	}
}

func (r *Registry) publish(typ string, s *Session, data any) {
	r.bus.Publish(eventbus.Event{Type: typ, Session: s.id, Data: data})
}

// WaitReady gets or creates the session and waits until it can send.
// A session that could not be created reports ErrNoSession as well as
// ErrNotReady and ErrInitFailed.
func (r *Registry) WaitReady(ctx context.Context, id string, timeout time.Duration) (*Session, error) {
	s, err := r.GetOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.WaitReady(ctx, timeout); err != nil {
		if errors.Is(err, ErrInitFailed) {
			err = fmt.Errorf("%w: %w", ErrNoSession, err)
		}
		return s, err
	}
	return s, nil
}

// Disconnect destroys the live session for id. Unknown ids succeed.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	id, err := r.resolve(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	from, to := s.apply(Disconnected("requested"), time.Now())
	r.release(ctx, s)
	if from != to {
		r.publish(eventbus.SessionDisconnected, s, "requested")
	}
	r.log.Info("session disconnected", logx.Session(id))
	return nil
}

// Clear disconnects id and deletes its stored credentials.
func (r *Registry) Clear(ctx context.Context, id string) error {
	id, err := r.resolve(id)
	if err != nil {
		return err
	}
	if err := r.Disconnect(ctx, id); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: delete %q: %w", ErrStorage, id, err)
	}
	r.log.Info("session cleared", logx.Session(id))
	return nil
}

// Status reports one id without blocking on initialization.
func (r *Registry) Status(ctx context.Context, id string) (Status, error) {
	id, err := r.resolve(id)
	if err != nil {
		return Status{}, err
	}
	stored, err := r.store.Exists(ctx, id)
	if err != nil {
		return Status{ID: id, State: StatusNone}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()

	st := Status{ID: id, State: StatusNone}
	switch {
	case ok:
		st = s.status()
	case stored:
		st.State = StatusStored
	}
	st.StoredOnDisk = stored
	return st, nil
}

// List merges live and stored ids, sorted by id.
func (r *Registry) List(ctx context.Context) ([]Status, error) {
	stored, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	onDisk := make(map[string]bool, len(stored))
	for _, id := range stored {
		onDisk[id] = true
	}

	r.mu.Lock()
	live := make(map[string]*Session, len(r.sessions))
	for id, s := range r.sessions {
		live[id] = s
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(live)+len(onDisk))
	for id := range live {
		ids = append(ids, id)
	}
	for id := range onDisk {
		if _, ok := live[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		st := Status{ID: id, State: StatusStored}
		if s, ok := live[id]; ok {
			st = s.status()
		}
		st.StoredOnDisk = onDisk[id]
		out = append(out, st)
	}
	return out, nil
}

// Restore starts a session for every stored id that is not live yet and
// returns the ids started.
func (r *Registry) Restore(ctx context.Context) ([]string, error) {
	stored, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	sort.Strings(stored)

	var started []string
	for _, id := range stored {
		if !ValidID(id) {
			r.log.Warn("skipping stored session with invalid id", logx.String("id", id))
			continue
		}
		r.mu.Lock()
		s, ok := r.sessions[id]
		live := ok && !s.State().Terminal()
		r.mu.Unlock()
		if live {
			continue
		}
		if _, err := r.GetOrCreate(ctx, id); err != nil {
			return started, err
		}
		started = append(started, id)
	}
	if len(started) > 0 {
		r.log.Info("sessions restored", logx.Strings("ids", started))
	}
	return started, nil
}

// PruneFailed drops errored sessions created more than age ago.
func (r *Registry) PruneFailed(age time.Duration) []string {
	now := time.Now()
	r.mu.Lock()
	var pruned []string
	for id, s := range r.sessions {
		st := s.status()
		if st.State != string(StateError) || (st.CreatedAt != nil && now.Sub(*st.CreatedAt) < age) {
			continue
		}
		delete(r.sessions, id)
		pruned = append(pruned, id)
	}
	r.mu.Unlock()
	sort.Strings(pruned)
	return pruned
}

// Close disconnects every session and stops background work.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = map[string]*Session{}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.apply(Disconnected("shutdown"), time.Now())
			r.release(ctx, s)
		}(s)
	}
	wg.Wait()
	return r.sup.Stop(ctx)
}
