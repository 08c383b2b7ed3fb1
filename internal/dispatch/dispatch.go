// Package dispatch fans a batch of payloads out to recipients through one
// session.
//
// Send is synchronous and returns one Result per recipient in input order.
// Submit queues the same work for the worker pool and returns a job id.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"msgate/internal/address"
	"msgate/internal/eventbus"
	"msgate/internal/message"
	"msgate/internal/runtime/supervisor"
	"msgate/internal/session"
	"msgate/internal/storage"
	"msgate/pkg/logx"
)

// InvalidNumber is the failure text for recipients the provider does not know.
const InvalidNumber = "Invalid number"

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result is the outcome for one recipient. A failed recipient never fails the batch.
type Result struct {
	Recipient string `json:"recipient"`
	Address   string `json:"address,omitempty"`
	Status    Status `json:"status"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (r Result) OK() bool { return r.Status == StatusSuccess }

// Sessions is the part of the session registry the dispatcher needs.
type Sessions interface {
	WaitReady(ctx context.Context, id string, timeout time.Duration) (*session.Session, error)
}

// DeliveryLog receives every result. Failures are logged and ignored.
type DeliveryLog interface {
	AppendDelivery(ctx context.Context, d storage.Delivery) error
}

type Options struct {
	Sessions   Sessions
	Deliveries DeliveryLog
	Bus        eventbus.Bus
	Log        logx.Logger
	Config     Config
}

type Dispatcher struct {
	sessions   Sessions
	deliveries DeliveryLog
	bus        eventbus.Bus
	log        logx.Logger

	mu  sync.Mutex
	cfg Config

	jobs jobQueue
}

func New(opts Options) *Dispatcher {
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	d := &Dispatcher{
		sessions:   opts.Sessions,
		deliveries: opts.Deliveries,
		bus:        opts.Bus,
		log:        opts.Log.With(logx.String("comp", "dispatch")),
		cfg:        opts.Config.normalized(),
	}
	d.jobs.status = map[string]*JobStatus{}
	return d
}

// Apply swaps the config used by subsequent sends. Worker count and queue
// size take effect on the next Start.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.normalized()
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// CheckShape validates a batch: at least one recipient, and either one
// payload for everyone or one payload per recipient, each valid.
func CheckShape(recipients []string, payloads []message.Payload) error {
	if len(recipients) == 0 {
		return fmt.Errorf("%w: recipients must not be empty", ErrInvalidArgument)
	}
	if len(payloads) != 1 && len(payloads) != len(recipients) {
		return fmt.Errorf("%w: got %d payloads for %d recipients", ErrInvalidArgument, len(payloads), len(recipients))
	}
	for i, p := range payloads {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: payload %d: %w", ErrInvalidArgument, i, err)
		}
	}
	return nil
}

// Send waits for the session to be ready, then delivers each payload in
// recipient order while holding the session's send lock.
func (d *Dispatcher) Send(ctx context.Context, sessionID string, recipients []string, payloads []message.Payload) ([]Result, error) {
	return d.send(ctx, "", sessionID, recipients, payloads, nil)
}

func (d *Dispatcher) send(ctx context.Context, jobID, sessionID string, recipients []string, payloads []message.Payload, progress func(Result)) ([]Result, error) {
	if err := CheckShape(recipients, payloads); err != nil {
		return nil, err
	}
	if d.sessions == nil {
		return nil, fmt.Errorf("%w: no session registry", session.ErrNoSession)
	}
	cfg := d.config()

	s, err := d.sessions.WaitReady(ctx, sessionID, cfg.ReadyWait)
	if err != nil {
		return nil, err
	}
	unlock, err := s.AcquireSend(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for send lock: %w", session.ErrNotReady, err)
	}
	defer unlock()

	norm := address.Normalizer{Suffix: cfg.AddressSuffix}
	log := d.log.With(logx.Session(s.ID()))
	start := time.Now()

	results := make([]Result, 0, len(recipients))
	for i, raw := range recipients {
		p := payloads[0]
		if len(payloads) > 1 {
			p = payloads[i]
		}
		var res Result
		if err := ctx.Err(); err != nil {
			res = Result{Recipient: raw, Address: norm.Normalize(raw), Status: StatusFailed, Error: err.Error()}
		} else {
			res = d.deliver(ctx, s, cfg, norm, raw, p)
		}
		results = append(results, res)
		d.record(ctx, s.ID(), jobID, p.Kind, res)
		if progress != nil {
			progress(res)
		}
	}

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	fields := []logx.Field{logx.Int("total", len(results)), logx.Int("failed", failed), logx.Duration("took", time.Since(start))}
	if jobID != "" {
		fields = append(fields, logx.String("job", jobID))
	}
	if failed > 0 {
		log.Warn("batch finished with failures", fields...)
	} else {
		log.Info("batch finished", fields...)
	}
	return results, nil
}

func (d *Dispatcher) deliver(ctx context.Context, s *session.Session, cfg Config, norm address.Normalizer, raw string, p message.Payload) Result {
	addr := norm.Normalize(raw)
	res := Result{Recipient: raw, Address: addr, Status: StatusFailed}
	if address.Local(addr) == "" {
		res.Error = InvalidNumber
		return res
	}

	if cfg.CheckAddress {
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		ok, err := s.CheckAddress(cctx, addr)
		cancel()
		switch {
		case err != nil:
			res.Error = err.Error()
			return res
		case !ok:
			res.Error = InvalidNumber
			return res
		}
	}

	if err := s.Pace(ctx); err != nil {
		res.Error = err.Error()
		return res
	}
	id, err := d.sendWithRetry(ctx, s, cfg, addr, p)
	s.Cooldown(cfg.delay(p.Kind))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Status = StatusSuccess
	res.MessageID = id
	return res
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, s *session.Session, cfg Config, addr string, p message.Payload) (string, error) {
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		id, err := s.Send(cctx, addr, p)
		cancel()
		if err == nil {
			return id, nil
		}
		lastErr = err
		if attempt == attempts || errors.Is(err, session.ErrNotReady) || ctx.Err() != nil {
			break
		}

		delay := supervisor.Jitter(cfg.retryDelay(attempt), 0.3)
		d.log.Debug("send failed, retrying",
			logx.Session(s.ID()),
			logx.Recipient(addr),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return "", lastErr
}

func (d *Dispatcher) record(ctx context.Context, sessionID, jobID string, kind message.Kind, r Result) {
	d.bus.Publish(eventbus.Event{Type: eventbus.DispatchResult, Session: sessionID, Data: r})
	if d.deliveries == nil {
		return
	}
	err := d.deliveries.AppendDelivery(context.WithoutCancel(ctx), storage.Delivery{
		At:        time.Now().UTC(),
		SessionID: sessionID,
		JobID:     jobID,
		Kind:      string(kind),
		Recipient: r.Recipient,
		Address:   r.Address,
		Status:    string(r.Status),
		MessageID: r.MessageID,
		Error:     r.Error,
	})
	if err != nil {
		d.log.Warn("delivery log append failed", logx.Session(sessionID), logx.Err(err))
	}
}
