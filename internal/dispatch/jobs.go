package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"msgate/internal/eventbus"
	"msgate/internal/message"
	"msgate/internal/runtime/supervisor"
	"msgate/pkg/logx"
)

// JobStatus tracks one queued batch.
type JobStatus struct {
	ID        string    `json:"jobId"`
	SessionID string    `json:"sessionId"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	Failed    int       `json:"failed"`
	Results   []Result  `json:"results,omitempty"`
	Err       string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	DoneAt    time.Time `json:"doneAt,omitzero"`
	Running   bool      `json:"running"`
}

// Finished reports whether the job has a final outcome.
func (s JobStatus) Finished() bool { return !s.DoneAt.IsZero() }

type job struct {
	id         string
	sessionID  string
	recipients []string
	payloads   []message.Payload
}

type jobQueue struct {
	mu       sync.Mutex
	queue    chan job
	sup      *supervisor.Supervisor
	stopDone chan struct{} // non-nil while stopping

	statusMu sync.RWMutex
	status   map[string]*JobStatus
}

// Start launches the worker pool. It is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	q := &d.jobs
	q.mu.Lock()
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		q.mu.Lock()
	}
	defer q.mu.Unlock()
	if q.queue != nil {
		return
	}

	cfg := d.config()
	q.queue = make(chan job, cfg.QueueSize)
	q.sup = supervisor.New(ctx, supervisor.WithLogger(d.log))
	ch := q.queue
	for i := 0; i < cfg.Workers; i++ {
		q.sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", i), func(ctx context.Context) error {
			d.workerLoop(ctx, ch)
			return nil
		})
	}
	d.log.Info("job workers started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop closes intake and lets workers drain the queue until ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) {
	q := &d.jobs
	q.mu.Lock()
	if q.queue == nil {
		q.mu.Unlock()
		return
	}
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	q.stopDone = done
	ch, sup := q.queue, q.sup
	q.queue = nil
	q.mu.Unlock()

	start := time.Now()
	close(ch)
	go func() {
		defer close(done)
		_ = sup.Wait(context.Background())
		q.mu.Lock()
		q.sup = nil
		q.stopDone = nil
		q.mu.Unlock()
		d.log.Info("job workers stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Submit validates the batch and queues it. The returned id reads the
// progress through Job.
func (d *Dispatcher) Submit(sessionID string, recipients []string, payloads []message.Payload) (string, error) {
	if err := CheckShape(recipients, payloads); err != nil {
		return "", err
	}
	j := job{
		id:         uuid.NewString(),
		sessionID:  sessionID,
		recipients: append([]string(nil), recipients...),
		payloads:   append([]message.Payload(nil), payloads...),
	}
	now := time.Now()
	cfg := d.config()
	d.pruneStatus(now, cfg)

	q := &d.jobs
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queue == nil {
		return "", ErrStopped
	}

	q.statusMu.Lock()
	q.status[j.id] = &JobStatus{ID: j.id, SessionID: sessionID, Total: len(recipients), CreatedAt: now}
	q.statusMu.Unlock()

	select {
	case q.queue <- j:
	default:
		q.statusMu.Lock()
		delete(q.status, j.id)
		q.statusMu.Unlock()
		d.log.Warn("job queue full", logx.Int("queue_cap", cap(q.queue)))
		return "", ErrQueueFull
	}
	d.log.Debug("job queued", logx.String("job", j.id), logx.Session(sessionID), logx.Int("total", len(recipients)))
	return j.id, nil
}

// Job returns a copy of the job's status.
func (d *Dispatcher) Job(id string) (JobStatus, bool) {
	q := &d.jobs
	q.statusMu.RLock()
	defer q.statusMu.RUnlock()
	st, ok := q.status[id]
	if !ok {
		return JobStatus{}, false
	}
	cp := *st
	cp.Results = append([]Result(nil), st.Results...)
	return cp, true
}

func (d *Dispatcher) workerLoop(ctx context.Context, ch <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-ch:
			if !ok {
				return
			}
			d.runJob(ctx, j)
		}
	}
}

func (d *Dispatcher) runJob(ctx context.Context, j job) {
	d.updateStatus(j.id, func(st *JobStatus) {
		st.Running = true
		st.StartedAt = time.Now()
	})
	_, err := d.send(ctx, j.id, j.sessionID, j.recipients, j.payloads, func(r Result) {
		d.updateStatus(j.id, func(st *JobStatus) {
			st.Done++
			if !r.OK() {
				st.Failed++
			}
			st.Results = append(st.Results, r)
		})
	})

	var final JobStatus
	d.updateStatus(j.id, func(st *JobStatus) {
		st.Running = false
		st.DoneAt = time.Now()
		if err != nil {
			st.Err = err.Error()
			st.Failed = st.Total - st.Done + st.Failed
		}
		final = *st
	})
	if err != nil {
		d.log.Warn("job failed", logx.String("job", j.id), logx.Session(j.sessionID), logx.Err(err))
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.DispatchJobDone, Session: j.sessionID, Data: final})
}

func (d *Dispatcher) updateStatus(id string, fn func(*JobStatus)) {
	q := &d.jobs
	q.statusMu.Lock()
	defer q.statusMu.Unlock()
	if st := q.status[id]; st != nil {
		fn(st)
	}
}

// pruneStatus drops finished jobs older than the TTL, then the oldest
// entries above the count bound.
func (d *Dispatcher) pruneStatus(now time.Time, cfg Config) {
	q := &d.jobs
	q.statusMu.Lock()
	defer q.statusMu.Unlock()

	for id, st := range q.status {
		ref := st.DoneAt
		if ref.IsZero() {
			ref = st.CreatedAt
		}
		if now.Sub(ref) > cfg.StatusTTL && !st.Running {
			delete(q.status, id)
		}
	}
	if len(q.status) < cfg.StatusMax {
		return
	}

	type entry struct {
		id string
		t  time.Time
	}
	items := make([]entry, 0, len(q.status))
	for id, st := range q.status {
		if st.Running {
			continue
		}
		t := st.DoneAt
		if t.IsZero() {
			t = st.CreatedAt
		}
		items = append(items, entry{id: id, t: t})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })
	excess := len(q.status) - cfg.StatusMax + 1
	for i := 0; i < excess && i < len(items); i++ {
		delete(q.status, items[i].id)
	}
}
