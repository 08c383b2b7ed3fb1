package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"msgate/internal/eventbus"
	"msgate/internal/message"
	"msgate/internal/provider/simulated"
	"msgate/internal/session"
	"msgate/internal/storage"
	"msgate/pkg/logx"
)

// scriptedProvider is ready immediately and records sends in order.
type scriptedProvider struct {
	mu       sync.Mutex
	sent     []string
	unknown  map[string]bool // addresses CheckAddress reports as missing
	failures int             // sends that fail before the first success
	attempts int
	never    bool          // never becomes ready
	block    chan struct{} // when set, Send waits on it
	started  chan struct{} // signalled on each Send call, when set
	onSend   func(n int)
}

func (p *scriptedProvider) Initialize(ctx context.Context, emit func(session.Event)) error {
	if p.never {
		emit(session.LinkChallenge("scan me"))
		<-ctx.Done()
		return ctx.Err()
	}
	emit(session.Authenticated())
	emit(session.Ready())
	return nil
}

func (p *scriptedProvider) Send(ctx context.Context, addr string, _ message.Payload) (string, error) {
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	p.mu.Lock()
	p.attempts++
	if p.failures > 0 {
		p.failures--
		p.mu.Unlock()
		return "", errors.New("transient")
	}
	p.sent = append(p.sent, addr)
	n := len(p.sent)
	p.mu.Unlock()
	if p.onSend != nil {
		p.onSend(n)
	}
	return fmt.Sprintf("id-%d", n), nil
}

func (p *scriptedProvider) CheckAddress(_ context.Context, addr string) (bool, error) {
	return !p.unknown[addr], nil
}

func (p *scriptedProvider) Destroy(context.Context) error { return nil }

func (p *scriptedProvider) sentTo() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

type memLog struct {
	mu  sync.Mutex
	all []storage.Delivery
}

func (m *memLog) AppendDelivery(_ context.Context, d storage.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.all = append(m.all, d)
	return nil
}

func (m *memLog) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.all)
}

type harness struct {
	d    *Dispatcher
	reg  *session.Registry
	log  *memLog
	bus  eventbus.Bus
	prov *scriptedProvider
}

func newHarness(t *testing.T, prov *scriptedProvider, cfg Config) *harness {
	t.Helper()
	bus := eventbus.New()
	reg := session.NewRegistry(context.Background(), session.Options{
		Factory: func(string, session.CredentialStore) (session.Provider, error) { return prov, nil },
		Bus:     bus,
	})
	dl := &memLog{}
	d := New(Options{Sessions: reg, Deliveries: dl, Bus: bus, Config: cfg})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
		_ = reg.Close(ctx)
	})
	return &harness{d: d, reg: reg, log: dl, bus: bus, prov: prov}
}

// fast disables pacing so tests do not sleep.
func fast() Config {
	return Config{TextDelay: 0, MediaDelay: 0, ReadyWait: 2 * time.Second, SendTimeout: time.Second}
}

func TestCheckShape(t *testing.T) {
	t.Parallel()
	hi := message.Text("hi")
	tests := []struct {
		name       string
		recipients []string
		payloads   []message.Payload
		ok         bool
	}{
		{name: "broadcast", recipients: []string{"1", "2"}, payloads: []message.Payload{hi}, ok: true},
		{name: "positional", recipients: []string{"1", "2"}, payloads: []message.Payload{hi, hi}, ok: true},
		{name: "no recipients", payloads: []message.Payload{hi}},
		{name: "no payloads", recipients: []string{"1"}},
		{name: "count mismatch", recipients: []string{"1", "2", "3"}, payloads: []message.Payload{hi, hi}},
		{name: "invalid payload", recipients: []string{"1"}, payloads: []message.Payload{message.Text("")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckShape(tt.recipients, tt.payloads)
			if tt.ok {
				if err != nil {
					t.Fatalf("CheckShape error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("CheckShape error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestSendPreservesOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &scriptedProvider{}, fast())

	recipients := []string{"+212 600-000001", "212600000002", "(212) 600 000003"}
	res, err := h.d.Send(context.Background(), "default", recipients, []message.Payload{message.Text("hi")})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("got %d results", len(res))
	}
	want := []string{"212600000001@c.us", "212600000002@c.us", "212600000003@c.us"}
	for i, r := range res {
		if r.Recipient != recipients[i] || r.Address != want[i] || !r.OK() || r.MessageID == "" {
			t.Fatalf("result %d = %+v", i, r)
		}
	}
	got := h.prov.sentTo()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("provider order = %v, want %v", got, want)
		}
	}
	if h.log.len() != 3 {
		t.Fatalf("delivery log has %d entries", h.log.len())
	}
}

func TestSendInvalidNumberDoesNotAbortBatch(t *testing.T) {
	t.Parallel()
	prov := &scriptedProvider{unknown: map[string]bool{"222@c.us": true}}
	cfg := fast()
	cfg.CheckAddress = true
	h := newHarness(t, prov, cfg)

	res, err := h.d.Send(context.Background(), "default", []string{"111", "222", "333", "()"}, []message.Payload{message.Text("hi")})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if !res[0].OK() || !res[2].OK() {
		t.Fatalf("r1/r3 should succeed: %+v", res)
	}
	for _, i := range []int{1, 3} {
		if res[i].Status != StatusFailed || res[i].Error != InvalidNumber {
			t.Fatalf("result %d = %+v, want %q", i, res[i], InvalidNumber)
		}
	}
	if got := h.prov.sentTo(); len(got) != 2 {
		t.Fatalf("provider saw %v", got)
	}
}

func TestSendPositionalPayloads(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &scriptedProvider{}, fast())
	payloads := []message.Payload{message.Text("a"), {Kind: message.KindLocation, Location: &message.Location{Latitude: 1, Longitude: 2}}}
	res, err := h.d.Send(context.Background(), "default", []string{"111", "222"}, payloads)
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if !res[0].OK() || !res[1].OK() {
		t.Fatalf("results = %+v", res)
	}
	h.log.mu.Lock()
	defer h.log.mu.Unlock()
	if h.log.all[0].Kind != "text" || h.log.all[1].Kind != "location" {
		t.Fatalf("logged kinds = %q, %q", h.log.all[0].Kind, h.log.all[1].Kind)
	}
}

func TestSendRetries(t *testing.T) {
	t.Parallel()
	prov := &scriptedProvider{failures: 2}
	cfg := fast()
	cfg.RetryMax = 2
	cfg.RetryBase = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	h := newHarness(t, prov, cfg)

	res, err := h.d.Send(context.Background(), "default", []string{"111"}, []message.Payload{message.Text("hi")})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if !res[0].OK() {
		t.Fatalf("result = %+v", res[0])
	}
	if prov.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", prov.attempts)
	}
}

func TestSendWithoutRetryReportsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &scriptedProvider{failures: 1}, fast())
	res, err := h.d.Send(context.Background(), "default", []string{"111", "222"}, []message.Payload{message.Text("hi")})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if res[0].OK() || res[0].Error != "transient" {
		t.Fatalf("first = %+v", res[0])
	}
	if !res[1].OK() {
		t.Fatalf("second = %+v", res[1])
	}
}

func TestSendNotReady(t *testing.T) {
	t.Parallel()
	cfg := fast()
	cfg.ReadyWait = 50 * time.Millisecond
	h := newHarness(t, &scriptedProvider{never: true}, cfg)

	_, err := h.d.Send(context.Background(), "shop", []string{"111"}, []message.Payload{message.Text("hi")})
	if !errors.Is(err, session.ErrNotReady) {
		t.Fatalf("Send error = %v, want ErrNotReady", err)
	}
	if h.log.len() != 0 {
		t.Fatal("nothing should be logged for a batch that never started")
	}
}

func TestSendFactoryFailureIsNoSession(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry(context.Background(), session.Options{
		Factory: func(string, session.CredentialStore) (session.Provider, error) {
			return nil, errors.New("boom")
		},
	})
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	dl := &memLog{}
	d := New(Options{Sessions: reg, Deliveries: dl, Config: fast()})

	_, err := d.Send(context.Background(), "x", []string{"111"}, []message.Payload{message.Text("hi")})
	if !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("Send error = %v, want ErrNoSession", err)
	}
	if !errors.Is(err, session.ErrInitFailed) {
		t.Fatalf("Send error = %v, want the init failure kept", err)
	}
	if dl.len() != 0 {
		t.Fatal("nothing should be logged for a session that was never created")
	}
}

func TestSendInvalidArgumentBeforeSession(t *testing.T) {
	t.Parallel()
	created := 0
	reg := session.NewRegistry(context.Background(), session.Options{
		Factory: func(string, session.CredentialStore) (session.Provider, error) {
			created++
			return &scriptedProvider{}, nil
		},
	})
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	d := New(Options{Sessions: reg, Config: fast()})

	_, err := d.Send(context.Background(), "default", nil, []message.Payload{message.Text("hi")})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Send error = %v", err)
	}
	if created != 0 {
		t.Fatal("invalid batch must not create a session")
	}
}

func TestSendCancelledMarksRemainingFailed(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prov := &scriptedProvider{onSend: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	h := newHarness(t, prov, fast())

	res, err := h.d.Send(ctx, "default", []string{"111", "222", "333"}, []message.Payload{message.Text("hi")})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if !res[0].OK() {
		t.Fatalf("first = %+v", res[0])
	}
	for _, r := range res[1:] {
		if r.OK() || !strings.Contains(r.Error, "context canceled") {
			t.Fatalf("remaining = %+v", r)
		}
	}
}

func TestSendPacesConsecutiveSends(t *testing.T) {
	t.Parallel()
	cfg := fast()
	cfg.TextDelay = 40 * time.Millisecond
	h := newHarness(t, &scriptedProvider{}, cfg)

	start := time.Now()
	if _, err := h.d.Send(context.Background(), "default", []string{"111", "222", "333"}, []message.Payload{message.Text("hi")}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if took := time.Since(start); took < 80*time.Millisecond {
		t.Fatalf("three paced sends took %v, want >= 80ms", took)
	}
}

func TestSendPublishesResults(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &scriptedProvider{}, fast())
	ch, unsub := eventbus.SubscribePrefix(h.bus, 16, "dispatch.")
	defer unsub()

	if _, err := h.d.Send(context.Background(), "default", []string{"111"}, []message.Payload{message.Text("hi")}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	select {
	case ev := <-ch:
		r, ok := ev.Data.(Result)
		if ev.Type != eventbus.DispatchResult || !ok || !r.OK() || ev.Session != "default" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no dispatch event")
	}
}

func waitJob(t *testing.T, d *Dispatcher, id string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, ok := d.Job(id)
		if !ok {
			t.Fatalf("job %s vanished", id)
		}
		if st.Finished() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return JobStatus{}
}

func TestSubmitRunsJob(t *testing.T) {
	t.Parallel()
	cfg := fast()
	cfg.CheckAddress = true
	h := newHarness(t, &scriptedProvider{unknown: map[string]bool{"222@c.us": true}}, cfg)
	h.d.Start(context.Background())

	id, err := h.d.Submit("default", []string{"111", "222"}, []message.Payload{message.Text("hi")})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	st := waitJob(t, h.d, id)
	if st.Total != 2 || st.Done != 2 || st.Failed != 1 || len(st.Results) != 2 {
		t.Fatalf("status = %+v", st)
	}
	if st.Running || st.StartedAt.IsZero() || st.Err != "" {
		t.Fatalf("status = %+v", st)
	}
	if _, ok := h.d.Job("missing"); ok {
		t.Fatal("unknown job found")
	}
}

func TestSubmitJobSessionFailure(t *testing.T) {
	t.Parallel()
	cfg := fast()
	cfg.ReadyWait = 30 * time.Millisecond
	h := newHarness(t, &scriptedProvider{never: true}, cfg)
	h.d.Start(context.Background())

	id, err := h.d.Submit("default", []string{"111", "222"}, []message.Payload{message.Text("hi")})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	st := waitJob(t, h.d, id)
	if st.Err == "" || st.Failed != 2 || st.Done != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestSubmitValidatesAndRequiresStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &scriptedProvider{}, fast())
	if _, err := h.d.Submit("default", []string{"1"}, []message.Payload{message.Text("hi")}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit before Start = %v, want ErrStopped", err)
	}
	h.d.Start(context.Background())
	if _, err := h.d.Submit("default", nil, []message.Payload{message.Text("hi")}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Submit invalid = %v, want ErrInvalidArgument", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()
	prov := &scriptedProvider{block: make(chan struct{}), started: make(chan struct{}, 4)}
	cfg := fast()
	cfg.Workers = 1
	cfg.QueueSize = 1
	h := newHarness(t, prov, cfg)
	h.d.Start(context.Background())
	defer close(prov.block)

	batch := []message.Payload{message.Text("hi")}
	if _, err := h.d.Submit("default", []string{"111"}, batch); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	select {
	case <-prov.started:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never started the first job")
	}
	if _, err := h.d.Submit("default", []string{"222"}, batch); err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if _, err := h.d.Submit("default", []string{"333"}, batch); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Submit = %v, want ErrQueueFull", err)
	}
}

func TestPruneStatusBounds(t *testing.T) {
	t.Parallel()
	d := New(Options{Config: Config{StatusMax: 3, StatusTTL: time.Hour}})
	now := time.Now()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("job-%d", i)
		d.jobs.status[id] = &JobStatus{ID: id, CreatedAt: now.Add(time.Duration(i) * time.Minute), DoneAt: now.Add(time.Duration(i) * time.Minute)}
	}
	d.jobs.status["old"] = &JobStatus{ID: "old", CreatedAt: now.Add(-2 * time.Hour), DoneAt: now.Add(-2 * time.Hour)}

	d.pruneStatus(now.Add(5*time.Minute), d.config())
	if _, ok := d.Job("old"); ok {
		t.Fatal("expired job kept")
	}
	if len(d.jobs.status) != 2 {
		t.Fatalf("kept %d statuses, want room for one more under the cap", len(d.jobs.status))
	}
	for _, id := range []string{"job-3", "job-4"} {
		if _, ok := d.Job(id); !ok {
			t.Fatalf("newest job %s pruned", id)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	c := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 350 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := c.retryDelay(i + 1); got != w {
			t.Fatalf("retryDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestEndToEndSimulated(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		built []*simulated.Provider
	)
	reg := session.NewRegistry(context.Background(), session.Options{
		Factory: simulated.Factory(simulated.Config{LinkDelay: 10 * time.Millisecond}, logx.Nop(), func(p *simulated.Provider) {
			mu.Lock()
			built = append(built, p)
			mu.Unlock()
		}),
	})
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	d := New(Options{Sessions: reg, Config: fast()})

	res, err := d.Send(context.Background(), "default", []string{"212600000000"}, []message.Payload{message.Text("hi")})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(res) != 1 || !res[0].OK() || res[0].MessageID == "" {
		t.Fatalf("results = %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(built) != 1 {
		t.Fatalf("built %d providers", len(built))
	}
	sent := built[0].Sent()
	if len(sent) != 1 || sent[0].ID != res[0].MessageID || sent[0].Address != "212600000000@c.us" {
		t.Fatalf("sent = %+v", sent)
	}
}
