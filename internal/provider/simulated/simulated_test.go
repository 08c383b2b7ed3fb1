package simulated

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"msgate/internal/message"
	"msgate/internal/session"
	"msgate/pkg/logx"
)

type memStore struct {
	session.NopStore
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memStore) Load(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[id], nil
}

func (m *memStore) Save(_ context.Context, id string, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = b
	return nil
}

func collect(t *testing.T, p *Provider) []session.Event {
	t.Helper()
	var evs []session.Event
	if err := p.Initialize(context.Background(), func(e session.Event) { evs = append(evs, e) }); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return evs
}

func TestLinkThenResume(t *testing.T) {
	t.Parallel()
	store := &memStore{data: map[string][]byte{}}

	first := collect(t, New("s", Config{}, store, logx.Nop()))
	kinds := []session.EventKind{session.EventLinkChallenge, session.EventAuthenticated, session.EventReady}
	if len(first) != len(kinds) {
		t.Fatalf("events = %+v", first)
	}
	for i, k := range kinds {
		if first[i].Kind != k {
			t.Fatalf("event %d = %s, want %s", i, first[i].Kind, k)
		}
	}
	if first[0].Data == "" {
		t.Fatal("empty link challenge")
	}
	if store.data["s"] == nil {
		t.Fatal("credentials not saved")
	}

	second := collect(t, New("s", Config{}, store, logx.Nop()))
	if len(second) != 2 || second[0].Kind != session.EventAuthenticated || second[1].Kind != session.EventReady {
		t.Fatalf("resume events = %+v", second)
	}
}

func TestSendAndCheck(t *testing.T) {
	t.Parallel()
	p := New("s", Config{}, nil, logx.Nop())
	ctx := context.Background()

	cases := []struct {
		addr string
		ok   bool
	}{
		{"212600000000@c.us", true},
		{"123456@c.us", true},
		{"12345@c.us", false},
		{"1234567890123456@c.us", false},
		{"abc@c.us", false},
	}
	for _, tc := range cases {
		ok, err := p.CheckAddress(ctx, tc.addr)
		if err != nil || ok != tc.ok {
			t.Errorf("CheckAddress(%q) = %v, %v; want %v", tc.addr, ok, err, tc.ok)
		}
	}

	id, err := p.Send(ctx, "212600000000@c.us", message.Text("hi"))
	if err != nil || id == "" {
		t.Fatalf("Send = %q, %v", id, err)
	}
	if _, err := p.Send(ctx, "12@c.us", message.Text("hi")); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Send to implausible address err = %v", err)
	}
	if sent := p.Sent(); len(sent) != 1 || sent[0].ID != id {
		t.Fatalf("Sent = %+v", sent)
	}

	_ = p.Destroy(ctx)
	if _, err := p.Send(ctx, "212600000000@c.us", message.Text("hi")); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("Send after Destroy err = %v", err)
	}
}

func TestSendLogsMaskedRecipient(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	p := New("s", Config{}, nil, logx.NewWriter(&buf, "debug"))
	if _, err := p.Send(context.Background(), "212600001234@c.us", message.Text("hi")); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Contains(out, "212600001234") {
		t.Fatalf("raw recipient in log: %s", out)
	}
	if !strings.Contains(out, "********1234@c.us") {
		t.Fatalf("masked recipient missing: %s", out)
	}
}
