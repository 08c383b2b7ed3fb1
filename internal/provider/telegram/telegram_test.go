package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	tele "gopkg.in/telebot.v4"

	"msgate/internal/message"
	"msgate/internal/session"
	"msgate/pkg/logx"
)

type fakeBot struct {
	mu    sync.Mutex
	sent  []interface{}
	to    []tele.Recipient
	chats map[int64]bool
	next  int
}

func (b *fakeBot) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.sent = append(b.sent, what)
	b.to = append(b.to, to)
	return &tele.Message{ID: b.next}, nil
}

func (b *fakeBot) ChatByID(id int64) (*tele.Chat, error) {
	if b.chats[id] {
		return &tele.Chat{ID: id}, nil
	}
	return nil, errors.New("telegram: Bad Request: chat not found (400)")
}

type memStore struct {
	session.NopStore
	data map[string][]byte
}

func (m *memStore) Load(_ context.Context, id string) ([]byte, error) { return m.data[id], nil }
func (m *memStore) Save(_ context.Context, id string, b []byte) error {
	m.data[id] = b
	return nil
}

func newTestProvider(t *testing.T, cfg Config, store session.CredentialStore) (*Provider, *fakeBot, *[]string) {
	t.Helper()
	bot := &fakeBot{chats: map[int64]bool{42: true}}
	var dialed []string
	p := New("s", cfg, store, logx.Nop())
	p.dial = func(token string) (botAPI, string, error) {
		dialed = append(dialed, token)
		if token == "bad" {
			return nil, "", errors.New("Unauthorized")
		}
		return bot, "msgate_bot", nil
	}
	return p, bot, &dialed
}

func TestInitializeWithConfiguredToken(t *testing.T) {
	t.Parallel()
	store := &memStore{data: map[string][]byte{}}
	p, _, dialed := newTestProvider(t, Config{Tokens: map[string]string{"s": "tok"}}, store)

	var evs []session.Event
	if err := p.Initialize(context.Background(), func(e session.Event) { evs = append(evs, e) }); err != nil {
		t.Fatal(err)
	}
	if len(*dialed) != 1 || (*dialed)[0] != "tok" {
		t.Fatalf("dialed = %v", *dialed)
	}
	if len(evs) != 3 || evs[0].Data != "https://t.me/msgate_bot" || evs[2].Kind != session.EventReady {
		t.Fatalf("events = %+v", evs)
	}
	if !strings.Contains(string(store.data["s"]), `"tok"`) {
		t.Fatalf("token not stored: %s", store.data["s"])
	}

	// A fresh provider without config falls back to the stored token.
	p2, _, dialed2 := newTestProvider(t, Config{}, store)
	if err := p2.Initialize(context.Background(), func(session.Event) {}); err != nil {
		t.Fatal(err)
	}
	if (*dialed2)[0] != "tok" {
		t.Fatalf("dialed = %v", *dialed2)
	}
}

func TestInitializeFailures(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestProvider(t, Config{}, nil)
	var evs []session.Event
	if err := p.Initialize(context.Background(), func(e session.Event) { evs = append(evs, e) }); !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
	if len(evs) != 1 || evs[0].Kind != session.EventAuthFailed {
		t.Fatalf("events = %+v", evs)
	}

	p, _, _ = newTestProvider(t, Config{Tokens: map[string]string{"s": "bad"}}, nil)
	if err := p.Initialize(context.Background(), func(session.Event) {}); err == nil {
		t.Fatal("expected error for rejected token")
	}
}

func TestSendMapsPayloads(t *testing.T) {
	t.Parallel()
	p, bot, _ := newTestProvider(t, Config{Tokens: map[string]string{"s": "tok"}}, nil)
	ctx := context.Background()
	if err := p.Initialize(ctx, func(session.Event) {}); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		payload message.Payload
		want    string
	}{
		{message.Text("hi"), "text:hi"},
		{message.Payload{Kind: message.KindMedia, Media: &message.Media{URL: "https://x/y.png", MimeType: "image/png", Caption: "c"}}, "photo:c"},
		{message.Payload{Kind: message.KindMedia, Media: &message.Media{Base64: "aGk=", MimeType: "application/pdf", Filename: "a.pdf"}}, "document:a.pdf"},
		{message.Payload{Kind: message.KindPoll, Poll: &message.Poll{Question: "q", Options: []string{"a", "b"}}}, "poll:q:2"},
		{message.Payload{Kind: message.KindLocation, Location: &message.Location{Latitude: 1.5, Longitude: 2.5}}, "location"},
		{message.Payload{Kind: message.KindLocation, Location: &message.Location{Latitude: 1, Longitude: 2, Description: "HQ"}}, "venue:HQ"},
		{message.Payload{Kind: message.KindContact, Contact: &message.Contact{Name: "Ana", Number: "212600000000"}}, "text:Ana\n212600000000"},
	}
	for _, tc := range cases {
		before := len(bot.sent)
		id, err := p.Send(ctx, "42@c.us", tc.payload)
		if err != nil || id == "" {
			t.Fatalf("%s: Send = %q, %v", tc.want, id, err)
		}
		if got := describe(bot.sent[before]); got != tc.want {
			t.Fatalf("sent %q, want %q", got, tc.want)
		}
		if bot.to[before] != tele.ChatID(42) {
			t.Fatalf("%s: recipient = %v", tc.want, bot.to[before])
		}
	}

	if _, err := p.Send(ctx, "not-a-chat@c.us", message.Text("x")); !errors.Is(err, ErrBadChatID) {
		t.Fatalf("err = %v, want ErrBadChatID", err)
	}
}

func describe(v interface{}) string {
	switch x := v.(type) {
	case string:
		return "text:" + x
	case *tele.Photo:
		return "photo:" + x.Caption
	case *tele.Document:
		return "document:" + x.FileName
	case *tele.Poll:
		return fmt.Sprintf("poll:%s:%d", x.Question, len(x.Options))
	case *tele.Location:
		return "location"
	case *tele.Venue:
		return "venue:" + x.Title
	}
	return fmt.Sprintf("%T", v)
}

func TestCheckAddress(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestProvider(t, Config{Tokens: map[string]string{"s": "tok"}}, nil)
	ctx := context.Background()
	if err := p.Initialize(ctx, func(session.Event) {}); err != nil {
		t.Fatal(err)
	}
	for addr, want := range map[string]bool{"42@c.us": true, "43@c.us": false, "abc@c.us": false} {
		ok, err := p.CheckAddress(ctx, addr)
		if err != nil || ok != want {
			t.Errorf("CheckAddress(%q) = %v, %v; want %v", addr, ok, err, want)
		}
	}
	_ = p.Destroy(ctx)
	if _, err := p.Send(ctx, "42@c.us", message.Text("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Destroy err = %v", err)
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText(short) = %q", got)
	}
	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(long, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("splitText = %q", got)
	}
	hard := splitText(strings.Repeat("x", 25), 10)
	if len(hard) != 3 || len([]rune(hard[2])) != 5 {
		t.Fatalf("hard split = %q", hard)
	}
}
