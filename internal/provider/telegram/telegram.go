// Package telegram delivers gateway payloads through the Telegram Bot API.
//
// A session's credential is a bot token. Canonical addresses carry the
// numeric chat id as their local part, so "123456789@c.us" sends to chat
// 123456789.
package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"msgate/internal/address"
	"msgate/internal/message"
	"msgate/internal/session"
	"msgate/pkg/logx"
)

const textLimit = 4000

var (
	ErrNoToken   = errors.New("no bot token for session")
	ErrBadChatID = errors.New("address is not a telegram chat id")
	ErrClosed    = errors.New("telegram provider destroyed")
)

type Config struct {
	// Tokens maps session id to bot token. Stored credentials are used for
	// ids not listed here.
	Tokens  map[string]string
	Timeout time.Duration
	// URL overrides the Bot API endpoint.
	URL string
}

// botAPI is the part of *tele.Bot the provider uses.
type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	ChatByID(id int64) (*tele.Chat, error)
}

type credentials struct {
	Token string `json:"token"`
}

type Provider struct {
	id    string
	cfg   Config
	store session.CredentialStore
	log   logx.Logger

	// dial connects with a token and returns the bot username.
	dial func(token string) (botAPI, string, error)

	mu     sync.Mutex
	bot    botAPI
	closed bool
}

func Factory(cfg Config, log logx.Logger) session.ProviderFactory {
	return func(id string, store session.CredentialStore) (session.Provider, error) {
		return New(id, cfg, store, log), nil
	}
}

func New(id string, cfg Config, store session.CredentialStore, log logx.Logger) *Provider {
	if store == nil {
		store = session.NopStore{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	p := &Provider{
		id:    id,
		cfg:   cfg,
		store: store,
		log:   log.With(logx.String("comp", "provider.telegram"), logx.Session(id)),
	}
	p.dial = p.dialTelebot
	return p
}

func (p *Provider) dialTelebot(token string) (botAPI, string, error) {
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		URL:    p.cfg.URL,
		Client: &http.Client{Timeout: p.cfg.Timeout},
	})
	if err != nil {
		return nil, "", err
	}
	username := ""
	if b.Me != nil {
		username = b.Me.Username
	}
	return b, username, nil
}

func (p *Provider) token(ctx context.Context) (string, bool, error) {
	if tok := strings.TrimSpace(p.cfg.Tokens[p.id]); tok != "" {
		return tok, false, nil
	}
	raw, err := p.store.Load(ctx, p.id)
	if err != nil {
		return "", false, fmt.Errorf("load credentials: %w", err)
	}
	if raw == nil {
		return "", false, fmt.Errorf("%w %q", ErrNoToken, p.id)
	}
	var c credentials
	if err := json.Unmarshal(raw, &c); err != nil || strings.TrimSpace(c.Token) == "" {
		return "", false, fmt.Errorf("%w %q: stored credentials unreadable", ErrNoToken, p.id)
	}
	return c.Token, true, nil
}

// Initialize validates the token with getMe. The bot's deep link is the link
// challenge: a chat must open it before the bot can message that chat.
func (p *Provider) Initialize(ctx context.Context, emit func(session.Event)) error {
	tok, stored, err := p.token(ctx)
	if err != nil {
		emit(session.AuthFailed(err.Error()))
		return err
	}

	type dialed struct {
		bot      botAPI
		username string
		err      error
	}
	ch := make(chan dialed, 1)
	go func() {
		b, u, err := p.dial(tok)
		ch <- dialed{b, u, err}
	}()
	var d dialed
	select {
	case <-ctx.Done():
		return ctx.Err()
	case d = <-ch:
	}
	if d.err != nil {
		emit(session.AuthFailed(d.err.Error()))
		return fmt.Errorf("connect bot: %w", d.err)
	}
	if d.username != "" {
		emit(session.LinkChallenge("https://t.me/" + d.username))
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.bot = d.bot
	p.mu.Unlock()
	emit(session.Authenticated())

	if !stored {
		b, _ := json.Marshal(credentials{Token: tok})
		if err := p.store.Save(ctx, p.id, b); err != nil {
			p.log.Warn("saving bot token failed", logx.Err(err))
		}
	}
	p.log.Info("bot connected", logx.String("username", d.username))
	emit(session.Ready())
	return nil
}

func (p *Provider) client() (botAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.bot == nil {
		return nil, ErrClosed
	}
	return p.bot, nil
}

func chatID(addr string) (int64, error) {
	local := address.Local(addr)
	if !address.IsDigits(local) {
		return 0, fmt.Errorf("%w: %q", ErrBadChatID, addr)
	}
	id, err := strconv.ParseInt(local, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadChatID, addr)
	}
	return id, nil
}

// CheckAddress reports whether the bot can see the chat.
func (p *Provider) CheckAddress(ctx context.Context, addr string) (bool, error) {
	bot, err := p.client()
	if err != nil {
		return false, err
	}
	id, err := chatID(addr)
	if err != nil {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := bot.ChatByID(id); err != nil {
		if isChatMissing(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isChatMissing(err error) bool {
	if errors.Is(err, tele.ErrChatNotFound) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "chat not found")
}

func (p *Provider) Send(ctx context.Context, addr string, msg message.Payload) (string, error) {
	bot, err := p.client()
	if err != nil {
		return "", err
	}
	id, err := chatID(addr)
	if err != nil {
		return "", err
	}
	to := tele.ChatID(id)

	var sendables []interface{}
	switch msg.Kind {
	case message.KindMedia:
		s, err := mediaSendable(msg.Media)
		if err != nil {
			return "", err
		}
		sendables = append(sendables, s)
	case message.KindPoll:
		poll := &tele.Poll{Type: tele.PollRegular, Question: msg.Poll.Question, MultipleAnswers: msg.Poll.AllowMultiple}
		poll.AddOptions(msg.Poll.Options...)
		sendables = append(sendables, poll)
	case message.KindLocation:
		loc := tele.Location{Lat: float32(msg.Location.Latitude), Lng: float32(msg.Location.Longitude)}
		if d := strings.TrimSpace(msg.Location.Description); d != "" {
			sendables = append(sendables, &tele.Venue{Location: loc, Title: d, Address: d})
		} else {
			sendables = append(sendables, &loc)
		}
	default:
		for _, chunk := range splitText(msg.PlainText(), textLimit) {
			sendables = append(sendables, chunk)
		}
	}

	first := ""
	for _, s := range sendables {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		m, err := bot.Send(to, s)
		if err != nil {
			return first, err
		}
		if first == "" && m != nil {
			first = strconv.Itoa(m.ID)
		}
	}
	return first, nil
}

func mediaSendable(m *message.Media) (interface{}, error) {
	var file tele.File
	switch {
	case m.URL != "":
		file = tele.FromURL(m.URL)
	case m.FilePath != "":
		file = tele.FromDisk(m.FilePath)
	default:
		b, err := base64.StdEncoding.DecodeString(m.Base64)
		if err != nil {
			return nil, fmt.Errorf("%w: media base64: %v", message.ErrInvalidPayload, err)
		}
		file = tele.FromReader(bytes.NewReader(b))
	}
	if strings.HasPrefix(strings.ToLower(m.MimeType), "image/") {
		return &tele.Photo{File: file, Caption: m.Caption}, nil
	}
	return &tele.Document{File: file, Caption: m.Caption, FileName: m.Filename, MIME: m.MimeType}, nil
}

func (p *Provider) Destroy(context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.bot = nil
	p.mu.Unlock()
	return nil
}

// splitText splits long messages into chunks under limit runes,
// preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
