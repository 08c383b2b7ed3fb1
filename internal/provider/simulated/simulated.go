// Package simulated is a provider that never touches a network.
//
// It walks the full linking lifecycle, keeps a credential record so later
// sessions skip linking, and accepts sends to any plausible phone address.
// It backs test mode and the end-to-end tests.
package simulated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"msgate/internal/address"
	"msgate/internal/message"
	"msgate/internal/session"
	"msgate/pkg/logx"
)

var (
	ErrDestroyed     = errors.New("simulated provider destroyed")
	ErrNotRegistered = errors.New("recipient not registered")
)

type Config struct {
	// LinkDelay is how long the fake user takes to complete linking.
	LinkDelay time.Duration
	// SendLatency is added to every send.
	SendLatency time.Duration
}

// Sent records one accepted message.
type Sent struct {
	ID      string
	Address string
	Payload message.Payload
	At      time.Time
}

type credentials struct {
	Device   string    `json:"device"`
	LinkedAt time.Time `json:"linkedAt"`
}

type Provider struct {
	id    string
	cfg   Config
	store session.CredentialStore
	log   logx.Logger

	mu        sync.Mutex
	destroyed bool
	sent      []Sent
}

// Factory builds one Provider per session. onCreate, when set, sees each
// provider as it is built.
func Factory(cfg Config, log logx.Logger, onCreate func(*Provider)) session.ProviderFactory {
	return func(id string, store session.CredentialStore) (session.Provider, error) {
		p := New(id, cfg, store, log)
		if onCreate != nil {
			onCreate(p)
		}
		return p, nil
	}
}

func New(id string, cfg Config, store session.CredentialStore, log logx.Logger) *Provider {
	if store == nil {
		store = session.NopStore{}
	}
	return &Provider{
		id:    id,
		cfg:   cfg,
		store: store,
		log:   log.With(logx.String("comp", "provider.simulated"), logx.Session(id)),
	}
}

func (p *Provider) Initialize(ctx context.Context, emit func(session.Event)) error {
	raw, err := p.store.Load(ctx, p.id)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if raw != nil {
		var c credentials
		if err := json.Unmarshal(raw, &c); err == nil && c.Device != "" {
			p.log.Debug("resuming linked device", logx.String("device", c.Device))
			emit(session.Authenticated())
			emit(session.Ready())
			return nil
		}
		p.log.Warn("stored credentials unreadable, linking again")
	}

	device := uuid.NewString()
	emit(session.LinkChallenge("msgate-link:" + device))
	if p.cfg.LinkDelay > 0 {
		t := time.NewTimer(p.cfg.LinkDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if p.isDestroyed() {
		return ErrDestroyed
	}

	b, _ := json.Marshal(credentials{Device: device, LinkedAt: time.Now().UTC()})
	if err := p.store.Save(ctx, p.id, b); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	emit(session.Authenticated())
	emit(session.Ready())
	return nil
}

// Plausible reports whether addr looks like a reachable phone address:
// a local part of 6 to 15 digits.
func Plausible(addr string) bool {
	local := address.Local(addr)
	return address.IsDigits(local) && len(local) >= 6 && len(local) <= 15
}

func (p *Provider) CheckAddress(ctx context.Context, addr string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if p.isDestroyed() {
		return false, ErrDestroyed
	}
	return Plausible(addr), nil
}

func (p *Provider) Send(ctx context.Context, addr string, msg message.Payload) (string, error) {
	if p.cfg.SendLatency > 0 {
		t := time.NewTimer(p.cfg.SendLatency)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !Plausible(addr) {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, addr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return "", ErrDestroyed
	}
	id := uuid.NewString()
	p.sent = append(p.sent, Sent{ID: id, Address: addr, Payload: msg, At: time.Now()})
	p.log.Debug("message accepted", logx.Recipient(addr), logx.String("kind", string(msg.Kind)), logx.String("id", id))
	return id, nil
}

func (p *Provider) Destroy(context.Context) error {
	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()
	return nil
}

// Sent returns a copy of every accepted message in send order.
func (p *Provider) Sent() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sent(nil), p.sent...)
}

func (p *Provider) isDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}
