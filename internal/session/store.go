package session

import (
	"context"
	"time"

	"msgate/internal/message"
)

// Provider is one live connection to the chat network.
//
// The context given to Initialize bounds initialization only. Providers that
// keep background work alive own it until Destroy. emit may be called from any
// goroutine, during or after Initialize.
type Provider interface {
	Initialize(ctx context.Context, emit func(Event)) error
	Send(ctx context.Context, address string, p message.Payload) (messageID string, err error)
	CheckAddress(ctx context.Context, address string) (bool, error)
	Destroy(ctx context.Context) error
}

// ProviderFactory builds the provider for one session id.
type ProviderFactory func(id string, creds CredentialStore) (Provider, error)

// CredentialStore persists provider credentials per session id.
// Load returns nil, nil when nothing is stored. Delete of a missing id is a no-op.
type CredentialStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	Load(ctx context.Context, id string) ([]byte, error)
	Save(ctx context.Context, id string, data []byte) error
}

// NopStore keeps nothing.
type NopStore struct{}

func (NopStore) Exists(context.Context, string) (bool, error)   { return false, nil }
func (NopStore) Delete(context.Context, string) error           { return nil }
func (NopStore) List(context.Context) ([]string, error)         { return nil, nil }
func (NopStore) Load(context.Context, string) ([]byte, error)   { return nil, nil }
func (NopStore) Save(context.Context, string, []byte) error     { return nil }

// Status is the externally visible view of one session id.
type Status struct {
	ID            string     `json:"sessionId"`
	State         string     `json:"state"`
	StoredOnDisk  bool       `json:"storedOnDisk"`
	LinkChallenge string     `json:"linkChallenge,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	LastReadyAt   *time.Time `json:"lastReadyAt,omitempty"`
}

// Status values for ids with no live session.
const (
	StatusNone   = "none"
	StatusStored = "stored"
)
